package llm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultInitialDelay is the default base delay before the first retry
	DefaultInitialDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps the exponential growth of the base delay
	DefaultMaxDelay = 30 * time.Second
	// DefaultBackoffMultiplier is the growth factor between consecutive base delays
	DefaultBackoffMultiplier = 2.0
)

// RetryPolicy decides whether and when a failed request is sent again.
// It never performs I/O; the caller that owns the transport drives retries.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// Rand returns a value in [0, 1). Nil means math/rand/v2.
	Rand func() float64
}

// RetryDecision is the outcome of RetryPolicy.Decide.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        DefaultMaxRetries,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// IsZero reports whether no parameter of the policy has been set.
func (p RetryPolicy) IsZero() bool {
	return p.MaxRetries == 0 && p.InitialDelay == 0 && p.MaxDelay == 0 && p.BackoffMultiplier == 0
}

// Validate checks the policy parameters.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return NewConfigurationError("max retries must not be negative, got %d", p.MaxRetries)
	case p.InitialDelay <= 0:
		return NewConfigurationError("initial delay must be positive, got %s", p.InitialDelay)
	case p.MaxDelay < p.InitialDelay:
		return NewConfigurationError("max delay %s is shorter than initial delay %s", p.MaxDelay, p.InitialDelay)
	case !(p.BackoffMultiplier > 1.0):
		return NewConfigurationError("backoff multiplier must be greater than 1.0, got %g", p.BackoffMultiplier)
	}
	return nil
}

// BaseDelay returns min(InitialDelay * BackoffMultiplier^attempt, MaxDelay).
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Jitter spreads base uniformly over [0, base].
func (p RetryPolicy) Jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return time.Duration(rnd() * float64(base))
}

// Decide reports whether the request that failed with err on the given
// zero-based attempt should be retried, and after how long.
func (p RetryPolicy) Decide(err error, attempt int) RetryDecision {
	var llmErr *Error
	if !errors.As(err, &llmErr) || !llmErr.Retryable() || attempt >= p.MaxRetries {
		return RetryDecision{}
	}

	delay := p.Jitter(p.BaseDelay(attempt))
	if llmErr.Kind == KindRateLimit && llmErr.RetryAfter != nil && *llmErr.RetryAfter > delay {
		delay = *llmErr.RetryAfter
	}
	return RetryDecision{Retry: true, Delay: delay}
}

// PolicyBackOff adapts a RetryPolicy to backoff.BackOff. The driver must
// report every failure through Observe before the backoff is consulted.
type PolicyBackOff struct {
	policy  RetryPolicy
	ctx     context.Context
	attempt int
	lastErr error
}

// NewBackOff returns a backoff bound to ctx; it stops once ctx is done.
func (p RetryPolicy) NewBackOff(ctx context.Context) *PolicyBackOff {
	return &PolicyBackOff{policy: p, ctx: ctx}
}

// Observe records the failure the next NextBackOff call decides on.
func (b *PolicyBackOff) Observe(err error) {
	b.lastErr = err
}

// Attempt returns the zero-based index of the attempt in flight.
func (b *PolicyBackOff) Attempt() int {
	return b.attempt
}

// Reset implements backoff.BackOff.
func (b *PolicyBackOff) Reset() {
	b.attempt = 0
	b.lastErr = nil
}

// NextBackOff implements backoff.BackOff.
func (b *PolicyBackOff) NextBackOff() time.Duration {
	if b.ctx.Err() != nil {
		return backoff.Stop
	}
	decision := b.policy.Decide(b.lastErr, b.attempt)
	if !decision.Retry {
		return backoff.Stop
	}
	b.attempt++
	b.lastErr = nil
	return decision.Delay
}

// Context implements backoff.BackOffContext.
func (b *PolicyBackOff) Context() context.Context {
	return b.ctx
}

var _ backoff.BackOffContext = (*PolicyBackOff)(nil)
