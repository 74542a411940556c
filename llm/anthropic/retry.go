package anthropic

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/claude/llm"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// withRetry runs fn until it succeeds, fails with a non-retryable error or
// the policy gives up. fn must return classified errors.
func withRetry[T any](ctx context.Context, policy llm.RetryPolicy, logger zerolog.Logger, operation string, fn func() (T, error)) (T, error) {
	b := policy.NewBackOff(ctx)

	op := func() (T, error) {
		res, err := fn()
		if err != nil {
			b.Observe(err)
			if !llm.IsRetryableError(err) {
				return res, backoff.Permanent(err)
			}
		}
		return res, err
	}

	notify := func(err error, next time.Duration) {
		ev := logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", b.Attempt()).
			Int("max_retries", policy.MaxRetries).
			Dur("retry_in", next)
		if retryAfter := llm.ExtractRetryAfter(err); retryAfter != nil {
			ev = ev.Dur("retry_after", *retryAfter)
		}
		ev.Msg("Request failed, retrying after delay")
	}

	res, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		return res, llm.ClassifyTransport(err)
	}
	return res, nil
}
