package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// apiErrorBody is the vendor error envelope:
// {"type":"error","error":{"type":"...","message":"..."}}.
type apiErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type       string   `json:"type"`
		Message    string   `json:"message"`
		RetryAfter *float64 `json:"retry_after,omitempty"`
	} `json:"error"`
}

// ClassifyHTTP maps a non-2xx response to an *Error. It returns nil for 2xx
// statuses.
func ClassifyHTTP(status int, header http.Header, body []byte) *Error {
	if status >= 200 && status < 300 {
		return nil
	}

	e := &Error{
		StatusCode: status,
		Body:       string(body),
		RequestID:  requestID(header),
	}

	var envelope apiErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		e.Message = envelope.Error.Message
		e.APIErrorType = envelope.Error.Type
	} else if trimmed := strings.TrimSpace(string(body)); trimmed != "" && len(trimmed) <= maxBodySnippet {
		e.Message = trimmed
	} else {
		e.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(header, time.Now())
		if e.RetryAfter == nil && envelope.Error.RetryAfter != nil {
			e.RetryAfter = secondsToDuration(*envelope.Error.RetryAfter)
		}
	case status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
	case status >= 400 && status < 500:
		e.Kind = KindInvalidRequest
	default:
		e.Kind = KindServer
	}
	return e
}

// ClassifyTransport maps a failure that happened before a status was
// received. A *Error passes through unchanged and context.Canceled is
// returned as is, since the caller asked for it.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(err)
	}
	return NewNetworkError(err)
}

// ClassifyStreamError maps an error event received inside an event stream.
func ClassifyStreamError(apiErrorType, message string) *Error {
	e := &Error{APIErrorType: apiErrorType, Message: message}
	switch apiErrorType {
	case "rate_limit_error":
		e.Kind = KindRateLimit
	case "authentication_error", "permission_error":
		e.Kind = KindAuthentication
	case "invalid_request_error", "not_found_error", "request_too_large":
		e.Kind = KindInvalidRequest
	default:
		// overloaded_error, api_error and anything new
		e.Kind = KindServer
	}
	return e
}

func requestID(header http.Header) string {
	if header == nil {
		return ""
	}
	if id := header.Get("request-id"); id != "" {
		return id
	}
	return header.Get("x-request-id")
}

// parseRetryAfter reads retry-after-ms, then retry-after as either seconds or
// an HTTP date.
func parseRetryAfter(header http.Header, now time.Time) *time.Duration {
	if header == nil {
		return nil
	}
	if ms := header.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil {
			if d := scaleDuration(v, time.Millisecond); d != nil {
				return d
			}
		}
	}
	value := strings.TrimSpace(header.Get("retry-after"))
	if value == "" {
		return nil
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return secondsToDuration(seconds)
	}
	if retryTime, err := http.ParseTime(value); err == nil {
		d := max(retryTime.Sub(now), 0)
		return &d
	}
	return nil
}

func secondsToDuration(seconds float64) *time.Duration {
	return scaleDuration(seconds, time.Second)
}

// scaleDuration converts v units to a duration, saturating at the largest
// representable one. Negative and non-finite values yield nil.
func scaleDuration(v float64, unit time.Duration) *time.Duration {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	d := time.Duration(math.MaxInt64)
	if f := v * float64(unit); f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	return &d
}
