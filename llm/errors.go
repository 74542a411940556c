package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind represents the category of error.
type ErrorKind string

const (
	KindAuthentication    ErrorKind = "authentication"
	KindRateLimit         ErrorKind = "rate_limit"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindServer            ErrorKind = "server"
	KindNetwork           ErrorKind = "network"
	KindProtocol          ErrorKind = "protocol"
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindConfiguration     ErrorKind = "configuration"
)

// IsRetryable reports whether errors of the given kind may succeed when the
// request is sent again.
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindRateLimit, KindServer, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

const maxBodySnippet = 512

// Error is the single error shape returned by this module.
type Error struct {
	Kind         ErrorKind
	Message      string
	StatusCode   int
	RetryAfter   *time.Duration
	RequestID    string
	APIErrorType string
	Body         string
	Cause        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(" error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error's kind is retryable.
func (e *Error) Retryable() bool {
	return IsRetryable(e.Kind)
}

// UserMessage returns a short description suitable for end users.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindAuthentication:
		return "Authentication failed. Check that your API key is valid."
	case KindRateLimit:
		if e.RetryAfter != nil {
			return fmt.Sprintf("Rate limit exceeded. Retry after %s.", e.RetryAfter.Round(time.Second))
		}
		return "Rate limit exceeded. Retry later."
	case KindInvalidRequest:
		return "Invalid request: " + e.Message
	case KindServer:
		if e.StatusCode != 0 {
			return fmt.Sprintf("The API returned a server error (%d). Retry later.", e.StatusCode)
		}
		return "The API returned a server error. Retry later."
	case KindNetwork:
		return "Could not reach the API. Check your network connection."
	case KindProtocol:
		return "The response stream was malformed."
	case KindTimeout:
		return "The request timed out."
	case KindMalformedResponse:
		return "The API response could not be parsed."
	case KindConfiguration:
		return "Client configuration error: " + e.Message
	default:
		return "Request failed."
	}
}

// DebugInfo returns every known detail of the error, one per line.
func (e *Error) DebugInfo() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "kind: %s\n", e.Kind)
	fmt.Fprintf(&sb, "retryable: %t\n", e.Retryable())
	if e.Message != "" {
		fmt.Fprintf(&sb, "message: %s\n", e.Message)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, "status: %d\n", e.StatusCode)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&sb, "request_id: %s\n", e.RequestID)
	}
	if e.APIErrorType != "" {
		fmt.Fprintf(&sb, "api_error_type: %s\n", e.APIErrorType)
	}
	if e.RetryAfter != nil {
		fmt.Fprintf(&sb, "retry_after: %s\n", *e.RetryAfter)
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > maxBodySnippet {
			body = body[:maxBodySnippet] + "..."
		}
		fmt.Fprintf(&sb, "body: %s\n", body)
	}
	for cause := e.Cause; cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&sb, "cause: %s\n", cause)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind, true
	}
	return "", false
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRateLimit
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	kind, ok := KindOf(err)
	return ok && IsRetryable(kind)
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, cause error) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    message,
		StatusCode: 429,
		RetryAfter: retryAfter,
		Cause:      cause,
	}
}

// NewServerError creates a new server error.
func NewServerError(statusCode int, message string) *Error {
	return &Error{Kind: KindServer, StatusCode: statusCode, Message: message}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(cause error) *Error {
	return &Error{Kind: KindNetwork, Message: "request failed", Cause: cause}
}

// NewTimeoutError wraps a deadline failure.
func NewTimeoutError(cause error) *Error {
	return &Error{Kind: KindTimeout, Message: "request timed out", Cause: cause}
}

// NewInvalidRequestError creates an error for a request rejected before or
// by the API.
func NewInvalidRequestError(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// NewProtocolError creates an error for a stream that violates event ordering.
func NewProtocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// NewMalformedResponseError creates an error for data that could not be parsed.
func NewMalformedResponseError(message string, cause error) *Error {
	return &Error{Kind: KindMalformedResponse, Message: message, Cause: cause}
}

// NewConfigurationError creates an error for invalid client setup.
func NewConfigurationError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}
