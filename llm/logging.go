package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
)

// LoggingMiddleware logs requests, responses and failures.
type LoggingMiddleware struct {
	logger    zerolog.Logger
	logBodies bool
}

// NewLoggingMiddleware returns middleware that logs through logger. With
// logBodies set, request and response JSON is logged at Debug level.
func NewLoggingMiddleware(logger zerolog.Logger, logBodies bool) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger:    logger.With().Str("component", "llm").Logger(),
		logBodies: logBodies,
	}
}

// BeforeRequest implements Middleware.
func (m *LoggingMiddleware) BeforeRequest(ctx context.Context, req *Request) (*Request, error) {
	m.logRequest("Sending request", req)
	return req, nil
}

// AfterResponse implements Middleware.
func (m *LoggingMiddleware) AfterResponse(ctx context.Context, req *Request, resp *Response) (*Response, error) {
	m.logger.Debug().
		Str("id", resp.ID).
		Str("model", resp.Model).
		Str("stop_reason", string(resp.StopReason)).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Int("content_blocks", len(resp.Content)).
		Msg("Received response")
	if m.logBodies {
		if body, err := json.Marshal(resp); err == nil {
			m.logger.Debug().RawJSON("body", body).Msg("Response body")
		}
	}
	return resp, nil
}

// OnError implements Middleware.
func (m *LoggingMiddleware) OnError(ctx context.Context, req *Request, err error) error {
	m.logError("Request failed", req, err)
	return err
}

// BeforeStream implements StreamMiddleware.
func (m *LoggingMiddleware) BeforeStream(ctx context.Context, req *Request) (*Request, error) {
	m.logRequest("Opening stream", req)
	return req, nil
}

// OnStreamEvent implements StreamMiddleware.
func (m *LoggingMiddleware) OnStreamEvent(ctx context.Context, req *Request, event *StreamEvent) (*StreamEvent, error) {
	switch event.Type {
	case StreamEventMessageStart:
		m.logger.Debug().Str("id", event.Message.ID).Str("model", event.Message.Model).Msg("Stream started")
	case StreamEventMessageDelta:
		ev := m.logger.Debug()
		if event.MessageDelta != nil {
			ev = ev.Str("stop_reason", string(event.MessageDelta.StopReason))
		}
		if event.Usage != nil {
			ev = ev.Int64("output_tokens", event.Usage.OutputTokens)
		}
		ev.Msg("Stream message delta")
	case StreamEventMessageStop:
		m.logger.Debug().Msg("Stream finished")
	default:
		m.logger.Trace().Str("event", string(event.Type)).Int("index", event.Index).Msg("Stream event")
	}
	return event, nil
}

// OnStreamError implements StreamMiddleware.
func (m *LoggingMiddleware) OnStreamError(ctx context.Context, req *Request, err error) error {
	m.logError("Stream failed", req, err)
	return err
}

func (m *LoggingMiddleware) logRequest(msg string, req *Request) {
	m.logger.Debug().
		Str("model", req.Model).
		Int64("max_tokens", req.MaxTokens).
		Int("messages", len(req.Messages)).
		Int("tools", len(req.Tools)).
		Msg(msg)
	if m.logBodies {
		if body, err := json.Marshal(req); err == nil {
			m.logger.Debug().RawJSON("body", body).Msg("Request body")
		}
	}
}

func (m *LoggingMiddleware) logError(msg string, req *Request, err error) {
	ev := m.logger.Error().Err(err).Str("model", req.Model)
	var llmErr *Error
	if errors.As(err, &llmErr) {
		ev = ev.Str("kind", string(llmErr.Kind)).
			Int("status", llmErr.StatusCode).
			Str("request_id", llmErr.RequestID).
			Bool("retryable", llmErr.Retryable())
		if llmErr.RetryAfter != nil {
			ev = ev.Dur("retry_after", *llmErr.RetryAfter)
		}
	}
	ev.Msg(msg)
}

var (
	_ Middleware       = (*LoggingMiddleware)(nil)
	_ StreamMiddleware = (*LoggingMiddleware)(nil)
)
