package llm

import (
	"context"
)

// Client sends Messages API requests.
type Client interface {
	// Synchronous sends a request and returns the complete response.
	Synchronous(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request with streaming enabled. The caller reads
	// from the returned Stream until Next returns false, then checks Err.
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream is a streamed response.
type Stream interface {
	// Next advances to the next event.
	// Returns false when the stream is complete or an error occurs.
	Next() bool

	// Event returns the current event.
	// Should only be called after Next() returns true.
	Event() *StreamEvent

	// Message returns a snapshot of the response accumulated so far.
	Message() *Response

	// Err returns the error that stopped the stream, if any.
	Err() error

	// Close releases the underlying connection. It is safe to call more than once.
	Close() error
}

// Middleware provides hooks for decorating Client calls.
type Middleware interface {
	// BeforeRequest can replace the request or abort it with an error.
	BeforeRequest(ctx context.Context, req *Request) (*Request, error)

	// AfterResponse can replace the response or turn it into an error.
	AfterResponse(ctx context.Context, req *Request, resp *Response) (*Response, error)

	// OnError can replace the error. Returning nil stops later middleware
	// from seeing it; the original error is still returned to the caller.
	OnError(ctx context.Context, req *Request, err error) error
}

// StreamMiddleware provides hooks for decorating streaming calls.
type StreamMiddleware interface {
	BeforeStream(ctx context.Context, req *Request) (*Request, error)

	// OnStreamEvent can replace the event or abort the stream with an error.
	OnStreamEvent(ctx context.Context, req *Request, event *StreamEvent) (*StreamEvent, error)

	OnStreamError(ctx context.Context, req *Request, err error) error
}

// MiddlewareFunc implements Middleware with optional function fields.
type MiddlewareFunc struct {
	BeforeRequestFunc func(ctx context.Context, req *Request) (*Request, error)
	AfterResponseFunc func(ctx context.Context, req *Request, resp *Response) (*Response, error)
	OnErrorFunc       func(ctx context.Context, req *Request, err error) error
}

// BeforeRequest calls the BeforeRequestFunc if set.
func (f MiddlewareFunc) BeforeRequest(ctx context.Context, req *Request) (*Request, error) {
	if f.BeforeRequestFunc != nil {
		return f.BeforeRequestFunc(ctx, req)
	}
	return req, nil
}

// AfterResponse calls the AfterResponseFunc if set.
func (f MiddlewareFunc) AfterResponse(ctx context.Context, req *Request, resp *Response) (*Response, error) {
	if f.AfterResponseFunc != nil {
		return f.AfterResponseFunc(ctx, req, resp)
	}
	return resp, nil
}

// OnError calls the OnErrorFunc if set.
func (f MiddlewareFunc) OnError(ctx context.Context, req *Request, err error) error {
	if f.OnErrorFunc != nil {
		return f.OnErrorFunc(ctx, req, err)
	}
	return err
}

// StreamMiddlewareFunc implements StreamMiddleware with optional function fields.
type StreamMiddlewareFunc struct {
	MiddlewareFunc
	BeforeStreamFunc  func(ctx context.Context, req *Request) (*Request, error)
	OnStreamEventFunc func(ctx context.Context, req *Request, event *StreamEvent) (*StreamEvent, error)
	OnStreamErrorFunc func(ctx context.Context, req *Request, err error) error
}

// BeforeStream calls the BeforeStreamFunc if set.
func (f StreamMiddlewareFunc) BeforeStream(ctx context.Context, req *Request) (*Request, error) {
	if f.BeforeStreamFunc != nil {
		return f.BeforeStreamFunc(ctx, req)
	}
	return req, nil
}

// OnStreamEvent calls the OnStreamEventFunc if set.
func (f StreamMiddlewareFunc) OnStreamEvent(ctx context.Context, req *Request, event *StreamEvent) (*StreamEvent, error) {
	if f.OnStreamEventFunc != nil {
		return f.OnStreamEventFunc(ctx, req, event)
	}
	return event, nil
}

// OnStreamError calls the OnStreamErrorFunc if set.
func (f StreamMiddlewareFunc) OnStreamError(ctx context.Context, req *Request, err error) error {
	if f.OnStreamErrorFunc != nil {
		return f.OnStreamErrorFunc(ctx, req, err)
	}
	return err
}

// WrapWithMiddleware wraps a Client with middleware. BeforeRequest hooks run
// in order, AfterResponse hooks in reverse order.
func WrapWithMiddleware(client Client, middleware ...Middleware) Client {
	if len(middleware) == 0 {
		return client
	}
	return &clientWithMiddleware{
		client:     client,
		middleware: middleware,
	}
}

type clientWithMiddleware struct {
	client     Client
	middleware []Middleware
}

// Synchronous implements Client.Synchronous with middleware support.
func (c *clientWithMiddleware) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	for _, mw := range c.middleware {
		var err error
		req, err = mw.BeforeRequest(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	resp, err := c.client.Synchronous(ctx, req)
	if err != nil {
		return nil, c.onError(ctx, req, err)
	}

	for i := len(c.middleware) - 1; i >= 0; i-- {
		resp, err = c.middleware[i].AfterResponse(ctx, req, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *clientWithMiddleware) onError(ctx context.Context, req *Request, err error) error {
	current := err
	for _, mw := range c.middleware {
		next := mw.OnError(ctx, req, current)
		if next == nil {
			break
		}
		current = next
	}
	return current
}

// Stream implements Client.Stream with middleware support.
func (c *clientWithMiddleware) Stream(ctx context.Context, req *Request) (Stream, error) {
	streamMW := streamMiddleware(c.middleware)
	for _, smw := range streamMW {
		var err error
		req, err = smw.BeforeStream(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		return nil, onStreamError(ctx, req, streamMW, err)
	}

	return &streamWithMiddleware{
		stream:     stream,
		middleware: streamMW,
		req:        req,
		ctx:        ctx,
	}, nil
}

func streamMiddleware(middleware []Middleware) []StreamMiddleware {
	var out []StreamMiddleware
	for _, mw := range middleware {
		if smw, ok := mw.(StreamMiddleware); ok {
			out = append(out, smw)
		}
	}
	return out
}

func onStreamError(ctx context.Context, req *Request, middleware []StreamMiddleware, err error) error {
	current := err
	for _, smw := range middleware {
		next := smw.OnStreamError(ctx, req, current)
		if next == nil {
			break
		}
		current = next
	}
	return current
}

type streamWithMiddleware struct {
	stream     Stream
	middleware []StreamMiddleware
	req        *Request
	ctx        context.Context
	event      *StreamEvent
	err        error
	reported   bool
}

// Next implements Stream.Next with middleware support.
func (s *streamWithMiddleware) Next() bool {
	if s.err != nil {
		return false
	}
	for s.stream.Next() {
		event := s.stream.Event()
		for _, smw := range s.middleware {
			var err error
			event, err = smw.OnStreamEvent(s.ctx, s.req, event)
			if err != nil {
				s.err = err
				return false
			}
			if event == nil {
				break
			}
		}
		// a nil event means middleware dropped it
		if event != nil {
			s.event = event
			return true
		}
	}
	return false
}

// Event implements Stream.Event.
func (s *streamWithMiddleware) Event() *StreamEvent {
	return s.event
}

// Message implements Stream.Message.
func (s *streamWithMiddleware) Message() *Response {
	return s.stream.Message()
}

// Err implements Stream.Err. Stream errors go through OnStreamError once.
func (s *streamWithMiddleware) Err() error {
	if s.err != nil {
		return s.err
	}
	err := s.stream.Err()
	if err == nil {
		return nil
	}
	if !s.reported {
		s.reported = true
		s.err = onStreamError(s.ctx, s.req, s.middleware, err)
		return s.err
	}
	return err
}

// Close implements Stream.Close.
func (s *streamWithMiddleware) Close() error {
	return s.stream.Close()
}

var _ Stream = (*streamWithMiddleware)(nil)

var _ Client = (*clientWithMiddleware)(nil)
