package anthropic

import (
	"bytes"
	"iter"

	"github.com/aschepis/backscratcher/claude/llm"
	"github.com/rs/zerolog"
)

// MessageStream implements llm.Stream over a server-sent event source. It
// reads one event per Next call and folds it into an llm.Accumulator, so the
// response assembled so far is always available through Message.
type MessageStream struct {
	source EventSource
	acc    *llm.Accumulator
	event  *llm.StreamEvent
	err    error
	done   bool
	closed bool
	logger zerolog.Logger
}

// NewMessageStream wraps source. The stream owns source and closes it.
func NewMessageStream(source EventSource, logger zerolog.Logger) *MessageStream {
	return &MessageStream{
		source: source,
		acc:    llm.NewAccumulator(),
		logger: logger,
	}
}

// Next advances to the next event. Pings and events of unknown type are
// folded but not surfaced. Keep-alive comments are skipped.
func (s *MessageStream) Next() bool {
	if s.err != nil || s.done || s.closed {
		return false
	}

	for s.source.Next() {
		raw := s.source.Event()
		if raw.Type == "" && len(bytes.TrimSpace(raw.Data)) == 0 {
			// an SSE comment line dispatches an event with no name and no data
			continue
		}
		ev, err := llm.DecodeStreamEvent(raw.Type, raw.Data)
		if err != nil {
			s.fail(err)
			return false
		}
		if err := s.acc.Apply(ev); err != nil {
			s.fail(err)
			return false
		}
		if ev.Type == llm.StreamEventPing || ev.Raw != nil {
			continue
		}

		s.event = &ev
		if s.acc.Done() {
			s.done = true
			s.release()
		}
		return true
	}

	if s.closed {
		return false
	}
	if err := s.source.Err(); err != nil {
		s.fail(llm.ClassifyTransport(err))
		return false
	}
	s.fail(llm.NewProtocolError("event stream ended before message_stop"))
	return false
}

func (s *MessageStream) fail(err error) {
	s.err = err
	s.logger.Debug().Err(err).Msg("Stream stopped")
	s.release()
}

func (s *MessageStream) release() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.source.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to close event stream")
	}
}

// Event returns the current event.
func (s *MessageStream) Event() *llm.StreamEvent {
	return s.event
}

// Message returns a snapshot of the response accumulated so far, or nil
// before message_start.
func (s *MessageStream) Message() *llm.Response {
	return s.acc.Snapshot()
}

// Err returns the error that stopped the stream.
func (s *MessageStream) Err() error {
	return s.err
}

// Close releases the connection. Closing early is not an error and does not
// make the stream complete.
func (s *MessageStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.source.Close()
}

// Snapshots yields the partial response after each event. A failure is
// yielded once, with a nil response, as the last pair. Breaking out of the
// loop closes the stream.
func (s *MessageStream) Snapshots() iter.Seq2[*llm.Response, error] {
	return func(yield func(*llm.Response, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.acc.Snapshot(), nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

// Accumulate drains the stream and returns the final response.
func (s *MessageStream) Accumulate() (*llm.Response, error) {
	defer s.Close()
	for s.Next() {
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.acc.Result()
}

var _ llm.Stream = (*MessageStream)(nil)
