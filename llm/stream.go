package llm

import (
	"bytes"
	"encoding/json"
)

// StreamEventType represents the type of streaming event.
type StreamEventType string

const (
	StreamEventMessageStart      StreamEventType = "message_start"
	StreamEventContentBlockStart StreamEventType = "content_block_start"
	StreamEventContentBlockDelta StreamEventType = "content_block_delta"
	StreamEventContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventMessageDelta      StreamEventType = "message_delta"
	StreamEventMessageStop       StreamEventType = "message_stop"
	StreamEventPing              StreamEventType = "ping"
	StreamEventError             StreamEventType = "error"
)

// StreamDeltaType represents the type of a content block delta.
type StreamDeltaType string

const (
	StreamDeltaTypeText      StreamDeltaType = "text_delta"
	StreamDeltaTypeInputJSON StreamDeltaType = "input_json_delta"
	StreamDeltaTypeCitations StreamDeltaType = "citations_delta"
)

// StreamEvent represents one server-sent event of a streamed response.
// The populated fields depend on Type; events of unknown type keep their
// payload in Raw.
type StreamEvent struct {
	Type StreamEventType

	// message_start
	Message *Response

	// content_block_start, content_block_delta, content_block_stop
	Index        int
	ContentBlock *ContentBlock
	Delta        *StreamDelta

	// message_delta
	MessageDelta *MessageDelta
	Usage        *Usage

	// error
	Error *Error

	Raw json.RawMessage
}

// StreamDelta is the payload of a content_block_delta event.
type StreamDelta struct {
	Type        StreamDeltaType
	Text        string
	PartialJSON string
	Citation    *Citation
}

// MessageDelta carries the top-level changes of a message_delta event.
type MessageDelta struct {
	StopReason   StopReason
	StopSequence string
}

type wireStreamEvent struct {
	Type         StreamEventType `json:"type"`
	Message      *Response       `json:"message"`
	Index        *int            `json:"index"`
	ContentBlock *ContentBlock   `json:"content_block"`
	Delta        json.RawMessage `json:"delta"`
	Usage        *Usage          `json:"usage"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type wireDelta struct {
	Type         StreamDeltaType `json:"type"`
	Text         string          `json:"text"`
	PartialJSON  string          `json:"partial_json"`
	Citation     *Citation       `json:"citation"`
	StopReason   StopReason      `json:"stop_reason"`
	StopSequence string          `json:"stop_sequence"`
}

// DecodeStreamEvent decodes the data of one server-sent event. The payload's
// type field selects the variant; name, the SSE event field, is used when
// the payload carries none. Malformed payloads are Protocol errors.
func DecodeStreamEvent(name string, data []byte) (StreamEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		if StreamEventType(name) == StreamEventPing {
			return StreamEvent{Type: StreamEventPing}, nil
		}
		return StreamEvent{}, NewProtocolError("event %q has no data", name)
	}

	var w wireStreamEvent
	if err := json.Unmarshal(data, &w); err != nil {
		perr := NewProtocolError("malformed %q event payload", name)
		perr.Cause = err
		return StreamEvent{}, perr
	}
	if w.Type == "" {
		w.Type = StreamEventType(name)
	}

	ev := StreamEvent{Type: w.Type}
	switch w.Type {
	case StreamEventMessageStart:
		if w.Message == nil {
			return StreamEvent{}, NewProtocolError("message_start event without message")
		}
		ev.Message = w.Message
	case StreamEventContentBlockStart, StreamEventContentBlockDelta, StreamEventContentBlockStop:
		if w.Index == nil {
			return StreamEvent{}, NewProtocolError("%s event without index", w.Type)
		}
		ev.Index = *w.Index
		switch w.Type {
		case StreamEventContentBlockStart:
			if w.ContentBlock == nil {
				return StreamEvent{}, NewProtocolError("content_block_start event without content block")
			}
			ev.ContentBlock = w.ContentBlock
		case StreamEventContentBlockDelta:
			d, err := decodeDelta(w.Delta)
			if err != nil {
				return StreamEvent{}, err
			}
			ev.Delta = &StreamDelta{Type: d.Type, Text: d.Text, PartialJSON: d.PartialJSON, Citation: d.Citation}
		}
	case StreamEventMessageDelta:
		d, err := decodeDelta(w.Delta)
		if err != nil {
			return StreamEvent{}, err
		}
		ev.MessageDelta = &MessageDelta{StopReason: d.StopReason, StopSequence: d.StopSequence}
		ev.Usage = w.Usage
	case StreamEventMessageStop, StreamEventPing:
	case StreamEventError:
		if w.Error == nil {
			ev.Error = ClassifyStreamError("", "stream error")
		} else {
			ev.Error = ClassifyStreamError(w.Error.Type, w.Error.Message)
		}
		ev.Error.Body = string(data)
	default:
		ev.Raw = bytes.Clone(data)
	}
	return ev, nil
}

func decodeDelta(raw json.RawMessage) (wireDelta, error) {
	var d wireDelta
	if len(raw) == 0 {
		return d, NewProtocolError("delta event without delta")
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		perr := NewProtocolError("malformed delta")
		perr.Cause = err
		return d, perr
	}
	return d, nil
}
