package llm

import (
	"encoding/json"
	"strings"

	"github.com/samber/lo"
)

// Accumulator folds stream events into a Response, one event at a time.
// It rejects events that violate the stream's ordering rules; after the
// first error every further call returns that error.
//
// Text deltas and citation deltas build up text blocks and input_json_delta
// fragments build up tool input. Blocks of a type this package does not model
// keep the payload of their content_block_start event as-is and every delta
// addressed to them is ignored. Deltas of unknown type are ignored as well.
type Accumulator struct {
	resp    *Response
	blocks  []*blockState
	stopped bool
	err     error
}

type blockState struct {
	partialJSON strings.Builder
	stopped     bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply folds one event into the partial response.
func (a *Accumulator) Apply(ev StreamEvent) error {
	if a.err != nil {
		return a.err
	}
	if err := a.apply(ev); err != nil {
		a.err = err
		return err
	}
	return nil
}

func (a *Accumulator) apply(ev StreamEvent) error {
	if a.stopped {
		return NewProtocolError("%s event received after message_stop", ev.Type)
	}

	switch ev.Type {
	case StreamEventPing:
		return nil
	case StreamEventError:
		if ev.Error != nil {
			return ev.Error
		}
		return ClassifyStreamError("", "stream error")
	case StreamEventMessageStart:
		if a.resp != nil {
			return NewProtocolError("duplicate message_start")
		}
		if ev.Message == nil {
			return NewProtocolError("message_start event without message")
		}
		shell := *ev.Message
		shell.Content = []ContentBlock{}
		a.resp = &shell
		return nil
	case StreamEventContentBlockStart:
		if err := a.requireStarted(ev.Type); err != nil {
			return err
		}
		if ev.Index != len(a.resp.Content) {
			return NewProtocolError("content_block_start at index %d, expected %d", ev.Index, len(a.resp.Content))
		}
		if ev.ContentBlock == nil {
			return NewProtocolError("content_block_start event without content block")
		}
		block := ev.ContentBlock.Clone()
		if block.Type == ContentBlockTypeToolUse && block.ToolUse != nil {
			// input arrives as input_json_delta fragments
			block.ToolUse.Input = nil
		}
		a.resp.Content = append(a.resp.Content, block)
		a.blocks = append(a.blocks, &blockState{})
		return nil
	case StreamEventContentBlockDelta:
		state, block, err := a.openBlock(ev)
		if err != nil {
			return err
		}
		if ev.Delta == nil {
			return NewProtocolError("content_block_delta event without delta")
		}
		if !block.IsKnown() {
			return nil
		}
		switch ev.Delta.Type {
		case StreamDeltaTypeText:
			if block.Type != ContentBlockTypeText {
				return NewProtocolError("text_delta for %s block at index %d", block.Type, ev.Index)
			}
			block.Text += ev.Delta.Text
		case StreamDeltaTypeInputJSON:
			if block.Type != ContentBlockTypeToolUse {
				return NewProtocolError("input_json_delta for %s block at index %d", block.Type, ev.Index)
			}
			state.partialJSON.WriteString(ev.Delta.PartialJSON)
		case StreamDeltaTypeCitations:
			if block.Type != ContentBlockTypeText {
				return NewProtocolError("citations_delta for %s block at index %d", block.Type, ev.Index)
			}
			if ev.Delta.Citation != nil {
				block.Citations = append(block.Citations, *ev.Delta.Citation)
			}
		}
		return nil
	case StreamEventContentBlockStop:
		state, block, err := a.openBlock(ev)
		if err != nil {
			return err
		}
		if block.Type == ContentBlockTypeToolUse && block.ToolUse != nil {
			input, err := parseToolInput(state.partialJSON.String())
			if err != nil {
				return err
			}
			block.ToolUse.Input = input
		}
		state.stopped = true
		return nil
	case StreamEventMessageDelta:
		if err := a.requireStarted(ev.Type); err != nil {
			return err
		}
		if ev.MessageDelta != nil {
			if ev.MessageDelta.StopReason != "" {
				a.resp.StopReason = ev.MessageDelta.StopReason
			}
			if ev.MessageDelta.StopSequence != "" {
				a.resp.StopSequence = ev.MessageDelta.StopSequence
			}
		}
		if ev.Usage != nil {
			a.resp.Usage.merge(*ev.Usage)
		}
		return nil
	case StreamEventMessageStop:
		if err := a.requireStarted(ev.Type); err != nil {
			return err
		}
		if _, i, open := lo.FindIndexOf(a.blocks, func(s *blockState) bool { return !s.stopped }); open {
			return NewProtocolError("message_stop while content block %d is open", i)
		}
		a.stopped = true
		return nil
	default:
		return nil
	}
}

func (a *Accumulator) requireStarted(t StreamEventType) error {
	if a.resp == nil {
		return NewProtocolError("%s event before message_start", t)
	}
	return nil
}

func (a *Accumulator) openBlock(ev StreamEvent) (*blockState, *ContentBlock, error) {
	if err := a.requireStarted(ev.Type); err != nil {
		return nil, nil, err
	}
	if ev.Index < 0 || ev.Index >= len(a.blocks) {
		return nil, nil, NewProtocolError("%s for unknown content block %d", ev.Type, ev.Index)
	}
	state := a.blocks[ev.Index]
	if state.stopped {
		return nil, nil, NewProtocolError("%s for stopped content block %d", ev.Type, ev.Index)
	}
	return state, &a.resp.Content[ev.Index], nil
}

func parseToolInput(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, NewMalformedResponseError("tool input is not a JSON object", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

// Started reports whether message_start has been applied.
func (a *Accumulator) Started() bool {
	return a.resp != nil
}

// Done reports whether message_stop has been applied.
func (a *Accumulator) Done() bool {
	return a.stopped
}

// PartialInput returns the tool input JSON received so far for the block at
// index, or "" when there is none.
func (a *Accumulator) PartialInput(index int) string {
	if index < 0 || index >= len(a.blocks) {
		return ""
	}
	return a.blocks[index].partialJSON.String()
}

// Snapshot returns a deep copy of the partial response, or nil before
// message_start.
func (a *Accumulator) Snapshot() *Response {
	if a.resp == nil {
		return nil
	}
	out := *a.resp
	out.Content = cloneBlocks(a.resp.Content)
	return &out
}

// Result returns the final response. It fails until message_stop has been
// applied.
func (a *Accumulator) Result() (*Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	if !a.stopped {
		return nil, NewProtocolError("stream ended before message_stop")
	}
	return a.Snapshot(), nil
}
