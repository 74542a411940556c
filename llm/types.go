package llm

import (
	"encoding/json"
	"strings"

	"github.com/samber/lo"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    MessageRole    `json:"role"`
	Content []ContentBlock `json:"content"`
}

// MarshalJSON always emits content as an array.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	out := alias(m)
	if out.Content == nil {
		out.Content = []ContentBlock{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts content either as an array of blocks or as a plain
// string, which becomes a single text block.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    MessageRole     `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content, err := decodeContent(wire.Content)
	if err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = content
	return nil
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	return joinText(m.Content)
}

// StopReason explains why the model stopped generating.
// Values other than the constants below are passed through unchanged.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// SystemBlock is one text block of the system prompt.
type SystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a prompt prefix as cacheable.
type CacheControl struct {
	Type string `json:"type"`
}

// EphemeralCache is the only cache control type the API accepts.
var EphemeralCache = &CacheControl{Type: "ephemeral"}

// Tool represents a tool definition that can be provided to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolChoiceType selects how the model may use the declared tools.
type ToolChoiceType string

const (
	ToolChoiceAuto ToolChoiceType = "auto"
	ToolChoiceAny  ToolChoiceType = "any"
	ToolChoiceTool ToolChoiceType = "tool"
	ToolChoiceNone ToolChoiceType = "none"
)

// ToolChoice constrains tool usage. Name is only meaningful for ToolChoiceTool.
type ToolChoice struct {
	Type                   ToolChoiceType `json:"type"`
	Name                   string         `json:"name,omitempty"`
	DisableParallelToolUse bool           `json:"disable_parallel_tool_use,omitempty"`
}

// Metadata carries request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Request represents a complete Messages API request.
type Request struct {
	Model         string        `json:"model"`
	MaxTokens     int64         `json:"max_tokens"`
	Messages      []Message     `json:"messages"`
	System        []SystemBlock `json:"system,omitempty"`
	Tools         []Tool        `json:"tools,omitempty"`
	ToolChoice    *ToolChoice   `json:"tool_choice,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	TopK          *int64        `json:"top_k,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Metadata      *Metadata     `json:"metadata,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

// SystemText joins the system prompt blocks.
func (r *Request) SystemText() string {
	return strings.Join(lo.Map(r.System, func(b SystemBlock, _ int) string {
		return b.Text
	}), "\n")
}

// Clone returns a copy of the request that shares no slices with r.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = lo.Map(r.Messages, func(m Message, _ int) Message {
		return Message{Role: m.Role, Content: cloneBlocks(m.Content)}
	})
	out.System = cloneSlice(r.System)
	out.Tools = cloneSlice(r.Tools)
	out.StopSequences = cloneSlice(r.StopSequences)
	if r.ToolChoice != nil {
		tc := *r.ToolChoice
		out.ToolChoice = &tc
	}
	if r.Metadata != nil {
		md := *r.Metadata
		out.Metadata = &md
	}
	return &out
}

// Response represents a complete Messages API response.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         MessageRole    `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   StopReason     `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	return joinText(r.Content)
}

// ToolUses returns the tool invocations requested by the model, in order.
func (r *Response) ToolUses() []ToolUseBlock {
	return lo.FilterMap(r.Content, func(b ContentBlock, _ int) (ToolUseBlock, bool) {
		if b.Type != ContentBlockTypeToolUse || b.ToolUse == nil {
			return ToolUseBlock{}, false
		}
		return *b.ToolUse, true
	})
}

// Message converts the response into an assistant message suitable for
// appending to the conversation history.
func (r *Response) Message() Message {
	return Message{Role: RoleAssistant, Content: cloneBlocks(r.Content)}
}

// Usage represents token usage information from a response.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// merge overlays the non-zero counters of other onto u.
func (u *Usage) merge(other Usage) {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > 0 {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheCreationInputTokens > 0 {
		u.CacheCreationInputTokens = other.CacheCreationInputTokens
	}
	if other.CacheReadInputTokens > 0 {
		u.CacheReadInputTokens = other.CacheReadInputTokens
	}
}

// CountTokensRequest is the request accepted by the token counting endpoint.
type CountTokensRequest struct {
	Model      string        `json:"model"`
	Messages   []Message     `json:"messages"`
	System     []SystemBlock `json:"system,omitempty"`
	Tools      []Tool        `json:"tools,omitempty"`
	ToolChoice *ToolChoice   `json:"tool_choice,omitempty"`
}

// CountTokensRequestFrom derives a token counting request from a message
// request, dropping sampling parameters.
func CountTokensRequestFrom(req *Request) *CountTokensRequest {
	c := req.Clone()
	return &CountTokensRequest{
		Model:      c.Model,
		Messages:   c.Messages,
		System:     c.System,
		Tools:      c.Tools,
		ToolChoice: c.ToolChoice,
	}
}

// TokenCount is the answer of the token counting endpoint.
type TokenCount struct {
	InputTokens int64 `json:"input_tokens"`
}

// NewTextMessage creates a new message with a single text block.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role:    role,
		Content: []ContentBlock{NewTextBlock(text)},
	}
}

// NewToolUseMessage creates a new assistant message with tool use blocks.
func NewToolUseMessage(toolUses []ToolUseBlock) Message {
	return Message{
		Role: RoleAssistant,
		Content: lo.Map(toolUses, func(tu ToolUseBlock, _ int) ContentBlock {
			return ContentBlock{Type: ContentBlockTypeToolUse, ToolUse: &tu}
		}),
	}
}

// NewToolResultMessage creates a new user message with tool result blocks.
func NewToolResultMessage(toolResults []ToolResultBlock) Message {
	return Message{
		Role: RoleUser,
		Content: lo.Map(toolResults, func(tr ToolResultBlock, _ int) ContentBlock {
			return ContentBlock{Type: ContentBlockTypeToolResult, ToolResult: &tr}
		}),
	}
}

// ToJSON marshals a message to JSON for debugging/logging purposes.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func joinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == ContentBlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
