package llm

import (
	"github.com/samber/lo"
)

// RequestBuilder assembles a Request. It is single use: Build hands the
// request over and every later Build fails.
type RequestBuilder struct {
	req      Request
	consumed bool
}

// NewRequestBuilder returns a builder for a request to model.
func NewRequestBuilder(model string) *RequestBuilder {
	return &RequestBuilder{req: Request{Model: model}}
}

// MaxTokens sets the generation limit.
func (b *RequestBuilder) MaxTokens(n int64) *RequestBuilder {
	b.req.MaxTokens = n
	return b
}

// Message appends a message. Text blocks of a system message are added to the
// system prompt instead.
func (b *RequestBuilder) Message(role MessageRole, blocks ...ContentBlock) *RequestBuilder {
	if role == RoleSystem {
		for _, block := range blocks {
			if block.Type == ContentBlockTypeText {
				b.System(block.Text)
			}
		}
		return b
	}
	b.req.Messages = append(b.req.Messages, Message{Role: role, Content: cloneBlocks(blocks)})
	return b
}

// UserText appends a user message with a single text block.
func (b *RequestBuilder) UserText(text string) *RequestBuilder {
	return b.Message(RoleUser, NewTextBlock(text))
}

// AssistantText appends an assistant message with a single text block.
func (b *RequestBuilder) AssistantText(text string) *RequestBuilder {
	return b.Message(RoleAssistant, NewTextBlock(text))
}

// UserMessage appends a user message.
func (b *RequestBuilder) UserMessage(blocks ...ContentBlock) *RequestBuilder {
	return b.Message(RoleUser, blocks...)
}

// AssistantMessage appends an assistant message.
func (b *RequestBuilder) AssistantMessage(blocks ...ContentBlock) *RequestBuilder {
	return b.Message(RoleAssistant, blocks...)
}

// Messages appends whole messages, for example a stored conversation.
func (b *RequestBuilder) Messages(msgs ...Message) *RequestBuilder {
	for _, m := range msgs {
		b.Message(m.Role, m.Content...)
	}
	return b
}

// System appends a block to the system prompt.
func (b *RequestBuilder) System(text string) *RequestBuilder {
	b.req.System = append(b.req.System, SystemBlock{Type: "text", Text: text})
	return b
}

// CachedSystem appends a system prompt block marked for prompt caching.
func (b *RequestBuilder) CachedSystem(text string) *RequestBuilder {
	b.req.System = append(b.req.System, SystemBlock{Type: "text", Text: text, CacheControl: EphemeralCache})
	return b
}

// Tool declares a tool. A tool without an input schema takes no arguments.
func (b *RequestBuilder) Tool(t Tool) *RequestBuilder {
	if t.InputSchema == nil {
		t.InputSchema = emptyObjectSchema()
	}
	t.InputSchema = cloneInput(t.InputSchema)
	b.req.Tools = append(b.req.Tools, t)
	return b
}

// Tools declares several tools.
func (b *RequestBuilder) Tools(ts ...Tool) *RequestBuilder {
	for _, t := range ts {
		b.Tool(t)
	}
	return b
}

// ToolChoice constrains how the declared tools may be used.
func (b *RequestBuilder) ToolChoice(c ToolChoice) *RequestBuilder {
	b.req.ToolChoice = &c
	return b
}

// Temperature sets the sampling temperature.
func (b *RequestBuilder) Temperature(t float64) *RequestBuilder {
	b.req.Temperature = &t
	return b
}

// TopP sets nucleus sampling.
func (b *RequestBuilder) TopP(p float64) *RequestBuilder {
	b.req.TopP = &p
	return b
}

// TopK sets top-k sampling.
func (b *RequestBuilder) TopK(k int64) *RequestBuilder {
	b.req.TopK = &k
	return b
}

// StopSequence adds a custom stop sequence.
func (b *RequestBuilder) StopSequence(s string) *RequestBuilder {
	b.req.StopSequences = append(b.req.StopSequences, s)
	return b
}

// StopSequences adds several custom stop sequences.
func (b *RequestBuilder) StopSequences(ss ...string) *RequestBuilder {
	b.req.StopSequences = append(b.req.StopSequences, ss...)
	return b
}

// User sets the end-user id sent as request metadata.
func (b *RequestBuilder) User(id string) *RequestBuilder {
	b.req.Metadata = &Metadata{UserID: id}
	return b
}

// Build validates and returns the request.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.consumed {
		return nil, NewInvalidRequestError("request builder has already been used")
	}
	b.consumed = true

	req := b.req
	b.req = Request{}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the request before it is sent.
func (r *Request) Validate() error {
	if r.Model == "" {
		return NewInvalidRequestError("model is required")
	}
	if r.MaxTokens <= 0 {
		return NewInvalidRequestError("max_tokens must be positive, got %d", r.MaxTokens)
	}
	if len(r.Messages) == 0 {
		return NewInvalidRequestError("at least one message is required")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return NewInvalidRequestError("message %d has unsupported role %q", i, m.Role)
		}
		if len(m.Content) == 0 {
			return NewInvalidRequestError("message %d has no content", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 1) {
		return NewInvalidRequestError("temperature must be within [0, 1], got %g", *r.Temperature)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return NewInvalidRequestError("top_p must be within [0, 1], got %g", *r.TopP)
	}
	if r.TopK != nil && *r.TopK < 0 {
		return NewInvalidRequestError("top_k must not be negative, got %d", *r.TopK)
	}
	return validateTools(r.Tools, r.ToolChoice)
}

func validateTools(tools []Tool, choice *ToolChoice) error {
	for i, t := range tools {
		if t.Name == "" {
			return NewInvalidRequestError("tool %d has no name", i)
		}
		if t.InputSchema == nil {
			return NewInvalidRequestError("tool %q has no input schema", t.Name)
		}
	}
	names := lo.Map(tools, func(t Tool, _ int) string { return t.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return NewInvalidRequestError("duplicate tool name %q", dups[0])
	}
	if choice != nil && choice.Type == ToolChoiceTool && !lo.Contains(names, choice.Name) {
		return NewInvalidRequestError("tool choice names undeclared tool %q", choice.Name)
	}
	return nil
}
