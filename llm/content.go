package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/samber/lo"
)

// ContentBlockType represents the type of content block.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeImage      ContentBlockType = "image"
	ContentBlockTypeDocument   ContentBlockType = "document"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

var knownBlockTypes = []ContentBlockType{
	ContentBlockTypeText,
	ContentBlockTypeImage,
	ContentBlockTypeDocument,
	ContentBlockTypeToolUse,
	ContentBlockTypeToolResult,
}

// ContentBlock represents a single content block within a message.
//
// Exactly one payload field is meaningful for a given Type: Text (and
// Citations) for text blocks, Source for image and document blocks, ToolUse
// and ToolResult for tool blocks. Blocks of a type this package does not know
// keep their original JSON in Raw and are re-encoded from it unchanged.
type ContentBlock struct {
	Type       ContentBlockType
	Text       string
	Citations  []Citation
	Source     *Source
	ToolUse    *ToolUseBlock
	ToolResult *ToolResultBlock
	Raw        json.RawMessage
}

// IsKnown reports whether the block is one of the variants this package models.
func (b ContentBlock) IsKnown() bool {
	return lo.Contains(knownBlockTypes, b.Type)
}

// Citation references the part of a source document that supports a text block.
type Citation struct {
	Type       string `json:"type,omitempty"`
	CitedText  string `json:"cited_text,omitempty"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	Source     string `json:"source,omitempty"`
}

// SourceType selects how image and document bytes are supplied.
type SourceType string

const (
	SourceTypeBase64 SourceType = "base64"
	SourceTypeURL    SourceType = "url"
)

// Source is the payload of image and document blocks.
type Source struct {
	Type      SourceType `json:"type"`
	MediaType string     `json:"media_type,omitempty"`
	Data      string     `json:"data,omitempty"`
	URL       string     `json:"url,omitempty"`
}

// ToolUseBlock represents a tool invocation request from the assistant.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock represents the result of a tool invocation.
type ToolResultBlock struct {
	ToolUseID string
	Content   []ContentBlock
	IsError   bool
}

// NewTextBlock creates a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentBlockTypeText, Text: text}
}

// NewToolUseBlock creates a tool use block.
func NewToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{
		Type:    ContentBlockTypeToolUse,
		ToolUse: &ToolUseBlock{ID: id, Name: name, Input: input},
	}
}

// NewToolResultBlock creates a tool result block carrying a single text block.
func NewToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	return ContentBlock{
		Type: ContentBlockTypeToolResult,
		ToolResult: &ToolResultBlock{
			ToolUseID: toolUseID,
			Content:   []ContentBlock{NewTextBlock(text)},
			IsError:   isError,
		},
	}
}

type wireTextBlock struct {
	Type      ContentBlockType `json:"type"`
	Text      string           `json:"text"`
	Citations []Citation       `json:"citations,omitempty"`
}

type wireSourceBlock struct {
	Type   ContentBlockType `json:"type"`
	Source *Source          `json:"source"`
}

type wireToolUseBlock struct {
	Type  ContentBlockType `json:"type"`
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Input map[string]any   `json:"input"`
}

type wireToolResultBlock struct {
	Type      ContentBlockType `json:"type"`
	ToolUseID string           `json:"tool_use_id"`
	Content   []ContentBlock   `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

// MarshalJSON encodes the block in the vendor's tagged form.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case ContentBlockTypeText:
		return json.Marshal(wireTextBlock{Type: b.Type, Text: b.Text, Citations: b.Citations})
	case ContentBlockTypeImage, ContentBlockTypeDocument:
		if b.Source == nil {
			return nil, fmt.Errorf("%s block requires a source", b.Type)
		}
		return json.Marshal(wireSourceBlock{Type: b.Type, Source: b.Source})
	case ContentBlockTypeToolUse:
		if b.ToolUse == nil {
			return nil, fmt.Errorf("tool_use block requires a payload")
		}
		input := b.ToolUse.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(wireToolUseBlock{Type: b.Type, ID: b.ToolUse.ID, Name: b.ToolUse.Name, Input: input})
	case ContentBlockTypeToolResult:
		if b.ToolResult == nil {
			return nil, fmt.Errorf("tool_result block requires a payload")
		}
		return json.Marshal(wireToolResultBlock{
			Type:      b.Type,
			ToolUseID: b.ToolResult.ToolUseID,
			Content:   b.ToolResult.Content,
			IsError:   b.ToolResult.IsError,
		})
	default:
		if len(b.Raw) == 0 {
			return nil, fmt.Errorf("content block of unknown type %q has no raw payload", b.Type)
		}
		return b.Raw, nil
	}
}

// UnmarshalJSON decodes a tagged block. Unrecognised tags are kept verbatim
// in Raw rather than rejected.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		Type ContentBlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode content block: %w", err)
	}

	*b = ContentBlock{Type: head.Type}
	switch head.Type {
	case ContentBlockTypeText:
		var w wireTextBlock
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("failed to decode text block: %w", err)
		}
		b.Text = w.Text
		b.Citations = w.Citations
	case ContentBlockTypeImage, ContentBlockTypeDocument:
		var w wireSourceBlock
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("failed to decode %s block: %w", head.Type, err)
		}
		b.Source = w.Source
	case ContentBlockTypeToolUse:
		var w wireToolUseBlock
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("failed to decode tool_use block: %w", err)
		}
		b.ToolUse = &ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}
	case ContentBlockTypeToolResult:
		var w struct {
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("failed to decode tool_result block: %w", err)
		}
		content, err := decodeContent(w.Content)
		if err != nil {
			return fmt.Errorf("failed to decode tool_result content: %w", err)
		}
		b.ToolResult = &ToolResultBlock{ToolUseID: w.ToolUseID, Content: content, IsError: w.IsError}
	default:
		b.Raw = bytes.Clone(data)
	}
	return nil
}

// decodeContent accepts either a JSON string or an array of blocks.
func decodeContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []ContentBlock{NewTextBlock(text)}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Clone returns a deep copy of the block.
func (b ContentBlock) Clone() ContentBlock {
	out := b
	out.Citations = cloneSlice(b.Citations)
	out.Raw = bytes.Clone(b.Raw)
	if b.Source != nil {
		src := *b.Source
		out.Source = &src
	}
	if b.ToolUse != nil {
		tu := *b.ToolUse
		tu.Input = cloneInput(b.ToolUse.Input)
		out.ToolUse = &tu
	}
	if b.ToolResult != nil {
		tr := *b.ToolResult
		tr.Content = cloneBlocks(b.ToolResult.Content)
		out.ToolResult = &tr
	}
	return out
}

func cloneBlocks(in []ContentBlock) []ContentBlock {
	if in == nil {
		return nil
	}
	return lo.Map(in, func(b ContentBlock, _ int) ContentBlock { return b.Clone() })
}

// cloneInput copies nested maps and slices so snapshots never alias.
func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneInput(t)
	case []any:
		return lo.Map(t, func(e any, _ int) any { return cloneValue(e) })
	default:
		return v
	}
}
