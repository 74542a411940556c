package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ToolBuilder assembles a Tool definition.
type ToolBuilder struct {
	tool Tool
}

// NewTool starts a tool definition with an empty object schema.
func NewTool(name string) *ToolBuilder {
	return &ToolBuilder{tool: Tool{Name: name, InputSchema: emptyObjectSchema()}}
}

// emptyObjectSchema is the schema of a tool that takes no arguments.
func emptyObjectSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// Description sets the tool description shown to the model.
func (b *ToolBuilder) Description(description string) *ToolBuilder {
	b.tool.Description = description
	return b
}

// Schema replaces the input schema. A nil schema resets it to an empty
// object.
func (b *ToolBuilder) Schema(schema map[string]any) *ToolBuilder {
	if schema == nil {
		schema = emptyObjectSchema()
	}
	b.tool.InputSchema = cloneInput(schema)
	return b
}

// Build returns the tool definition.
func (b *ToolBuilder) Build() Tool {
	t := b.tool
	t.InputSchema = cloneInput(b.tool.InputSchema)
	return t
}

// ToolFor reflects the input schema of a tool from the struct type T.
// Field names follow the json tags; `jsonschema:"description=..."` tags are
// honoured.
func ToolFor[T any](name, description string) (Tool, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var input T
	reflected := reflector.Reflect(input)
	paramSchema := map[string]any{
		"type":       "object",
		"properties": reflected.Properties,
	}
	if len(reflected.Required) > 0 {
		paramSchema["required"] = reflected.Required
	}

	// round trip so callers see plain maps instead of ordered maps
	raw, err := json.Marshal(paramSchema)
	if err != nil {
		return Tool{}, fmt.Errorf("failed to encode schema for tool %s: %w", name, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return Tool{}, fmt.Errorf("failed to decode schema for tool %s: %w", name, err)
	}
	if _, ok := schema["properties"].(map[string]any); !ok {
		schema["properties"] = map[string]any{}
	}

	return Tool{Name: name, Description: description, InputSchema: schema}, nil
}

// Decode unmarshals the tool input into v.
func (t ToolUseBlock) Decode(v any) error {
	input := t.Input
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to encode input of tool %s: %w", t.Name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewMalformedResponseError(fmt.Sprintf("input of tool %s does not match %T", t.Name, v), err)
	}
	return nil
}
