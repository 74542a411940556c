package anthropic

import (
	"maps"
	"slices"
)

// knownModels maps model ids to their maximum output tokens.
var knownModels = map[string]int64{
	"claude-3-haiku-20240307":    4096,
	"claude-3-5-haiku-20241022":  8192,
	"claude-3-5-sonnet-20241022": 8192,
	"claude-3-7-sonnet-20250219": 64000,
	"claude-sonnet-4-20250514":   64000,
	"claude-opus-4-20250514":     32000,
	"claude-opus-4-1-20250805":   32000,
	"claude-sonnet-4-5-20250929": 64000,
	"claude-haiku-4-5-20251001":  64000,
}

// MaxOutputTokens returns the output limit of a known model.
// Unknown models report ok == false and are not limit checked.
func MaxOutputTokens(model string) (limit int64, ok bool) {
	limit, ok = knownModels[model]
	return limit, ok
}

// KnownModels returns the ids of the models in the catalog, sorted.
func KnownModels() []string {
	return slices.Sorted(maps.Keys(knownModels))
}
