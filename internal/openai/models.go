package openai

import "strings"

// Context window sizes in tokens for models we expect to run against.
var contextLengths = map[string]int{
	"gpt-4.1":      1047576,
	"gpt-4.1-mini": 1047576,
	"gpt-4.1-nano": 1047576,
	"gpt-4o":       128000,
	"gpt-4o-mini":  128000,
	"o3":           200000,
	"o4-mini":      200000,
	"gpt-5":        400000,
	"gpt-5-mini":   400000,
}

const defaultContextLength = 128000

// ContextLength returns the context window size for a model id, falling
// back to a conservative default for unknown models. Dated snapshots
// ("gpt-4o-2024-08-06") resolve through their base model.
func ContextLength(model string) int {
	if n, ok := contextLengths[model]; ok {
		return n
	}
	best := 0
	bestLen := 0
	for prefix, n := range contextLengths {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = n
			bestLen = len(prefix)
		}
	}
	if bestLen > 0 {
		return best
	}
	return defaultContextLength
}
