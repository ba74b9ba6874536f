package memory

import "strings"

// DefaultContextTokens is the conservative budget used when the model is
// unknown.
const DefaultContextTokens = 100_000

// modelContextTokens maps known model families to their context windows.
// Checked in order; first match wins.
var modelContextTokens = []struct {
	family string
	tokens int
}{
	{"gemini", 1_000_000},
	{"claude", 200_000},
	{"gpt", 128_000},
	{"llama", 8_192},
	{"mistral", 32_768},
}

// ContextLimit returns the context-window token budget for a model name,
// matched by family substring, falling back to DefaultContextTokens.
func ContextLimit(model string) int {
	m := strings.ToLower(model)
	for _, e := range modelContextTokens {
		if strings.Contains(m, e.family) {
			return e.tokens
		}
	}
	return DefaultContextTokens
}
