package agent

import (
	"context"

	"github.com/voidmesh/hivemind/internal/provider"
)

const summarizerSystem = "You condense shared task memory for agents with smaller context " +
	"windows. Preserve decisions, constraints, scores, and unresolved issues. Drop " +
	"pleasantries and repetition. Respond with plain prose, no preamble."

// Summarizer condenses memory text through the model router. The memory
// manager calls it when trimming alone cannot meet a token budget.
type Summarizer struct {
	router *provider.Router
}

// NewSummarizer creates a router-backed summarizer.
func NewSummarizer(router *provider.Router) *Summarizer {
	return &Summarizer{router: router}
}

// Summarize produces a condensed version of text within maxTokens.
func (s *Summarizer) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	resp, err := s.router.Invoke(ctx, provider.InvokeRequest{
		RoleHint: "summarizer",
		Messages: []provider.Message{
			{Role: "system", Content: summarizerSystem},
			{Role: "user", Content: text},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
