package models

import "context"

// GenerationRequest is one generator invocation.
type GenerationRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// TokenUsage holds provider-reported token accounting for a finished generation.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerationChunk is one increment of streamed generator output. The final
// chunk has Done set and carries either Usage or a terminal Err; the channel
// is closed after it.
type GenerationChunk struct {
	Text   string
	Tokens int
	Done   bool
	Usage  *TokenUsage
	Err    error
}

// Generator is the interface all content-generator integrations implement.
// Generate returns immediately with a channel the caller drains; cancelling
// ctx stops the stream. Callers depend on this interface, never on a
// concrete provider.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (<-chan GenerationChunk, error)
	Name() string
}

// EstimateTokens approximates the token count of a text fragment for
// providers that do not report per-chunk usage. Roughly 4 bytes per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
