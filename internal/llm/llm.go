// Package llm provides the completion port the analyst fleet talks to
// and an HTTP client for an OpenAI-compatible gateway. Agents depend on
// the CompletionService interface only; the concrete client carries the
// circuit breaker, model fallback and the embeddings endpoint.
package llm

import (
	"context"
)

// Message is one turn of a chat exchange
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage reports the gateway's token accounting for one call
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the uniform result of a Generate call
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// CompletionService is the port agents use for text generation and
// embeddings. Non-2xx and timeout failures surface as Transport or
// Timeout faults; agents convert them into task errors.
type CompletionService interface {
	// Generate runs a chat completion over the full message list
	Generate(ctx context.Context, messages []Message) (*Completion, error)
	// GenerateWithSystem is the common two-message form
	GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Embed returns the embedding vector for a text
	Embed(ctx context.Context, text string) ([]float32, error)
}
