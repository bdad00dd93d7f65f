// Package gateway defines the provider gateway port for LLM calls.
package gateway

import "context"

// ResponseFormat selects the shape the model is asked to produce.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json_object"
)

// Request is one model invocation.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	RequestID    string
	Format       ResponseFormat
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a completed model invocation.
type Result struct {
	Content string
	Usage   Usage
}

// Chunk is one streamed fragment of a model response.
type Chunk struct {
	Content string
	Done    bool
}

// Gateway is the port interface for invoking LLM providers. Errors
// must be typed per the provider error taxonomy so the retry manager
// can classify them.
type Gateway interface {
	// Invoke performs a blocking completion call.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// StreamInvoke performs a streaming completion call. The returned
	// channel is closed after the final chunk.
	StreamInvoke(ctx context.Context, req Request) (<-chan Chunk, error)
}
