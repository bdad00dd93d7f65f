// Package retrieval defines the port for the retrieval-augmented
// generation collaborator consumed by the message pipeline. The search
// and indexing machinery behind it lives outside this service.
package retrieval

import "context"

// Chunk is one streamed fragment of a generated answer.
type Chunk struct {
	Content string
	Done    bool
}

// Generator produces a retrieval-augmented answer for a user message.
type Generator interface {
	// Generate streams the answer. The channel is closed after the
	// final chunk.
	Generate(ctx context.Context, userID, message string) (<-chan Chunk, error)
}
