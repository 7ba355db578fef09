// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors, via a hosted API
// (OpenAI text-embedding-3) or a local model server (Ollama running
// nomic-embed-text). The conversation history layer stores one vector per
// spoken turn and recalls past dialogue by similarity when the next prompt is
// assembled.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// Every vector an instance returns has the same length, reported by
// Dimensions. Vectors are only comparable within one model's space: mixing
// vectors from different providers in a similarity computation yields garbage
// rankings, not errors.
type Provider interface {
	// Embed computes the embedding vector for a single text. The text is
	// forwarded verbatim; any model-specific formatting, such as the
	// "query: " prefix some retrieval models expect, is the caller's
	// responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds a slice of texts in one backend call. The result has
	// the same length and order as texts. On error no partial results are
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the length of every vector this provider emits,
	// fixed for the lifetime of the instance.
	Dimensions() int

	// ModelID reports the backend's model identifier, such as
	// "text-embedding-3-small" or "nomic-embed-text".
	ModelID() string
}
