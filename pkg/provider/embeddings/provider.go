// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// The semantic matcher embeds curated passages, Bible verses and transcript
// windows through a Provider and compares them by cosine similarity. Vectors
// are L2-normalised by the caller (see [Normalize]) so cosine reduces to a
// dot product.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the same dimensionality.
// Vectors from different providers must not be compared.
type Provider interface {
	// Embed computes the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for texts in one call. The i-th result
	// corresponds to texts[i]. On error the whole slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID identifies the model, e.g. "text-embedding-3-small". Persisted
	// indexes are keyed by it.
	ModelID() string
}
