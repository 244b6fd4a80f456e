// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider wraps a service that maps text strings to dense
// float32 vectors (e.g., OpenAI text-embedding-3 or a local Ollama model).
// The retrieval engine treats a provider as an opaque producer of
// fixed-dimension vectors: query embedding, chunk embedding at store time,
// and the embedding cache all go through this interface.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance must share the same
// dimensionality (returned by Dimensions). Vectors from different Provider
// instances must not be mixed in one similarity computation unless both use
// the same model and space.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled. The text is passed to the backend verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// backend call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i]. Partial results are not
	// returned; on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific embedding model identifier,
	// for logging and for verifying consistent model usage per deployment.
	ModelID() string
}
