package session

import (
	"context"

	"github.com/becomeliminal/recall/core"
)

// Embedder converts text to fixed-dimension vectors.
// Implementations: embedder/mock (testing), embedder/onnx (local),
// embedder/cached (ristretto memoization wrapper around either).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Store is the authoritative vector index. It is the source of truth: the
// cache only ever holds a bounded subset of what the store holds.
// Both methods are idempotent, side-effect-free reads.
type Store interface {
	// ScrollRecent returns up to limit records for a user, newest first,
	// with their vectors. Used to populate a session on conversation start.
	ScrollRecent(ctx context.Context, userID string, limit int) ([]core.VectorRecord, error)

	// Search returns up to limit records within maxDistance of the query
	// vector, ascending by L2 distance. Used as the fallback query path.
	Search(ctx context.Context, userID string, vector []float32, limit int, maxDistance float32) ([]core.ScoredRecord, error)

	// Close releases resources.
	Close() error
}
