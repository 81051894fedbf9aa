// Package mock provides a deterministic embedder for tests and local
// development. Embeddings are derived from a text hash, so identical texts
// always embed identically; there is no real semantic similarity.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates hash-based unit vectors of a fixed dimension.
type Embedder struct {
	dimensions int

	// Fail, when set, makes every Embed call return this error. Tests use
	// it to exercise the coordinator's degraded paths.
	Fail error
}

// New creates a mock embedder producing vectors of the given dimension.
func New(dimensions int) *Embedder {
	return &Embedder{dimensions: dimensions}
}

// Embed derives a deterministic unit vector from text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.Fail != nil {
		return nil, e.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vector := make([]float32, e.dimensions)
	for i := range vector {
		// Linear congruential step per component keeps the output stable
		// across runs without pulling in math/rand state.
		seed = seed*6364136223846793005 + 1442695040888963407
		vector[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vector), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
