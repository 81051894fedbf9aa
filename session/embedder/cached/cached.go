// Package cached wraps any embedder with a ristretto memoization layer.
// Chat traffic repeats queries ("what's my balance") and the coordinator
// re-embeds on every call, so memoizing by exact text removes the most
// common provider round-trips.
package cached

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Embedder is the minimal surface this package wraps.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Config tunes the memoization cache.
type Config struct {
	// MaxBytes caps the cache's cost budget; each entry costs
	// dimensions*4 bytes. Default: 8 MiB.
	MaxBytes int64

	// TTL bounds how long an embedding stays memoized. Zero means no
	// expiry; embeddings for a fixed model never go stale, so the TTL
	// exists only to bound memory on long-running hosts.
	TTL time.Duration
}

// CachedEmbedder memoizes Embed results by exact text. Only successful
// embeddings are cached; failures always retry the underlying provider.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
	ttl   time.Duration
}

// New wraps inner with a memoization cache.
func New(inner Embedder, cfg Config) (*CachedEmbedder, error) {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		// Ristretto wants ~10x the expected max entries for admission
		// tracking; entries cost dimensions*4 bytes each.
		NumCounters: 10 * (maxBytes / int64(inner.Dimensions()*4)),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &CachedEmbedder{
		inner: inner,
		cache: cache,
		ttl:   cfg.TTL,
	}, nil
}

// Embed returns the memoized vector for text, or embeds and memoizes it.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v.([]float32), nil
	}

	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	cost := int64(len(vector) * 4)
	if e.ttl > 0 {
		e.cache.SetWithTTL(text, vector, cost, e.ttl)
	} else {
		e.cache.Set(text, vector, cost)
	}
	return vector, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until pending cache writes are applied. Ristretto admits
// asynchronously; tests call this before asserting on cache contents.
func (e *CachedEmbedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache's internal goroutines.
func (e *CachedEmbedder) Close() {
	e.cache.Close()
}
