package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/recall/core"
	"github.com/becomeliminal/recall/session"
)

// fakeEmbedder maps texts to fixed vectors, so tests control distances
// exactly instead of relying on hash embeddings.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    error
	dims    int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, f.dims), nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

// fakeStore is an in-memory authoritative store with call counters.
// Methods are mutex-guarded because the coordinator refreshes sessions
// from a goroutine.
type fakeStore struct {
	mu            sync.Mutex
	recent        map[string][]core.VectorRecord
	searchResults []core.ScoredRecord
	scrollErr     error
	searchErr     error
	scrollCalls   int
	searchCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{recent: make(map[string][]core.VectorRecord)}
}

func (f *fakeStore) ScrollRecent(ctx context.Context, userID string, limit int) ([]core.VectorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrollCalls++
	if f.scrollErr != nil {
		return nil, f.scrollErr
	}
	recs := f.recent[userID]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (f *fakeStore) Search(ctx context.Context, userID string, vector []float32, limit int, maxDistance float32) ([]core.ScoredRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	results := f.searchResults
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) calls() (scroll, search int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scrollCalls, f.searchCalls
}

func newCoordinator(t *testing.T, store *fakeStore, emb *fakeEmbedder, mutate func(*session.Config)) (*session.Coordinator, *session.Cache) {
	t.Helper()
	cache, _ := newTestCache(t, func(cfg *session.Config) {
		cfg.MaxDistance = 1.0
		cfg.MinCacheHits = 1
		if mutate != nil {
			mutate(cfg)
		}
	})
	return session.NewCoordinator(cache, store, emb), cache
}

func TestCoordinator_NewConversationPopulatesFromStore(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = basisRecords()
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, cache := newCoordinator(t, store, emb, nil)

	results, err := coord.GetContext(context.Background(), "u1", "hello", true, 5)
	require.NoError(t, err)

	scroll, _ := store.calls()
	assert.Equal(t, 1, scroll)
	assert.True(t, cache.Has("u1"))
	require.NotEmpty(t, results)
	assert.Equal(t, "r1", results[0].Record.ID)
}

func TestCoordinator_FastPathSkipsStore(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = basisRecords()
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, _ := newCoordinator(t, store, emb, nil)

	_, err := coord.GetContext(context.Background(), "u1", "hello", true, 5)
	require.NoError(t, err)

	_, search := store.calls()
	assert.Equal(t, 0, search, "sufficient cache hits must not touch the authoritative store")
	assert.Equal(t, int64(1), coord.Stats().Hits)
}

func TestCoordinator_InsufficientHitsFallsBackAndStaysSuperset(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = []core.VectorRecord{rec("cached", 1, 0, 0, 0)}
	store.searchResults = []core.ScoredRecord{
		{Record: core.Record{ID: "auth1"}, Distance: 0.1},
		{Record: core.Record{ID: "auth2"}, Distance: 0.2},
		{Record: core.Record{ID: "auth3"}, Distance: 0.3},
	}
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, _ := newCoordinator(t, store, emb, func(cfg *session.Config) {
		cfg.MinCacheHits = 3
	})

	results, err := coord.GetContext(context.Background(), "u1", "hello", true, 5)
	require.NoError(t, err)

	_, search := store.calls()
	assert.Equal(t, 1, search)

	ids := make(map[string]bool, len(results))
	for _, r := range results {
		ids[r.Record.ID] = true
	}
	for _, want := range []string{"auth1", "auth2", "auth3"} {
		assert.True(t, ids[want], "result must be a superset of the authoritative answer, missing %s", want)
	}
	assert.True(t, ids["cached"], "cache hits fill remaining capacity")
	assert.Equal(t, int64(1), coord.Stats().Misses)
}

func TestCoordinator_AuthoritativeResultsNeverDisplacedByLimit(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = []core.VectorRecord{rec("cached", 1, 0, 0, 0)}
	store.searchResults = []core.ScoredRecord{
		{Record: core.Record{ID: "auth1"}, Distance: 0.5},
		{Record: core.Record{ID: "auth2"}, Distance: 0.6},
	}
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, _ := newCoordinator(t, store, emb, func(cfg *session.Config) {
		cfg.MinCacheHits = 3
	})

	// The cached record is closer (distance 0) than both authoritative
	// results, but with limit 2 it must not push either of them out.
	results, err := coord.GetContext(context.Background(), "u1", "hello", true, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	ids := map[string]bool{results[0].Record.ID: true, results[1].Record.ID: true}
	assert.True(t, ids["auth1"] && ids["auth2"])
}

func TestCoordinator_EmbeddingFailureFallsBackToRecency(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = basisRecords()
	emb := &fakeEmbedder{dims: 4, fail: session.ErrUnavailable}
	coord, _ := newCoordinator(t, store, emb, nil)

	results, err := coord.GetContext(context.Background(), "u1", "hello", true, 2)
	require.NoError(t, err, "provider failure must never surface as an error")
	require.Len(t, results, 2)
	assert.Equal(t, "r1", results[0].Record.ID, "recency order")

	_, search := store.calls()
	assert.Equal(t, 0, search, "no vector, no vector search")
}

func TestCoordinator_AllPathsExhaustedYieldsEmptyResult(t *testing.T) {
	store := newFakeStore()
	store.scrollErr = session.ErrUnavailable
	store.searchErr = session.ErrUnavailable
	emb := &fakeEmbedder{dims: 4, fail: session.ErrUnavailable}
	coord, _ := newCoordinator(t, store, emb, nil)

	results, err := coord.GetContext(context.Background(), "u1", "hello", true, 5)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestCoordinator_StoreSearchFailureAnswersFromCache(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = []core.VectorRecord{rec("cached", 1, 0, 0, 0)}
	store.searchErr = session.ErrUnavailable
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, _ := newCoordinator(t, store, emb, func(cfg *session.Config) {
		cfg.MinCacheHits = 3 // force the fallback attempt
	})

	results, err := coord.GetContext(context.Background(), "u1", "hello", true, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cached", results[0].Record.ID)
}

func TestCoordinator_FallbackRefreshesSessionAsync(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = []core.VectorRecord{rec("older", 0, 1, 0, 0)}
	store.searchResults = []core.ScoredRecord{{Record: core.Record{ID: "auth1"}, Distance: 0.1}}
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, cache := newCoordinator(t, store, emb, func(cfg *session.Config) {
		cfg.MinCacheHits = 3
	})

	_, err := coord.GetContext(context.Background(), "u1", "hello", true, 5)
	require.NoError(t, err)

	// After the fallback, the store's newest records appear in the session.
	store.mu.Lock()
	store.recent["u1"] = append([]core.VectorRecord{rec("newest", 1, 0, 0, 0)}, store.recent["u1"]...)
	store.mu.Unlock()

	// A later cold query triggers another fallback plus refresh.
	_, err = coord.GetContext(context.Background(), "u1", "hello", false, 5)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		results, err := cache.Search("u1", []float32{1, 0, 0, 0}, 1, 0.5)
		return err == nil && len(results) == 1 && results[0].Record.ID == "newest"
	}, 2*time.Second, 10*time.Millisecond, "refresh must fold new store records into the session")
}

func TestCoordinator_RefreshRejectsMismatchedVectors(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, cache := newCoordinator(t, store, emb, func(cfg *session.Config) {
		cfg.MinCacheHits = 3
	})

	require.NoError(t, cache.Populate("u1", []core.VectorRecord{rec("good", 1, 0, 0, 0)}))

	// A misconfigured store hands back 2-dimensional vectors. The refresh
	// goroutine must reject them instead of corrupting the session.
	store.mu.Lock()
	store.recent["u1"] = []core.VectorRecord{{
		Record: core.Record{ID: "bad"},
		Vector: []float32{1, 0},
	}}
	store.mu.Unlock()

	// Warm session, too few hits: fallback plus async refresh.
	_, err := coord.GetContext(context.Background(), "u1", "hello", false, 5)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		scroll, _ := store.calls()
		return scroll >= 1
	}, 2*time.Second, 10*time.Millisecond, "refresh must have pulled from the store")

	// The rejected merge leaves the session exactly as it was.
	assert.Equal(t, 1, cache.Stats().Vectors)
	results, err := cache.Search("u1", []float32{1, 0, 0, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].Record.ID)
}

func TestCoordinator_EmptyUserIDIsAnError(t *testing.T) {
	coord, _ := newCoordinator(t, newFakeStore(), &fakeEmbedder{dims: 4}, nil)
	_, err := coord.GetContext(context.Background(), "", "hello", false, 5)
	require.Error(t, err)
}

func TestCoordinator_AbsentSessionPopulatesEvenMidConversation(t *testing.T) {
	store := newFakeStore()
	store.recent["u1"] = basisRecords()
	emb := &fakeEmbedder{dims: 4, vectors: map[string][]float32{"hello": {1, 0, 0, 0}}}
	coord, cache := newCoordinator(t, store, emb, nil)

	// Not a new conversation, but the session was evicted (TTL, budget,
	// restart): the coordinator lazily rebuilds it.
	results, err := coord.GetContext(context.Background(), "u1", "hello", false, 5)
	require.NoError(t, err)
	assert.True(t, cache.Has("u1"))
	assert.NotEmpty(t, results)
}
