package session

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/recall/core"
)

// Coordinator implements the hybrid search policy the orchestration layer
// calls: local session cache on the fast path, authoritative store on every
// fallback. The cache can defer, it can never hide authoritative data.
//
// The degradation contract is "never block forever, never error for
// degraded service": embedder and store calls are bounded by
// ProviderTimeout, and every failure converts into the next fallback step.
// Only when all paths are exhausted does GetContext answer with an empty
// result, still without error.
type Coordinator struct {
	cache    *Cache
	store    Store
	embedder Embedder
	cfg      *Config
	log      *logrus.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCoordinator wires the cache to its collaborators. Configuration comes
// from the cache so both layers agree on dimensions and thresholds.
func NewCoordinator(cache *Cache, store Store, embedder Embedder) *Coordinator {
	return &Coordinator{
		cache:    cache,
		store:    store,
		embedder: embedder,
		cfg:      cache.cfg,
		log:      cache.cfg.Logger,
	}
}

// GetContext returns up to limit records relevant to query for userID,
// most similar first.
//
// Flow: (re)populate the session from the authoritative store when the
// conversation is new or the session is absent; embed the query; take the
// cache fast path when it yields at least MinCacheHits results; otherwise
// query the authoritative store and return the union, so the answer is
// always a superset of what the store alone would say. Newly fetched
// records are folded back into the session asynchronously, best-effort.
//
// The returned error is non-nil only for caller misuse (empty user id).
// Provider failures degrade; worst case is an empty, valid result.
func (c *Coordinator) GetContext(ctx context.Context, userID, query string, isNewConversation bool, limit int) ([]core.ScoredRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if limit <= 0 {
		limit = 10
	}

	if isNewConversation || !c.cache.Has(userID) {
		c.populateSession(ctx, userID)
	}

	vector, err := c.embed(ctx, query)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Warn("embedding unavailable, falling back to recency context")
		c.misses.Add(1)
		return c.recentContext(ctx, userID, limit), nil
	}

	hits, err := c.cache.Search(userID, vector, limit, c.cfg.MaxDistance)
	if err != nil {
		// Dimension mismatch between embedder and cache config. A bug, but
		// the authoritative path still answers correctly.
		c.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Error("cache search rejected query vector")
		hits = nil
	}
	if len(hits) >= c.cfg.MinCacheHits {
		c.hits.Add(1)
		return hits, nil
	}

	c.misses.Add(1)
	authoritative, err := c.storeSearch(ctx, userID, vector, limit)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Warn("authoritative search unavailable, answering from cache only")
		return hits, nil
	}

	go c.refreshSession(userID)

	return mergeResults(hits, authoritative, limit), nil
}

// CoordinatorStats summarizes fast-path effectiveness.
type CoordinatorStats struct {
	Hits    int64
	Misses  int64
	HitRate float64
}

// Stats returns hit/miss counters since construction.
func (c *Coordinator) Stats() CoordinatorStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := CoordinatorStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// populateSession pulls the most recent records from the authoritative
// store and builds the session. All failures are absorbed: a session that
// fails to populate just means every query takes the authoritative path.
func (c *Coordinator) populateSession(ctx context.Context, userID string) {
	recs, err := c.scrollRecent(ctx, userID, c.cfg.PopulateLimit)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Warn("session population skipped, authoritative store unavailable")
		return
	}
	if len(recs) == 0 {
		return
	}
	if err := c.cache.Populate(userID, recs); err != nil {
		c.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Error("session population rejected")
	}
}

// refreshSession re-pulls recent records and merges them into the session
// after a fallback query, so the next query for this user can hit locally.
// Best-effort: failures are logged and swallowed, never surfaced.
func (c *Coordinator) refreshSession(userID string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"user_id": userID,
				"panic":   r,
			}).Error("session refresh panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProviderTimeout)
	defer cancel()

	recs, err := c.store.ScrollRecent(ctx, userID, c.cfg.PopulateLimit)
	if err != nil || len(recs) == 0 {
		return
	}
	if err := c.cache.Merge(userID, recs); err != nil {
		c.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Warn("session refresh rejected")
	}
}

// recentContext is the last fallback when the query cannot be embedded:
// recency-ordered records from the authoritative store, reported with
// distance zero. An empty slice is the final answer when even this fails.
func (c *Coordinator) recentContext(ctx context.Context, userID string, limit int) []core.ScoredRecord {
	recs, err := c.scrollRecent(ctx, userID, limit)
	if err != nil {
		return []core.ScoredRecord{}
	}
	out := make([]core.ScoredRecord, 0, limit)
	for _, r := range recs {
		if len(out) == limit {
			break
		}
		out = append(out, core.ScoredRecord{Record: r.Record})
	}
	return out
}

func (c *Coordinator) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	vector, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vector, nil
}

func (c *Coordinator) scrollRecent(ctx context.Context, userID string, limit int) ([]core.VectorRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	recs, err := c.store.ScrollRecent(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("scroll recent: %w", err)
	}
	return recs, nil
}

func (c *Coordinator) storeSearch(ctx context.Context, userID string, vector []float32, limit int) ([]core.ScoredRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	results, err := c.store.Search(ctx, userID, vector, limit, c.cfg.MaxDistance)
	if err != nil {
		return nil, fmt.Errorf("authoritative search: %w", err)
	}
	return results, nil
}

// mergeResults unions cache hits into the authoritative results,
// deduplicating by record ID and keeping ascending distance order. Every
// authoritative result is kept; cache hits only fill remaining capacity,
// so the answer is always a superset of the store's own answer.
func mergeResults(cached, authoritative []core.ScoredRecord, limit int) []core.ScoredRecord {
	merged := make([]core.ScoredRecord, 0, limit)
	seen := make(map[string]bool, len(authoritative))
	for _, r := range authoritative {
		merged = append(merged, r)
		seen[r.Record.ID] = true
	}
	for _, r := range cached {
		if len(merged) >= limit {
			break
		}
		if !seen[r.Record.ID] {
			merged = append(merged, r)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Distance < merged[j].Distance })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
