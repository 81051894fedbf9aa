package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/recall/core"
)

// Cache holds, searches and expires a bounded local index per user.
//
// The registry is protected by a coarse RWMutex; a session's data is an
// immutable snapshot swapped atomically on populate, so concurrent readers
// never see a half-written session. Sessions are capped small, so search is
// an exact linear scan rather than an approximate index.
//
// Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	cfg   *Config
	log   *logrus.Logger
	clock clockwork.Clock

	mu            sync.RWMutex
	registry      map[string]*sessionState
	residentBytes int64
}

// NewCache creates a cache with the given configuration. Zero-value config
// fields fall back to DefaultConfig. No goroutines are started; background
// sweeping is the Sweeper's job, owned by the composition root.
func NewCache(cfg *Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		registry: make(map[string]*sessionState),
	}
}

// Config returns the cache's effective (defaulted) configuration.
func (c *Cache) Config() *Config {
	return c.cfg
}

// Populate builds or replaces the session for userID from recs. A second
// call for the same user overwrites prior state, never merges. Input past
// MaxVectorsPerSession is truncated keeping the first items; callers pass
// most-recent-first, so first-N means most recent.
//
// Empty input is a no-op: no session is created, because an empty session
// is indistinguishable from an absent one and would only burn registry
// space.
//
// Populate fails atomically with *DimensionMismatchError if any input
// vector has the wrong dimension, and with *BudgetExceededError if the
// session's own size cannot fit under the memory ceiling even after
// evicting everything else. It may evict colder sessions to make room.
func (c *Cache) Populate(userID string, recs []core.VectorRecord) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if len(r.Vector) != c.cfg.Dimension {
			return &DimensionMismatchError{Want: c.cfg.Dimension, Got: len(r.Vector)}
		}
	}

	snap := c.buildSnapshot(recs)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.installLocked(userID, snap, now); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"user_id": userID,
		"records": len(snap.records),
	}).Debug("session populated")
	return nil
}

// Merge folds recs into an existing session: new records first, then the
// previous records minus duplicates, truncated to the cap. With no prior
// session it behaves like Populate. The Coordinator uses it to fold
// freshly fetched authoritative records back in after a fallback query.
func (c *Cache) Merge(userID string, recs []core.VectorRecord) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if len(r.Vector) != c.cfg.Dimension {
			return &DimensionMismatchError{Want: c.cfg.Dimension, Got: len(r.Vector)}
		}
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Append into a fresh slice: recs may be a view into the store's own
	// buffer, and growing it in place would write prior records past the
	// caller's truncation point.
	combined := append(make([]core.VectorRecord, 0, len(recs)), recs...)
	if st, ok := c.registry[userID]; ok {
		seen := make(map[string]bool, len(recs))
		for _, r := range recs {
			seen[r.Record.ID] = true
		}
		prev := st.snap.Load()
		for i, rec := range prev.records {
			if !seen[rec.ID] {
				combined = append(combined, core.VectorRecord{Record: rec, Vector: prev.vectors[i]})
			}
		}
	}

	if err := c.installLocked(userID, c.buildSnapshot(combined), now); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"user_id": userID,
		"merged":  len(recs),
	}).Debug("session merged")
	return nil
}

// Search runs an exact L2 scan over the user's session and returns up to
// limit records strictly within maxDistance, most similar first. A missing
// session or an empty result is a cache miss, reported as an empty slice,
// never an error. Touching a session extends its TTL window.
func (c *Cache) Search(userID string, vector []float32, limit int, maxDistance float32) ([]core.ScoredRecord, error) {
	if len(vector) != c.cfg.Dimension {
		return nil, &DimensionMismatchError{Want: c.cfg.Dimension, Got: len(vector)}
	}
	if limit <= 0 {
		return []core.ScoredRecord{}, nil
	}

	c.mu.RLock()
	st := c.registry[userID]
	c.mu.RUnlock()
	if st == nil {
		return []core.ScoredRecord{}, nil
	}

	snap := st.snap.Load()
	st.touch(c.clock.Now())

	results := make([]core.ScoredRecord, 0, limit)
	for i, vec := range snap.vectors {
		d := l2Distance(vector, vec)
		if d < maxDistance {
			results = append(results, core.ScoredRecord{Record: snap.records[i], Distance: d})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Has reports whether a session exists for userID.
func (c *Cache) Has(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.registry[userID]
	return ok
}

// Evict removes the session immediately, regardless of TTL. Evicting an
// absent session is a no-op.
func (c *Cache) Evict(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(userID)
}

// Clear drops every session. Called on shutdown; cached state is volatile
// and is rebuilt from the authoritative store on restart.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = make(map[string]*sessionState)
	c.residentBytes = 0
}

// SweepExpired removes every session whose last access is older than
// now-ttl and returns the count evicted. It is a pure function of its
// arguments plus registry state, so tests drive it directly with an
// injected clock instead of waiting on a timer.
func (c *Cache) SweepExpired(now time.Time, ttl time.Duration) int {
	cutoff := now.Add(-ttl).UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for userID, st := range c.registry {
		if st.lastAccess.Load() < cutoff {
			c.evictLocked(userID)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.WithField("evicted", evicted).Debug("expired sessions swept")
	}
	return evicted
}

// CacheStats is a point-in-time summary of resident state.
type CacheStats struct {
	Sessions      int
	Vectors       int
	ResidentBytes int64
	CeilingBytes  int64
}

// Stats returns current resident state.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vectors := 0
	for _, st := range c.registry {
		vectors += len(st.snap.Load().vectors)
	}
	return CacheStats{
		Sessions:      len(c.registry),
		Vectors:       vectors,
		ResidentBytes: c.residentBytes,
		CeilingBytes:  c.cfg.MemoryCeilingBytes,
	}
}

// buildSnapshot truncates to the per-session cap and copies both the
// slices and the vector data, so later caller mutations can't tear a live
// snapshot.
func (c *Cache) buildSnapshot(recs []core.VectorRecord) *snapshot {
	if len(recs) > c.cfg.MaxVectorsPerSession {
		recs = recs[:c.cfg.MaxVectorsPerSession]
	}
	snap := &snapshot{
		vectors: make([][]float32, len(recs)),
		records: make([]core.Record, len(recs)),
	}
	for i, r := range recs {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		snap.vectors[i] = vec
		snap.records[i] = r.Record
	}
	return snap
}

// installLocked swaps snap in as userID's session, enforcing the session
// cap and the memory ceiling. Caller holds the write lock.
func (c *Cache) installLocked(userID string, snap *snapshot, now time.Time) error {
	newBytes := sessionBytes(len(snap.vectors), c.cfg.Dimension)
	if newBytes > c.cfg.MemoryCeilingBytes {
		return &BudgetExceededError{Need: newBytes, Ceiling: c.cfg.MemoryCeilingBytes}
	}

	existing := c.registry[userID]
	var oldBytes int64
	if existing != nil {
		oldBytes = existing.bytes(c.cfg.Dimension)
	}

	// Session cap: a brand-new session past the cap displaces the LRU one.
	if existing == nil {
		for len(c.registry) >= c.cfg.MaxSessions {
			lru := c.lruLocked(userID)
			if lru == nil {
				break
			}
			c.evictLocked(lru.userID)
			c.log.WithFields(logrus.Fields{
				"evicted_user": lru.userID,
				"for_user":     userID,
			}).Debug("session cap reached, evicted least recently used")
		}
	}

	// Memory ceiling: once the addition would cross it, evict coldest
	// sessions down past the watermark, not just barely under the ceiling,
	// so the next populate doesn't immediately evict again.
	if c.residentBytes-oldBytes+newBytes > c.cfg.MemoryCeilingBytes {
		watermark := int64(float64(c.cfg.MemoryCeilingBytes) * c.cfg.EvictionWatermarkRatio)
		for c.residentBytes-oldBytes+newBytes > watermark {
			lru := c.lruLocked(userID)
			if lru == nil {
				break
			}
			c.evictLocked(lru.userID)
		}
	}

	if existing != nil {
		existing.snap.Store(snap)
		existing.touch(now)
		c.residentBytes += newBytes - oldBytes
	} else {
		c.registry[userID] = newSessionState(userID, snap, now)
		c.residentBytes += newBytes
	}
	return nil
}

// lruLocked returns the least recently accessed session, skipping exclude.
// Caller holds the lock. Linear scan; the registry is capped at
// MaxSessions entries.
func (c *Cache) lruLocked(exclude string) *sessionState {
	var oldest *sessionState
	for userID, st := range c.registry {
		if userID == exclude {
			continue
		}
		if oldest == nil || st.lastAccess.Load() < oldest.lastAccess.Load() {
			oldest = st
		}
	}
	return oldest
}

// evictLocked removes a session and releases its budget. Caller holds the
// write lock.
func (c *Cache) evictLocked(userID string) {
	st, ok := c.registry[userID]
	if !ok {
		return
	}
	c.residentBytes -= st.bytes(c.cfg.Dimension)
	delete(c.registry, userID)
}
