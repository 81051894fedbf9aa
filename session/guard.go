package session

import (
	"github.com/sirupsen/logrus"
)

// BudgetGuard bounds aggregate cache memory to protect the host process.
// It shares the Cache's lock discipline, so a sweep can never evict a
// session mid-population.
//
// Populate-time enforcement (evict-to-fit, hard rejection) runs inline in
// the Cache under the same lock; the guard provides the periodic sweep and
// the usage view.
type BudgetGuard struct {
	cache *Cache
	log   *logrus.Logger
}

// NewBudgetGuard creates a guard over cache.
func NewBudgetGuard(cache *Cache) *BudgetGuard {
	return &BudgetGuard{
		cache: cache,
		log:   cache.cfg.Logger,
	}
}

// CheckAndEnforce evicts oldest-accessed sessions while aggregate resident
// size exceeds the ceiling, stopping once usage drops to
// ceiling * EvictionWatermarkRatio. The gap between ceiling and watermark
// is hysteresis against evicting right back up to the ceiling on the next
// check. Returns the number of sessions evicted.
func (g *BudgetGuard) CheckAndEnforce() int {
	c := g.cache

	c.mu.Lock()
	defer c.mu.Unlock()

	ceiling := c.cfg.MemoryCeilingBytes
	if c.residentBytes <= ceiling {
		return 0
	}

	watermark := int64(float64(ceiling) * c.cfg.EvictionWatermarkRatio)
	evicted := 0
	for c.residentBytes > watermark {
		lru := c.lruLocked("")
		if lru == nil {
			break
		}
		c.evictLocked(lru.userID)
		evicted++
	}

	g.log.WithFields(logrus.Fields{
		"evicted":        evicted,
		"resident_bytes": c.residentBytes,
		"watermark":      watermark,
	}).Warn("memory ceiling exceeded, evicted coldest sessions")
	return evicted
}

// BudgetUsage is a point-in-time view of budget consumption.
type BudgetUsage struct {
	Sessions      int
	ResidentBytes int64
	CeilingBytes  int64
	Ratio         float64
}

// Usage reports current consumption against the ceiling.
func (g *BudgetGuard) Usage() BudgetUsage {
	c := g.cache

	c.mu.RLock()
	defer c.mu.RUnlock()

	u := BudgetUsage{
		Sessions:      len(c.registry),
		ResidentBytes: c.residentBytes,
		CeilingBytes:  c.cfg.MemoryCeilingBytes,
	}
	if u.CeilingBytes > 0 {
		u.Ratio = float64(u.ResidentBytes) / float64(u.CeilingBytes)
	}
	return u
}
