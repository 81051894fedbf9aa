package session

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Config holds cache and coordinator configuration.
type Config struct {
	// Dimension is the fixed embedding vector size. Every vector entering
	// the cache must match it.
	// Default: 384 (all-MiniLM-L6-v2).
	Dimension int

	// MaxVectorsPerSession caps one user's cached records. Populate input
	// beyond the cap is truncated keeping the first items (callers pass
	// most-recent-first, so first-N means most recent).
	// Default: 100.
	MaxVectorsPerSession int

	// SessionTTL is how long a session survives without being accessed.
	// Search and populate both extend it.
	// Default: 30m.
	SessionTTL time.Duration

	// MaxSessions caps concurrent sessions. Creating one past the cap
	// evicts the least recently used session first.
	// Default: 100.
	MaxSessions int

	// MemoryCeilingBytes bounds aggregate resident size across sessions,
	// approximated as vectors*dimension*4 plus a fixed per-session overhead.
	// Default: 64 MiB.
	MemoryCeilingBytes int64

	// EvictionWatermarkRatio is the fraction of the ceiling eviction drives
	// usage down to once the ceiling is crossed. The gap is hysteresis:
	// without it the next populate evicts right back up to the ceiling.
	// Default: 0.75.
	EvictionWatermarkRatio float64

	// MinCacheHits is the result count below which a local search is
	// considered insufficient and the authoritative store is also queried.
	// Default: 3.
	MinCacheHits int

	// PopulateLimit is how many recent records are pulled from the
	// authoritative store when a session is (re)built.
	// Default: 50.
	PopulateLimit int

	// MaxDistance is the L2 cutoff for a search hit. Smaller distance is
	// more similar; results at or past the cutoff are dropped.
	// Default: 1.0.
	MaxDistance float32

	// ProviderTimeout bounds each embedder and authoritative-store call
	// issued by the Coordinator. On timeout the Coordinator moves to the
	// next fallback step instead of propagating the error.
	// Default: 5s.
	ProviderTimeout time.Duration

	// SweepInterval is how often the Sweeper runs expiry and budget checks.
	// Default: 10m.
	SweepInterval time.Duration

	// Logger receives structured cache activity. Defaults to the logrus
	// standard logger.
	Logger *logrus.Logger

	// Clock supplies time. Tests inject a fake clock to exercise TTL and
	// LRU ordering deterministically.
	Clock clockwork.Clock
}

// DefaultConfig returns defaults sized for a constrained-memory host.
func DefaultConfig() *Config {
	return &Config{
		Dimension:              384,
		MaxVectorsPerSession:   100,
		SessionTTL:             30 * time.Minute,
		MaxSessions:            100,
		MemoryCeilingBytes:     64 << 20,
		EvictionWatermarkRatio: 0.75,
		MinCacheHits:           3,
		PopulateLimit:          50,
		MaxDistance:            1.0,
		ProviderTimeout:        5 * time.Second,
		SweepInterval:          10 * time.Minute,
	}
}

// withDefaults fills zero values so a partially specified Config works.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	def := DefaultConfig()
	if out.Dimension <= 0 {
		out.Dimension = def.Dimension
	}
	if out.MaxVectorsPerSession <= 0 {
		out.MaxVectorsPerSession = def.MaxVectorsPerSession
	}
	if out.SessionTTL <= 0 {
		out.SessionTTL = def.SessionTTL
	}
	if out.MaxSessions <= 0 {
		out.MaxSessions = def.MaxSessions
	}
	if out.MemoryCeilingBytes <= 0 {
		out.MemoryCeilingBytes = def.MemoryCeilingBytes
	}
	if out.EvictionWatermarkRatio <= 0 || out.EvictionWatermarkRatio >= 1 {
		out.EvictionWatermarkRatio = def.EvictionWatermarkRatio
	}
	if out.MinCacheHits <= 0 {
		out.MinCacheHits = def.MinCacheHits
	}
	if out.PopulateLimit <= 0 {
		out.PopulateLimit = def.PopulateLimit
	}
	if out.MaxDistance <= 0 {
		out.MaxDistance = def.MaxDistance
	}
	if out.ProviderTimeout <= 0 {
		out.ProviderTimeout = def.ProviderTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = def.SweepInterval
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	return &out
}
