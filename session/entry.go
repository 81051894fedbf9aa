package session

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/becomeliminal/recall/core"
)

// sessionOverheadBytes approximates the fixed per-session cost (registry
// slot, snapshot headers, record structs) on top of raw vector data.
const sessionOverheadBytes = 512

// snapshot is one immutable generation of a session's data. Populate and
// merge build a fresh snapshot and swap the pointer, so readers always see
// a consistent old-or-new state with no tearing.
type snapshot struct {
	vectors [][]float32
	records []core.Record
}

// sessionState is the mutable shell around a session: identity, lifecycle
// timestamps and the current snapshot. lastAccess is atomic so the read
// path never takes the registry write lock.
type sessionState struct {
	userID     string
	createdAt  time.Time
	snap       atomic.Pointer[snapshot]
	lastAccess atomic.Int64 // unix nanoseconds
}

func newSessionState(userID string, snap *snapshot, now time.Time) *sessionState {
	st := &sessionState{
		userID:    userID,
		createdAt: now,
	}
	st.snap.Store(snap)
	st.lastAccess.Store(now.UnixNano())
	return st
}

// touch marks the session as accessed, extending its TTL window.
func (st *sessionState) touch(now time.Time) {
	st.lastAccess.Store(now.UnixNano())
}

// bytes approximates the session's resident size.
func (st *sessionState) bytes(dimension int) int64 {
	return sessionBytes(len(st.snap.Load().vectors), dimension)
}

func sessionBytes(vectorCount, dimension int) int64 {
	return int64(vectorCount)*int64(dimension)*4 + sessionOverheadBytes
}

// l2Distance is the exact Euclidean distance between two equal-length
// vectors. Smaller is more similar.
func l2Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}
