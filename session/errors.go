package session

import (
	"errors"
	"fmt"
)

// ErrUnavailable signals a transient provider failure (embedder or
// authoritative store). The Coordinator absorbs it and degrades; it is
// never returned from GetContext.
var ErrUnavailable = errors.New("provider unavailable")

// DimensionMismatchError reports a vector whose dimension disagrees with
// the configured embedding dimension. It indicates a configuration or
// data-integrity bug, fatal to the specific call only.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// BudgetExceededError reports a populate call whose own addition cannot fit
// under the memory ceiling even after evicting every other session. Callers
// should treat it as "cache unavailable for this user right now" and take
// the authoritative-store path.
type BudgetExceededError struct {
	Need    int64
	Ceiling int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("session would need %d bytes, ceiling is %d", e.Need, e.Ceiling)
}
