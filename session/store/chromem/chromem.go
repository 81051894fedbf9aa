// Package chromem implements the authoritative store on chromem-go, a pure
// Go embedded vector database. It is the local/default backend; production
// hosts swap in a server-side index behind the same interface.
package chromem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/recall/core"
)

const createdAtKey = "created_at"

// Store keeps one chromem collection per user for namespace isolation, plus
// a per-user recency index so ScrollRecent doesn't need a query vector.
// chromem answers similarity queries; the recency index answers "what's
// newest" and retains the vectors chromem doesn't hand back on scroll.
type Store struct {
	db        *chromem.DB
	dimension int

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	recent      map[string][]core.VectorRecord // append order, newest last
}

// New creates an empty in-memory store for vectors of the given dimension.
func New(dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	return &Store{
		db:          chromem.NewDB(),
		dimension:   dimension,
		collections: make(map[string]*chromem.Collection),
		recent:      make(map[string][]core.VectorRecord),
	}, nil
}

// Add writes a record with its embedding. A missing ID gets a generated
// one; a zero CreatedAt becomes now. Returns the stored record.
func (s *Store) Add(ctx context.Context, userID string, rec core.Record, vector []float32) (core.Record, error) {
	if userID == "" {
		return core.Record{}, fmt.Errorf("user id is required")
	}
	if len(vector) != s.dimension {
		return core.Record{}, fmt.Errorf("vector dimension mismatch: want %d, got %d", s.dimension, len(vector))
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	col, err := s.collection(userID)
	if err != nil {
		return core.Record{}, err
	}

	metadata := map[string]string{
		createdAtKey: rec.CreatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Metadata {
		metadata[k] = v
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: vector,
		Metadata:  metadata,
	})
	if err != nil {
		return core.Record{}, fmt.Errorf("add document: %w", err)
	}

	s.mu.Lock()
	s.recent[userID] = append(s.recent[userID], core.VectorRecord{Record: rec, Vector: vector})
	s.mu.Unlock()

	return rec, nil
}

// ScrollRecent returns up to limit records for the user, newest first.
func (s *Store) ScrollRecent(ctx context.Context, userID string, limit int) ([]core.VectorRecord, error) {
	if limit <= 0 {
		return []core.VectorRecord{}, nil
	}

	s.mu.RLock()
	all := s.recent[userID]
	out := make([]core.VectorRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	s.mu.RUnlock()

	// Append order tracks insertion; records carry their own CreatedAt, so
	// re-sort in case callers backdated some.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Record.CreatedAt.After(out[j].Record.CreatedAt)
	})
	return out, nil
}

// Search returns up to limit records within maxDistance of the query
// vector, ascending by L2 distance. chromem scores by cosine similarity;
// over unit vectors that converts exactly via d = sqrt(2-2s), which keeps
// store results directly comparable with the session cache's L2 scores.
func (s *Store) Search(ctx context.Context, userID string, vector []float32, limit int, maxDistance float32) ([]core.ScoredRecord, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("vector dimension mismatch: want %d, got %d", s.dimension, len(vector))
	}
	if limit <= 0 {
		return []core.ScoredRecord{}, nil
	}

	s.mu.RLock()
	col := s.collections[userID]
	s.mu.RUnlock()
	if col == nil {
		return []core.ScoredRecord{}, nil
	}

	// chromem rejects nResults above the collection size.
	n := limit
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return []core.ScoredRecord{}, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	out := make([]core.ScoredRecord, 0, len(results))
	for _, res := range results {
		d := similarityToDistance(res.Similarity)
		if d >= maxDistance {
			continue
		}
		out = append(out, core.ScoredRecord{
			Record:   recordFromResult(res),
			Distance: d,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// Count returns the number of records stored for a user.
func (s *Store) Count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recent[userID])
}

// Close releases resources. chromem keeps everything in memory, so this
// only drops references.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]*chromem.Collection)
	s.recent = make(map[string][]core.VectorRecord)
	return nil
}

// collection returns the user's collection, creating it on first use.
func (s *Store) collection(userID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}

	col, err := s.db.CreateCollection(fmt.Sprintf("user_%s", userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[userID] = col
	return col, nil
}

func recordFromResult(res chromem.Result) core.Record {
	rec := core.Record{
		ID:   res.ID,
		Text: res.Content,
	}
	if raw, ok := res.Metadata[createdAtKey]; ok {
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	for k, v := range res.Metadata {
		if k == createdAtKey {
			continue
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string)
		}
		rec.Metadata[k] = v
	}
	return rec
}

// similarityToDistance converts cosine similarity over unit vectors to L2
// distance. Clamped at zero to absorb float noise for near-identical pairs.
func similarityToDistance(s float32) float32 {
	v := 2 - 2*s
	if v < 0 {
		v = 0
	}
	return float32(math.Sqrt(float64(v)))
}
