package chromem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/recall/core"
	"github.com/becomeliminal/recall/session/store/chromem"
)

func addRecord(t *testing.T, s *chromem.Store, userID, id, text string, createdAt time.Time, vector []float32) core.Record {
	t.Helper()
	rec, err := s.Add(context.Background(), userID, core.Record{
		ID:        id,
		Text:      text,
		CreatedAt: createdAt,
	}, vector)
	require.NoError(t, err)
	return rec
}

func TestStore_ScrollRecentNewestFirst(t *testing.T) {
	s, err := chromem.New(3)
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	addRecord(t, s, "u1", "first", "oldest memory", base, []float32{1, 0, 0})
	addRecord(t, s, "u1", "second", "middle memory", base.Add(time.Minute), []float32{0, 1, 0})
	addRecord(t, s, "u1", "third", "newest memory", base.Add(2*time.Minute), []float32{0, 0, 1})

	recs, err := s.ScrollRecent(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "third", recs[0].Record.ID)
	assert.Equal(t, "second", recs[1].Record.ID)
	assert.Equal(t, []float32{0, 0, 1}, recs[0].Vector, "scroll must carry vectors for population")
}

func TestStore_SearchConvertsSimilarityToL2(t *testing.T) {
	s, err := chromem.New(3)
	require.NoError(t, err)
	defer s.Close()

	addRecord(t, s, "u1", "match", "exact match", time.Time{}, []float32{1, 0, 0})
	addRecord(t, s, "u1", "orthogonal", "unrelated", time.Time{}, []float32{0, 1, 0})

	// Identical unit vectors: similarity 1, L2 distance 0. Orthogonal:
	// similarity 0, L2 distance sqrt(2), outside a 1.0 cutoff.
	results, err := s.Search(context.Background(), "u1", []float32{1, 0, 0}, 10, 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "match", results[0].Record.ID)
	assert.InDelta(t, 0, float64(results[0].Distance), 1e-3)

	// Widening the cutoff admits the orthogonal record, still ascending.
	results, err = s.Search(context.Background(), "u1", []float32{1, 0, 0}, 10, 2.0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "match", results[0].Record.ID)
	assert.InDelta(t, 1.414, float64(results[1].Distance), 1e-2)
}

func TestStore_UserIsolation(t *testing.T) {
	s, err := chromem.New(3)
	require.NoError(t, err)
	defer s.Close()

	addRecord(t, s, "u1", "mine", "u1 memory", time.Time{}, []float32{1, 0, 0})

	results, err := s.Search(context.Background(), "u2", []float32{1, 0, 0}, 10, 2.0)
	require.NoError(t, err)
	assert.Empty(t, results)

	recs, err := s.ScrollRecent(context.Background(), "u2", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStore_AddFillsIDAndTimestamp(t *testing.T) {
	s, err := chromem.New(3)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Add(context.Background(), "u1", core.Record{Text: "note"}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 1, s.Count("u1"))
}

func TestStore_MetadataRoundTrip(t *testing.T) {
	s, err := chromem.New(3)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(context.Background(), "u1", core.Record{
		ID:       "m1",
		Text:     "tagged memory",
		Metadata: map[string]string{"source": "conversation"},
	}, []float32{1, 0, 0})
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "u1", []float32{1, 0, 0}, 1, 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "conversation", results[0].Record.Metadata["source"])
	assert.False(t, results[0].Record.CreatedAt.IsZero())
}

func TestStore_DimensionValidation(t *testing.T) {
	s, err := chromem.New(3)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(context.Background(), "u1", core.Record{Text: "bad"}, []float32{1, 0})
	require.Error(t, err)

	_, err = s.Search(context.Background(), "u1", []float32{1, 0}, 1, 1.0)
	require.Error(t, err)
}
