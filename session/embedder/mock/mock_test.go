package mock_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/recall/session/embedder/mock"
)

func TestEmbedder_Deterministic(t *testing.T) {
	emb := mock.New(32)

	a, err := emb.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := emb.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := emb.Embed(context.Background(), "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEmbedder_UnitVectors(t *testing.T) {
	emb := mock.New(32)
	v, err := emb.Embed(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, v, 32)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestEmbedder_FailHook(t *testing.T) {
	emb := mock.New(8)
	emb.Fail = context.DeadlineExceeded
	_, err := emb.Embed(context.Background(), "anything")
	require.Error(t, err)
}
