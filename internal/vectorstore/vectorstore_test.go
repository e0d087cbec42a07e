package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkyindex/chunky/internal/storekit"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	db, err := storekit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	tbl, err := New(context.Background(), db, "summaries")
	require.NoError(t, err)
	return tbl
}

func TestPutGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)

	vec := []float32{1, 0, 0}
	require.NoError(t, tbl.Put(ctx, vec, 1))

	got, err := tbl.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, vec, got)
}

func TestDecodeVector_WrongLength_CorruptData(t *testing.T) {
	_, err := DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNearestNeighbors_TopKSoundness(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)

	require.NoError(t, tbl.Put(ctx, []float32{1, 0}, 1))
	require.NoError(t, tbl.Put(ctx, []float32{0.9, 0.1}, 2))
	require.NoError(t, tbl.Put(ctx, []float32{0, 1}, 3))
	require.NoError(t, tbl.Put(ctx, []float32{-1, 0}, 4))

	matches, err := tbl.NearestNeighbors(ctx, []float32{1, 0}, 2, Cosine, 0)
	require.NoError(t, err)
	require.LessOrEqual(t, len(matches), 2)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, 0.0)
	}
}

func TestNearestNeighbors_MinScoreFilters(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)

	require.NoError(t, tbl.Put(ctx, []float32{1, 0}, 1))
	require.NoError(t, tbl.Put(ctx, []float32{-1, 0}, 2))

	matches, err := tbl.NearestNeighbors(ctx, []float32{1, 0}, 5, Cosine, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].ID)
}

func TestRemove_ThenPutAllowed(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)

	require.NoError(t, tbl.Put(ctx, []float32{1, 2}, 5))
	require.NoError(t, tbl.Remove(ctx, 5))

	exists, err := tbl.Exists(ctx, 5)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tbl.Put(ctx, []float32{3, 4}, 5))
	got, err := tbl.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got)
}
