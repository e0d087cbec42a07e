package storekit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectTable_TextKeyCodec_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tbl, err := NewObjectTable[string](ctx, db, "chunks", TextKeyCodec{})
	require.NoError(t, err)

	require.NoError(t, tbl.Put(ctx, "c1", `{"id":"c1"}`))
	require.NoError(t, tbl.Put(ctx, "c2", `{"id":"c2"}`))

	v, err := tbl.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"c1"}`, v)

	missing, err := tbl.Get(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "", missing)

	n, err := tbl.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := tbl.AllObjects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, `{"id":"c1"}`, all["c1"])

	require.NoError(t, tbl.Remove(ctx, "c1"))
	v, err = tbl.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestObjectTable_IntKeyCodec_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tbl, err := NewObjectTable[int64](ctx, db, "logs", IntKeyCodec{})
	require.NoError(t, err)

	require.NoError(t, tbl.Put(ctx, 1, "first"))
	require.NoError(t, tbl.Put(ctx, 2, "second"))

	v, err := tbl.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	all, err := tbl.AllObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "first", 2: "second"}, all)
}

func TestObjectTable_Put_OverwritesExisting(t *testing.T) {
	ctx := context.Background()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tbl, err := NewObjectTable[string](ctx, db, "chunks", TextKeyCodec{})
	require.NoError(t, err)

	require.NoError(t, tbl.Put(ctx, "c1", "v1"))
	require.NoError(t, tbl.Put(ctx, "c1", "v2"))

	v, err := tbl.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	n, err := tbl.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
