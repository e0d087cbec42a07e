package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkyindex/chunky/internal/storekit"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := storekit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l, err := New(context.Background(), db, "answers")
	require.NoError(t, err)
	return l
}

// frozenClock returns base on every call, so every clock-stamped put after
// the first goes through the tiebreak path.
func frozenClock(base time.Time) Clock {
	return func() time.Time { return base }
}

func TestPut_MonotonicEvenWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	db, err := storekit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := newWithClock(ctx, db, "answers", frozenClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	var stamps []string
	for i := 0; i < 5; i++ {
		id, err := l.Put(ctx, "value", time.Time{})
		require.NoError(t, err)
		e, err := l.Get(ctx, id)
		require.NoError(t, err)
		stamps = append(stamps, e.Timestamp)
	}
	for i := 1; i < len(stamps); i++ {
		assert.Less(t, stamps[i-1], stamps[i], "timestamps must be strictly increasing")
	}
}

func TestClear_ResetsTiebreakCounter(t *testing.T) {
	ctx := context.Background()
	db, err := storekit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := newWithClock(ctx, db, "answers", frozenClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	_, err = l.Put(ctx, "a", time.Time{})
	require.NoError(t, err)
	_, err = l.Put(ctx, "b", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, l.tiebreak)

	require.NoError(t, l.Clear(ctx))
	assert.Equal(t, 0, l.tiebreak)
	assert.Equal(t, "", l.lastStamp)

	entries, err := l.IterateAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetNewest_ReturnsLastTwoDescending(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := l.Put(ctx, "v", ts.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	newest, err := l.GetNewest(ctx, 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, ids[4], newest[0].LogID)
	assert.Equal(t, ids[3], newest[1].LogID)
}

func TestGetTimeRange_AndEntriesInRangeInclusive(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := l.Put(ctx, "v", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	start, stop, err := l.GetTimeRange(ctx)
	require.NoError(t, err)
	require.NotNil(t, start)
	require.NotNil(t, stop)
	assert.Equal(t, base.Format(timestampLayout), *start)
	assert.Equal(t, base.Add(4*time.Hour).Format(timestampLayout), *stop)

	mid := base.Add(1 * time.Hour).Format(timestampLayout)
	last := base.Add(3 * time.Hour).Format(timestampLayout)
	entries, err := l.GetEntriesInRange(ctx, mid, last)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRemoveInRange_DeletesInclusive(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := l.Put(ctx, "v", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	start := base.Format(timestampLayout)
	stop := base.Add(2 * time.Hour).Format(timestampLayout)
	require.NoError(t, l.RemoveInRange(ctx, start, stop))

	remaining, err := l.IterateAll(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, base.Add(3*time.Hour).Format(timestampLayout), remaining[0].Timestamp)
}

func TestGetMultiple_OnePerInputPositionWithNilForMissing(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	id, err := l.Put(ctx, "v", time.Now())
	require.NoError(t, err)

	results, err := l.GetMultiple(ctx, []int64{id, 999, id})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.NotNil(t, results[2])
}
