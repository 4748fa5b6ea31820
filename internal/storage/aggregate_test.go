package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecache/internal/common"
)

func testAggregateStore(t *testing.T) (*AggregateStore, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aggregates.db")

	as, err := OpenAggregateStore(path)
	require.NoError(t, err, "failed to open aggregate store")

	return as, func() {
		as.Close()
	}
}

func TestAggregateStoreRecordSample(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()
	ctx := context.Background()

	day := time.Date(2025, 6, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, as.RecordSample(ctx, "recovery_score", day, 74))
	require.NoError(t, as.RecordSample(ctx, "recovery_score", day.Add(2*time.Hour), 81))
	require.NoError(t, as.RecordSample(ctx, "recovery_score", day.Add(5*time.Hour), 68))

	agg, err := as.Day(ctx, "recovery_score", day)
	require.NoError(t, err)
	assert.Equal(t, "recovery_score", agg.Metric)
	assert.Equal(t, "2025-06-14", agg.Day)
	assert.Equal(t, int64(3), agg.Count)
	assert.Equal(t, float64(74+81+68), agg.Sum)
	assert.Equal(t, float64(68), agg.Min)
	assert.Equal(t, float64(81), agg.Max)
	assert.Equal(t, []float64{74, 81, 68}, agg.Samples)
	assert.InDelta(t, 74.33, agg.Mean(), 0.01)
}

func TestAggregateStoreDayBoundaries(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()
	ctx := context.Background()

	// Two samples either side of midnight land in different rows.
	require.NoError(t, as.RecordSample(ctx, "sleep_hours",
		time.Date(2025, 6, 14, 23, 55, 0, 0, time.UTC), 7.2))
	require.NoError(t, as.RecordSample(ctx, "sleep_hours",
		time.Date(2025, 6, 15, 0, 5, 0, 0, time.UTC), 6.8))

	first, err := as.Day(ctx, "sleep_hours", time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Count)

	second, err := as.Day(ctx, "sleep_hours", time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Count)
}

func TestAggregateStoreMetricsAreIndependent(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, as.RecordSample(ctx, "resting_hr", at, 58))
	require.NoError(t, as.RecordSample(ctx, "strain", at, 14.2))

	hr, err := as.Day(ctx, "resting_hr", at)
	require.NoError(t, err)
	assert.Equal(t, float64(58), hr.Sum)

	strain, err := as.Day(ctx, "strain", at)
	require.NoError(t, err)
	assert.Equal(t, 14.2, strain.Sum)
}

func TestAggregateStoreSampleCap(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxDaySamples+10; i++ {
		require.NoError(t, as.RecordSample(ctx, "heart_rate", at.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	agg, err := as.Day(ctx, "heart_rate", at)
	require.NoError(t, err)
	assert.Equal(t, int64(maxDaySamples+10), agg.Count, "count keeps covering every sample")
	require.Len(t, agg.Samples, maxDaySamples, "raw samples are capped")
	assert.Equal(t, float64(10), agg.Samples[0], "oldest samples roll off first")
	assert.Equal(t, float64(maxDaySamples+9), agg.Samples[len(agg.Samples)-1])
}

func TestAggregateStoreRange(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()
	ctx := context.Background()

	days := []time.Time{
		time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 12, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 14, 8, 0, 0, 0, time.UTC),
	}
	for i, d := range days {
		require.NoError(t, as.RecordSample(ctx, "recovery_score", d, float64(70+i)))
	}
	// Outside the queried range.
	require.NoError(t, as.RecordSample(ctx, "recovery_score",
		time.Date(2025, 6, 20, 8, 0, 0, 0, time.UTC), 99))

	aggs, err := as.Range(ctx, "recovery_score", days[0], days[2])
	require.NoError(t, err)
	require.Len(t, aggs, 3, "days without samples are absent, not zero rows")
	assert.Equal(t, "2025-06-10", aggs[0].Day)
	assert.Equal(t, "2025-06-12", aggs[1].Day)
	assert.Equal(t, "2025-06-14", aggs[2].Day)
}

func TestAggregateStoreDayNotFound(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()

	_, err := as.Day(context.Background(), "recovery_score", time.Now())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAggregateStoreUpsertDay(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()
	ctx := context.Background()

	day := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	agg := &DayAggregate{
		Metric:  "sleep_hours",
		Day:     day.Format(DayLayout),
		Count:   2,
		Sum:     15.5,
		Min:     7.25,
		Max:     8.25,
		Samples: []float64{7.25, 8.25},
	}
	require.NoError(t, as.UpsertDay(ctx, agg))

	got, err := as.Day(ctx, "sleep_hours", day)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Count)
	assert.Equal(t, []float64{7.25, 8.25}, got.Samples)
	assert.False(t, got.UpdatedAt.IsZero(), "upsert should stamp updated_at")

	// A second upsert replaces the row rather than merging into it.
	agg.Count = 1
	agg.Sum = 6
	agg.Min = 6
	agg.Max = 6
	agg.Samples = []float64{6}
	require.NoError(t, as.UpsertDay(ctx, agg))

	got, err = as.Day(ctx, "sleep_hours", day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Count)
	assert.Equal(t, []float64{6}, got.Samples)

	err = as.UpsertDay(ctx, &DayAggregate{Metric: "sleep_hours", Day: "June 14"})
	assert.ErrorIs(t, err, common.ErrInvalidKey, "malformed day key must be rejected")
}

func TestAggregateStoreEmptyMetricRejected(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()

	err := as.RecordSample(context.Background(), "", time.Now(), 1)
	assert.ErrorIs(t, err, common.ErrInvalidKey)
}

func TestAggregateStoreVersionPurge(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aggregates.db")
	ctx := context.Background()

	as, err := OpenAggregateStore(path)
	require.NoError(t, err)
	require.NoError(t, as.RecordSample(ctx, "recovery_score", time.Now(), 75))
	require.NoError(t, as.Store().SetVersionMarker(ctx, SchemaVersion-1))
	require.NoError(t, as.Close())

	as2, err := OpenAggregateStore(path)
	require.NoError(t, err)
	defer as2.Close()

	n, err := as2.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "aggregates track the same version constant as envelopes")

	ok, stored, err := as2.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(SchemaVersion), stored)

	events, err := as2.PurgeEvents(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, PurgeReasonVersionMismatch, events[0].Reason)
	assert.Equal(t, int64(1), events[0].EntriesDropped)
}

func TestAggregateStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aggregates.db")
	ctx := context.Background()

	at := time.Date(2025, 6, 14, 7, 0, 0, 0, time.UTC)
	as, err := OpenAggregateStore(path)
	require.NoError(t, err)
	require.NoError(t, as.RecordSample(ctx, "sleep_hours", at, 7.5))
	require.NoError(t, as.Close())

	as2, err := OpenAggregateStore(path)
	require.NoError(t, err)
	defer as2.Close()

	agg, err := as2.Day(ctx, "sleep_hours", at)
	require.NoError(t, err)
	assert.Equal(t, 7.5, agg.Sum)
	assert.Equal(t, []float64{7.5}, agg.Samples)
}

func TestAggregateStoreClear(t *testing.T) {
	t.Parallel()
	as, cleanup := testAggregateStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, as.RecordSample(ctx, "strain", time.Date(2025, 6, 14, 18, 0, 0, 0, time.UTC), 12))
	require.NoError(t, as.RecordSample(ctx, "strain", time.Date(2025, 6, 13, 18, 0, 0, 0, time.UTC), 9))

	dropped, err := as.Clear(ctx, PurgeReasonManual)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)

	n, err := as.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAggregateStoreRecreatesUnreadableFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aggregates.db")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	as, err := OpenAggregateStore(path)
	require.NoError(t, err, "a corrupt aggregate file must not block startup")
	defer as.Close()

	n, err := as.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
