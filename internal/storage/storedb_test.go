package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreDB opens a fresh cache store and hands back its query layer.
func testStoreDB(t *testing.T) *StoreDB {
	t.Helper()
	ds, cleanup := testDiskStore(t)
	t.Cleanup(cleanup)
	return ds.Store()
}

func TestSchemaInfo(t *testing.T) {
	t.Parallel()
	sdb := testStoreDB(t)
	ctx := context.Background()

	t.Run("missing key reads as empty", func(t *testing.T) {
		v, err := sdb.GetSchemaInfo(ctx, "no_such_key")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, sdb.SetSchemaInfo(ctx, "note", "first"))
		require.NoError(t, sdb.SetSchemaInfo(ctx, "note", "second"))

		v, err := sdb.GetSchemaInfo(ctx, "note")
		require.NoError(t, err)
		assert.Equal(t, "second", v, "SetSchemaInfo should upsert")
	})

	t.Run("fresh store carries type and created_at", func(t *testing.T) {
		kind, err := sdb.GetSchemaInfo(ctx, "type")
		require.NoError(t, err)
		assert.Equal(t, StoreKindCache, kind)

		created, err := sdb.GetSchemaInfo(ctx, "created_at")
		require.NoError(t, err)
		assert.NotEmpty(t, created)
	})
}

func TestVersionMarker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fresh store is stamped with current version", func(t *testing.T) {
		t.Parallel()
		sdb := testStoreDB(t)

		v, found, err := sdb.GetVersionMarker(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(SchemaVersion), v)
	})

	t.Run("absent marker reads as not found", func(t *testing.T) {
		t.Parallel()
		sdb := testStoreDB(t)

		_, err := sdb.NewRaw(`DELETE FROM schema_info WHERE key = 'version'`).Exec(ctx)
		require.NoError(t, err)

		v, found, err := sdb.GetVersionMarker(ctx)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Zero(t, v)
	})

	t.Run("unparseable marker reads as not found", func(t *testing.T) {
		t.Parallel()
		sdb := testStoreDB(t)

		require.NoError(t, sdb.SetSchemaInfo(ctx, "version", "banana"))

		_, found, err := sdb.GetVersionMarker(ctx)
		require.NoError(t, err, "an unreadable marker is a mismatch, not a failure")
		assert.False(t, found)
	})

	t.Run("set rewrites the marker", func(t *testing.T) {
		t.Parallel()
		sdb := testStoreDB(t)

		require.NoError(t, sdb.SetVersionMarker(ctx, 42))
		v, found, err := sdb.GetVersionMarker(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(42), v)
	})
}

func TestUpsertEnvelopeMaintainsIndex(t *testing.T) {
	t.Parallel()
	sdb := testStoreDB(t)
	ctx := context.Background()

	at := time.Now()
	env := testEnvelope("sleep:daily", "0123456789", at)
	env.SchemaVersion = SchemaVersion
	require.NoError(t, sdb.UpsertEnvelope(ctx, env))

	rows, err := sdb.ListIndexOldest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sleep:daily", rows[0].Key)
	assert.Equal(t, at.UnixMilli(), rows[0].CachedAt)
	assert.Equal(t, env.Cost(), rows[0].Cost)

	// A refresh moves the index row along with the envelope.
	later := at.Add(time.Minute)
	env2 := testEnvelope("sleep:daily", "01234", later)
	env2.SchemaVersion = SchemaVersion
	require.NoError(t, sdb.UpsertEnvelope(ctx, env2))

	rows, err = sdb.ListIndexOldest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, later.UnixMilli(), rows[0].CachedAt)
	assert.Equal(t, env2.Cost(), rows[0].Cost)
}

func TestListIndexOldestOrdering(t *testing.T) {
	t.Parallel()
	sdb := testStoreDB(t)
	ctx := context.Background()

	base := time.Now()
	for _, row := range []struct {
		key string
		at  time.Time
	}{
		{"zebra", base},
		{"apple", base},
		{"mango", base.Add(-time.Hour)},
		{"berry", base.Add(time.Hour)},
	} {
		env := testEnvelope(row.key, "{}", row.at)
		env.SchemaVersion = SchemaVersion
		require.NoError(t, sdb.UpsertEnvelope(ctx, env))
	}

	rows, err := sdb.ListIndexOldest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	assert.Equal(t, []string{"mango", "apple", "zebra", "berry"}, keys,
		"oldest first, ascending key on equal timestamps")
}

func TestDeleteEnvelopesByKeys(t *testing.T) {
	t.Parallel()
	sdb := testStoreDB(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		env := testEnvelope(key, "{}", time.Now())
		env.SchemaVersion = SchemaVersion
		require.NoError(t, sdb.UpsertEnvelope(ctx, env))
	}

	require.NoError(t, sdb.DeleteEnvelopesByKeys(ctx, nil), "empty key list is a no-op")
	require.NoError(t, sdb.DeleteEnvelopesByKeys(ctx, []string{"a", "c"}))

	n, err := sdb.CountEnvelopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := sdb.ListIndexOldest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "index rows go with their envelopes")
	assert.Equal(t, "b", rows[0].Key)
}

func TestSumEnvelopeCostEmpty(t *testing.T) {
	t.Parallel()
	sdb := testStoreDB(t)

	total, err := sdb.SumEnvelopeCost(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total, "SUM over no rows reads as zero, not NULL")
}

func TestPurgeEventOrdering(t *testing.T) {
	t.Parallel()
	sdb := testStoreDB(t)
	ctx := context.Background()

	require.NoError(t, sdb.InsertPurgeEvent(ctx, PurgeReasonVersionMismatch, 1, 2, 10))
	require.NoError(t, sdb.InsertPurgeEvent(ctx, PurgeReasonManual, 2, 2, 4))

	events, err := sdb.ListPurgeEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)

	reasons := []string{events[0].Reason, events[1].Reason}
	assert.ElementsMatch(t, []string{PurgeReasonVersionMismatch, PurgeReasonManual}, reasons)
}
