package storage

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"pulsecache/internal/common"
	"pulsecache/internal/util"
)

// StoreDB wraps a Bun database instance for type-safe queries.
type StoreDB struct {
	*bun.DB
}

// NewStoreDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewStoreDB(sqlDB *sql.DB) *StoreDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &StoreDB{DB: bunDB}
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *StoreDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *StoreDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// GetVersionMarker reads the store's schema version marker.
// found is false when the marker is absent (a pre-versioning store).
func (db *StoreDB) GetVersionMarker(ctx context.Context) (version int64, found bool, err error) {
	raw, err := db.GetSchemaInfo(ctx, "version")
	if err != nil {
		return 0, false, err
	}
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// An unreadable marker counts as a mismatch, not a failure.
		return 0, false, nil
	}
	return v, true, nil
}

// SetVersionMarker writes the store's schema version marker (upserts).
func (db *StoreDB) SetVersionMarker(ctx context.Context, version int64) error {
	return db.SetSchemaInfo(ctx, "version", strconv.FormatInt(version, 10))
}

// --- Envelope Operations ---

// GetEnvelope retrieves the envelope for a key.
// Returns common.ErrNotFound if no envelope exists.
func (db *StoreDB) GetEnvelope(ctx context.Context, key string) (*EnvelopeModel, error) {
	var env EnvelopeModel
	err := db.NewSelect().
		Model(&env).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// UpsertEnvelope writes an envelope and its index row in one transaction.
// A write whose cached_at is older than the stored row's is rejected with
// common.ErrStaleWrite: refreshes move forward in time only.
// Uses retry logic to handle transient "database is locked" errors that can
// occur when the application and CLI both have the store open.
func (db *StoreDB) UpsertEnvelope(ctx context.Context, env *Envelope) error {
	return util.Retry(ctx,
		func() error {
			return db.upsertEnvelopeInternal(ctx, env)
		},
		util.DatabaseRetryOptions(ctx)...)
}

func (db *StoreDB) upsertEnvelopeInternal(ctx context.Context, env *Envelope) error {
	model := EnvelopeModelFromEnvelope(env)
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewRaw(`
			INSERT INTO envelopes (key, schema_version, tag, payload, cached_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				schema_version = excluded.schema_version,
				tag            = excluded.tag,
				payload        = excluded.payload,
				cached_at      = excluded.cached_at
			WHERE excluded.cached_at >= envelopes.cached_at
		`, model.Key, model.SchemaVersion, model.Tag, model.Payload, model.CachedAt).Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return common.ErrStaleWrite
		}
		_, err = tx.NewRaw(`
			INSERT INTO envelope_index (key, cached_at, cost)
			VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				cached_at = excluded.cached_at,
				cost      = excluded.cost
		`, model.Key, model.CachedAt, env.Cost()).Exec(ctx)
		return err
	})
}

// DeleteEnvelope removes a key's envelope and index row.
// Reports the number of envelope rows removed (0 or 1).
func (db *StoreDB) DeleteEnvelope(ctx context.Context, key string) (int64, error) {
	var removed int64
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*EnvelopeModel)(nil)).
			Where("key = ?", key).
			Exec(ctx)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.NewDelete().
			Model((*EnvelopeIndexModel)(nil)).
			Where("key = ?", key).
			Exec(ctx)
		return err
	})
	return removed, err
}

// DeleteEnvelopesByKeys removes the given keys from both tables.
func (db *StoreDB) DeleteEnvelopesByKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*EnvelopeModel)(nil)).
			Where("key IN (?)", bun.In(keys)).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*EnvelopeIndexModel)(nil)).
			Where("key IN (?)", bun.In(keys)).
			Exec(ctx)
		return err
	})
}

// PurgeEnvelopes drops every envelope and index row.
// Reports the number of envelopes dropped.
func (db *StoreDB) PurgeEnvelopes(ctx context.Context) (int64, error) {
	var dropped int64
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		count, err := tx.NewSelect().Model((*EnvelopeModel)(nil)).Count(ctx)
		if err != nil {
			return err
		}
		dropped = int64(count)
		if _, err := tx.NewDelete().Model((*EnvelopeModel)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return err
		}
		_, err = tx.NewDelete().Model((*EnvelopeIndexModel)(nil)).Where("1 = 1").Exec(ctx)
		return err
	})
	return dropped, err
}

// CountEnvelopes returns the number of persisted envelopes.
func (db *StoreDB) CountEnvelopes(ctx context.Context) (int64, error) {
	count, err := db.NewSelect().Model((*EnvelopeModel)(nil)).Count(ctx)
	return int64(count), err
}

// SumEnvelopeCost returns the aggregate cost of all envelopes,
// computed from the index side table.
func (db *StoreDB) SumEnvelopeCost(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := db.NewRaw(`SELECT SUM(cost) FROM envelope_index`).Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	if total.Valid {
		return total.Int64, nil
	}
	return 0, nil
}

// ListIndexOldest returns up to limit index rows in eviction order:
// oldest cached_at first, ascending key as the deterministic tie-break.
func (db *StoreDB) ListIndexOldest(ctx context.Context, limit int) ([]EnvelopeIndexModel, error) {
	var rows []EnvelopeIndexModel
	err := db.NewSelect().
		Model(&rows).
		OrderExpr("cached_at ASC, key ASC").
		Limit(limit).
		Scan(ctx)
	return rows, err
}

// ListIndexNewest returns up to limit index rows, newest first.
func (db *StoreDB) ListIndexNewest(ctx context.Context, limit int) ([]EnvelopeIndexModel, error) {
	var rows []EnvelopeIndexModel
	err := db.NewSelect().
		Model(&rows).
		OrderExpr("cached_at DESC, key ASC").
		Limit(limit).
		Scan(ctx)
	return rows, err
}

// RecentEnvelopes returns up to limit envelopes, newest first.
// Used to warm the memory store at startup.
func (db *StoreDB) RecentEnvelopes(ctx context.Context, limit int) ([]EnvelopeModel, error) {
	var envs []EnvelopeModel
	err := db.NewSelect().
		Model(&envs).
		OrderExpr("cached_at DESC, key ASC").
		Limit(limit).
		Scan(ctx)
	return envs, err
}

// DeleteEnvelopesOlderThan removes every envelope whose cached_at is
// before cutoff, regardless of whether it is still being served.
// Reports the number of envelopes removed.
func (db *StoreDB) DeleteEnvelopesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UnixMilli()
	var removed int64
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*EnvelopeModel)(nil)).
			Where("cached_at < ?", cutoffMs).
			Exec(ctx)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.NewDelete().
			Model((*EnvelopeIndexModel)(nil)).
			Where("cached_at < ?", cutoffMs).
			Exec(ctx)
		return err
	})
	return removed, err
}

// --- Purge History Operations ---

// InsertPurgeEvent records a purge in the audit trail.
func (db *StoreDB) InsertPurgeEvent(ctx context.Context, reason string, fromVersion, toVersion, entriesDropped int64) error {
	_, err := db.NewInsert().
		Model(&PurgeEventModel{
			ID:             uuid.New().String(),
			Reason:         reason,
			FromVersion:    fromVersion,
			ToVersion:      toVersion,
			EntriesDropped: entriesDropped,
			PurgedAt:       time.Now().UnixMilli(),
		}).
		Exec(ctx)
	return err
}

// ListPurgeEvents returns up to limit purge events, newest first.
func (db *StoreDB) ListPurgeEvents(ctx context.Context, limit int) ([]PurgeEventModel, error) {
	var events []PurgeEventModel
	err := db.NewSelect().
		Model(&events).
		OrderExpr("purged_at DESC, id ASC").
		Limit(limit).
		Scan(ctx)
	return events, err
}

// --- Day Aggregate Operations ---

// UpsertDayAggregate inserts or updates one (metric, day) row.
// Uses retry logic for transient lock errors, like envelope writes.
func (db *StoreDB) UpsertDayAggregate(ctx context.Context, model *DayAggregateModel) error {
	return util.Retry(ctx,
		func() error {
			_, err := db.NewInsert().
				Model(model).
				On("CONFLICT (metric, day) DO UPDATE").
				Set("count = EXCLUDED.count").
				Set("sum = EXCLUDED.sum").
				Set("min = EXCLUDED.min").
				Set("max = EXCLUDED.max").
				Set("samples = EXCLUDED.samples").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			return err
		},
		util.DatabaseRetryOptions(ctx)...)
}

// GetDayAggregate retrieves one (metric, day) row.
// Returns common.ErrNotFound if absent.
func (db *StoreDB) GetDayAggregate(ctx context.Context, metric, day string) (*DayAggregateModel, error) {
	var model DayAggregateModel
	err := db.NewSelect().
		Model(&model).
		Where("metric = ?", metric).
		Where("day = ?", day).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ListDayAggregates returns rows for metric with fromDay <= day <= toDay,
// ascending by day.
func (db *StoreDB) ListDayAggregates(ctx context.Context, metric, fromDay, toDay string) ([]DayAggregateModel, error) {
	var models []DayAggregateModel
	err := db.NewSelect().
		Model(&models).
		Where("metric = ?", metric).
		Where("day >= ?", fromDay).
		Where("day <= ?", toDay).
		Order("day ASC").
		Scan(ctx)
	return models, err
}

// PurgeDayAggregates drops every aggregate row.
// Reports the number of rows dropped.
func (db *StoreDB) PurgeDayAggregates(ctx context.Context) (int64, error) {
	count, err := db.NewSelect().Model((*DayAggregateModel)(nil)).Count(ctx)
	if err != nil {
		return 0, err
	}
	_, err = db.NewDelete().Model((*DayAggregateModel)(nil)).Where("1 = 1").Exec(ctx)
	return int64(count), err
}

// CountDayAggregates returns the number of aggregate rows.
func (db *StoreDB) CountDayAggregates(ctx context.Context) (int64, error) {
	count, err := db.NewSelect().Model((*DayAggregateModel)(nil)).Count(ctx)
	return int64(count), err
}
