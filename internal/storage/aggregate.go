package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"pulsecache/internal/common"
	"pulsecache/internal/util"
)

// DayLayout is the canonical day key format for aggregate rows.
const DayLayout = "2006-01-02"

// maxDaySamples caps the raw samples kept per (metric, day) row. Older
// samples roll off; count/sum/min/max keep covering the whole day.
const maxDaySamples = 96

// AggregateStore persists per-day metric summaries (recovery scores,
// resting heart rate, sleep hours) in its own SQLite file. It tracks the
// same SchemaVersion as the envelope store: a version bump wipes both.
type AggregateStore struct {
	path    string
	db      *sql.DB
	storeDB *StoreDB
}

// OpenAggregateStore opens (creating if necessary) the aggregate store at
// path with default context.
func OpenAggregateStore(path string) (*AggregateStore, error) {
	return OpenAggregateStoreWithContext(path, DBContextDefault)
}

// OpenAggregateStoreWithContext opens the aggregate store with the
// specified database context. Runs the same startup version protocol as
// the envelope store, purging aggregate rows when the stored marker does
// not match SchemaVersion.
func OpenAggregateStoreWithContext(path string, dbCtx DBContext) (*AggregateStore, error) {
	dir := filepath.Dir(path)
	if err := common.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	release := bootstrapLock(dir)
	defer release()

	db, sdb, err := openAggregateDB(path, dbCtx)
	if err != nil {
		return nil, err
	}

	out, err := ensureVersion(context.Background(), sdb, sdb.PurgeDayAggregates)
	if err != nil {
		db.Close()
		return nil, err
	}
	if out.Purged {
		log.Infof("[AggregateStore] Schema version changed (stored=%d, current=%d): purged %d day rows",
			out.Stored, SchemaVersion, out.Dropped)
	}

	return &AggregateStore{
		path:    path,
		db:      db,
		storeDB: sdb,
	}, nil
}

// openAggregateDB opens the aggregate database with the same
// destroy-and-recreate corruption recovery as the envelope store.
func openAggregateDB(path string, dbCtx DBContext) (*sql.DB, *StoreDB, error) {
	db, sdb, err := openVersionedDB(path, dbCtx, aggregateFileSchema, initAggregateFile)
	if err == nil {
		kind, kerr := sdb.GetSchemaInfo(context.Background(), "type")
		switch {
		case kerr != nil:
			err = kerr
		case kind != StoreKindAggregates:
			err = fmt.Errorf("not an aggregate store (type=%q)", kind)
		default:
			return db, sdb, nil
		}
		db.Close()
	}

	log.Errorf("[AggregateStore] Unreadable aggregate database at %s, recreating: %v", path, err)
	destroyStoreFiles(path)

	db, sdb, err = openVersionedDB(path, dbCtx, aggregateFileSchema, initAggregateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to recreate aggregate database: %w", err)
	}
	if herr := sdb.InsertPurgeEvent(context.Background(), PurgeReasonCorruption, 0, SchemaVersion, 0); herr != nil {
		log.Warnf("[AggregateStore] Failed to record corruption purge: %v", herr)
	}
	return db, sdb, nil
}

// RecordSample merges one metric sample into its day row: bumps count,
// sum, min and max, and appends the raw value (bounded by maxDaySamples).
// The read-modify-write runs in a transaction with lock retries, so the
// application and a sync job can record concurrently without lost
// updates.
func (as *AggregateStore) RecordSample(ctx context.Context, metric string, at time.Time, value float64) error {
	if metric == "" {
		return fmt.Errorf("%w: empty metric", common.ErrInvalidKey)
	}
	day := at.Format(DayLayout)
	return util.Retry(ctx,
		func() error {
			return as.mergeSample(ctx, metric, day, at, value)
		},
		util.DatabaseRetryOptions(ctx)...)
}

func (as *AggregateStore) mergeSample(ctx context.Context, metric, day string, at time.Time, value float64) error {
	return as.storeDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var model DayAggregateModel
		err := tx.NewSelect().
			Model(&model).
			Where("metric = ?", metric).
			Where("day = ?", day).
			Scan(ctx)

		agg := &DayAggregate{Metric: metric, Day: day, Min: value, Max: value}
		switch {
		case err == sql.ErrNoRows:
			// first sample of the day
		case err != nil:
			return err
		default:
			prev, derr := model.ToDayAggregate()
			if derr != nil {
				// An undecodable samples blob resets the day rather than
				// poisoning every later write to it.
				log.Warnf("[AggregateStore] Resetting %s/%s, samples blob undecodable: %v", metric, day, derr)
			} else {
				agg = prev
			}
		}

		agg.Count++
		agg.Sum += value
		if value < agg.Min {
			agg.Min = value
		}
		if value > agg.Max {
			agg.Max = value
		}
		agg.Samples = append(agg.Samples, value)
		if len(agg.Samples) > maxDaySamples {
			agg.Samples = agg.Samples[len(agg.Samples)-maxDaySamples:]
		}
		agg.UpdatedAt = at

		out, err := DayAggregateModelFromAggregate(agg)
		if err != nil {
			return err
		}
		_, err = tx.NewInsert().
			Model(out).
			On("CONFLICT (metric, day) DO UPDATE").
			Set("count = EXCLUDED.count").
			Set("sum = EXCLUDED.sum").
			Set("min = EXCLUDED.min").
			Set("max = EXCLUDED.max").
			Set("samples = EXCLUDED.samples").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

// UpsertDay replaces one (metric, day) row wholesale. Backfill jobs use
// this to land precomputed day summaries; incremental recording should
// go through RecordSample instead.
func (as *AggregateStore) UpsertDay(ctx context.Context, agg *DayAggregate) error {
	if agg.Metric == "" {
		return fmt.Errorf("%w: empty metric", common.ErrInvalidKey)
	}
	if _, err := time.Parse(DayLayout, agg.Day); err != nil {
		return fmt.Errorf("%w: day %q is not %s", common.ErrInvalidKey, agg.Day, DayLayout)
	}
	if agg.UpdatedAt.IsZero() {
		agg.UpdatedAt = time.Now()
	}
	model, err := DayAggregateModelFromAggregate(agg)
	if err != nil {
		return err
	}
	return as.storeDB.UpsertDayAggregate(ctx, model)
}

// Day returns the aggregate for one (metric, day).
// Returns common.ErrNotFound if no samples were recorded that day.
func (as *AggregateStore) Day(ctx context.Context, metric string, day time.Time) (*DayAggregate, error) {
	model, err := as.storeDB.GetDayAggregate(ctx, metric, day.Format(DayLayout))
	if err != nil {
		return nil, err
	}
	agg, err := model.ToDayAggregate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorrupt, err)
	}
	return agg, nil
}

// Range returns metric's aggregates for from..to inclusive, ascending by
// day. Days with no samples are simply absent. Rows whose samples blob
// cannot be decoded are returned without their samples.
func (as *AggregateStore) Range(ctx context.Context, metric string, from, to time.Time) ([]DayAggregate, error) {
	models, err := as.storeDB.ListDayAggregates(ctx, metric, from.Format(DayLayout), to.Format(DayLayout))
	if err != nil {
		return nil, err
	}
	aggs := make([]DayAggregate, 0, len(models))
	for i := range models {
		agg, derr := models[i].ToDayAggregate()
		if derr != nil {
			log.Warnf("[AggregateStore] Dropping samples for %s/%s: %v", models[i].Metric, models[i].Day, derr)
			agg = &DayAggregate{
				Metric:    models[i].Metric,
				Day:       models[i].Day,
				Count:     models[i].Count,
				Sum:       models[i].Sum,
				Min:       models[i].Min,
				Max:       models[i].Max,
				UpdatedAt: time.UnixMilli(models[i].UpdatedAt),
			}
		}
		aggs = append(aggs, *agg)
	}
	return aggs, nil
}

// Clear drops every aggregate row and records the purge with the given
// reason. Reports the number of rows dropped.
func (as *AggregateStore) Clear(ctx context.Context, reason string) (int64, error) {
	dropped, err := as.storeDB.PurgeDayAggregates(ctx)
	if err != nil {
		return 0, err
	}
	if err := as.storeDB.InsertPurgeEvent(ctx, reason, SchemaVersion, SchemaVersion, dropped); err != nil {
		log.Warnf("[AggregateStore] Failed to record purge event: %v", err)
	}
	return dropped, nil
}

// Count returns the number of (metric, day) rows.
func (as *AggregateStore) Count(ctx context.Context) (int64, error) {
	return as.storeDB.CountDayAggregates(ctx)
}

// PurgeEvents returns up to limit purge audit rows, newest first.
func (as *AggregateStore) PurgeEvents(ctx context.Context, limit int) ([]PurgeEvent, error) {
	models, err := as.storeDB.ListPurgeEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	events := make([]PurgeEvent, len(models))
	for i := range models {
		events[i] = *models[i].ToPurgeEvent()
	}
	return events, nil
}

// Verify re-checks the version marker against SchemaVersion, logging a
// warning on mismatch.
func (as *AggregateStore) Verify(ctx context.Context) (bool, int64, error) {
	return VerifyMarker(ctx, as.storeDB, StoreKindAggregates)
}

// Close closes the database connection.
func (as *AggregateStore) Close() error {
	if as.db != nil {
		err := as.db.Close()
		as.db = nil
		return err
	}
	return nil
}

// Path returns the file path.
func (as *AggregateStore) Path() string {
	return as.path
}

// Store exposes the typed query layer, used by the CLI and tests.
func (as *AggregateStore) Store() *StoreDB {
	return as.storeDB
}
