// Copyright 2025 PulseCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"

	"pulsecache/internal/common"
)

// evictBatchSize bounds how many index rows one eviction pass inspects.
const evictBatchSize = 32

// DiskStore is the durable tier of the cache: a SQLite file holding
// versioned envelopes, their eviction index, and the purge audit trail.
//
// Entries survive process restarts. The store never answers freshness
// questions (that is TTL, decided by the caller per fetch); it drops rows
// on its own only for the retention window, the byte budget, and the
// schema version protocol.
type DiskStore struct {
	path      string
	db        *sql.DB
	storeDB   *StoreDB
	maxBytes  int64
	retention time.Duration

	janitorStop chan struct{}
	janitorWG   sync.WaitGroup
}

// OpenDiskStore opens (creating if necessary) the envelope store at path.
// maxBytes bounds the aggregate envelope cost (0 disables the budget);
// retention bounds envelope age (0 disables the sweep).
func OpenDiskStore(path string, maxBytes int64, retention time.Duration) (*DiskStore, error) {
	return OpenDiskStoreWithContext(path, maxBytes, retention, DBContextDefault)
}

// OpenDiskStoreWithContext opens the envelope store with a specific
// database context (controls the busy timeout; the CLI uses a shorter
// one than the embedding application).
//
// Opening runs the startup version protocol: a stored marker that does
// not match SchemaVersion purges every envelope, stamps the current
// version, and records the purge in the audit trail. An unreadable file
// is destroyed and recreated once; a cache that cannot be opened must
// never block the application.
func OpenDiskStoreWithContext(path string, maxBytes int64, retention time.Duration, dbCtx DBContext) (*DiskStore, error) {
	dir := filepath.Dir(path)
	if err := common.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	release := bootstrapLock(dir)
	defer release()

	db, sdb, err := openCacheDB(path, dbCtx)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	out, err := ensureVersion(ctx, sdb, sdb.PurgeEnvelopes)
	if err != nil {
		db.Close()
		return nil, err
	}
	if out.Purged {
		log.Infof("[DiskStore] Schema version changed (stored=%d, current=%d): purged %d envelopes",
			out.Stored, SchemaVersion, out.Dropped)
	}

	ds := &DiskStore{
		path:      path,
		db:        db,
		storeDB:   sdb,
		maxBytes:  maxBytes,
		retention: retention,
	}

	if n, err := ds.SweepRetention(ctx); err != nil {
		log.Warnf("[DiskStore] Retention sweep failed at open: %v", err)
	} else if n > 0 {
		log.Debugf("[DiskStore] Retention sweep removed %d envelopes at open", n)
	}

	return ds, nil
}

// openCacheDB opens the cache database, destroying and recreating it when
// the existing file is unreadable or is not a cache store. A cache that
// cannot be read is worthless; one that blocks startup is worse.
func openCacheDB(path string, dbCtx DBContext) (*sql.DB, *StoreDB, error) {
	db, sdb, err := openVersionedDB(path, dbCtx, cacheFileSchema, initCacheFile)
	if err == nil {
		kind, kerr := sdb.GetSchemaInfo(context.Background(), "type")
		switch {
		case kerr != nil:
			err = kerr
		case kind != StoreKindCache:
			err = fmt.Errorf("not a cache store (type=%q)", kind)
		default:
			return db, sdb, nil
		}
		db.Close()
	}

	log.Errorf("[DiskStore] Unreadable cache database at %s, recreating: %v", path, err)
	destroyStoreFiles(path)

	db, sdb, err = openVersionedDB(path, dbCtx, cacheFileSchema, initCacheFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to recreate cache database: %w", err)
	}
	// The old audit trail went down with the old file; record the
	// corruption purge in the fresh one. The prior version is unknowable.
	if herr := sdb.InsertPurgeEvent(context.Background(), PurgeReasonCorruption, 0, SchemaVersion, 0); herr != nil {
		log.Warnf("[DiskStore] Failed to record corruption purge: %v", herr)
	}
	return db, sdb, nil
}

// Load retrieves the envelope for key. Returns common.ErrNotFound when
// the key is absent. A surviving row whose version does not match
// SchemaVersion means the marker and the data disagree; the row is
// discarded and reported as a miss.
func (ds *DiskStore) Load(ctx context.Context, key string) (*Envelope, error) {
	model, err := ds.storeDB.GetEnvelope(ctx, key)
	if err != nil {
		return nil, err
	}
	if model.SchemaVersion != SchemaVersion {
		log.Warnf("[DiskStore] Envelope %q carries schema version %d (current %d), discarding", key, model.SchemaVersion, SchemaVersion)
		if _, derr := ds.storeDB.DeleteEnvelope(ctx, key); derr != nil {
			log.Debugf("[DiskStore] Failed to discard mismatched envelope %q: %v", key, derr)
		}
		return nil, common.ErrNotFound
	}
	return model.ToEnvelope(), nil
}

// Save persists env, stamping it with the current SchemaVersion. Before
// writing it evicts oldest-first until the incoming envelope fits the
// byte budget. A write older than the stored row fails with
// common.ErrStaleWrite.
func (ds *DiskStore) Save(ctx context.Context, env *Envelope) error {
	stamped := *env
	stamped.SchemaVersion = SchemaVersion

	if _, err := ds.makeRoom(ctx, stamped.Cost()); err != nil {
		// Budget failures must not lose the write itself.
		log.Warnf("[DiskStore] Budget enforcement failed, saving anyway: %v", err)
	}
	return ds.storeDB.UpsertEnvelope(ctx, &stamped)
}

// Remove deletes key's envelope. Reports whether a row was removed.
func (ds *DiskStore) Remove(ctx context.Context, key string) (bool, error) {
	removed, err := ds.storeDB.DeleteEnvelope(ctx, key)
	return removed > 0, err
}

// Clear drops every envelope and records the purge with the given reason.
// Reports the number of envelopes dropped.
func (ds *DiskStore) Clear(ctx context.Context, reason string) (int64, error) {
	dropped, err := ds.storeDB.PurgeEnvelopes(ctx)
	if err != nil {
		return 0, err
	}
	if err := ds.storeDB.InsertPurgeEvent(ctx, reason, SchemaVersion, SchemaVersion, dropped); err != nil {
		log.Warnf("[DiskStore] Failed to record purge event: %v", err)
	}
	return dropped, nil
}

// Count returns the number of persisted envelopes.
func (ds *DiskStore) Count(ctx context.Context) (int64, error) {
	return ds.storeDB.CountEnvelopes(ctx)
}

// TotalCost returns the aggregate cost of all envelopes in bytes.
func (ds *DiskStore) TotalCost(ctx context.Context) (int64, error) {
	return ds.storeDB.SumEnvelopeCost(ctx)
}

// Recent returns up to limit envelopes, newest first. Used to warm the
// memory tier at startup.
func (ds *DiskStore) Recent(ctx context.Context, limit int) ([]*Envelope, error) {
	models, err := ds.storeDB.RecentEnvelopes(ctx, limit)
	if err != nil {
		return nil, err
	}
	envs := make([]*Envelope, 0, len(models))
	for i := range models {
		if models[i].SchemaVersion != SchemaVersion {
			continue
		}
		envs = append(envs, models[i].ToEnvelope())
	}
	return envs, nil
}

// Index returns up to limit index rows in eviction order (oldest first,
// key ascending on ties). The index carries key, cached_at and cost
// without the payloads.
func (ds *DiskStore) Index(ctx context.Context, limit int) ([]EnvelopeIndexModel, error) {
	return ds.storeDB.ListIndexOldest(ctx, limit)
}

// SweepRetention removes envelopes older than the retention window,
// regardless of per-fetch TTLs. Reports the number removed.
func (ds *DiskStore) SweepRetention(ctx context.Context) (int64, error) {
	if ds.retention <= 0 {
		return 0, nil
	}
	return ds.storeDB.DeleteEnvelopesOlderThan(ctx, time.Now().Add(-ds.retention))
}

// EnforceBudget evicts oldest-first until the store fits its byte budget.
// Reports the number of envelopes evicted.
func (ds *DiskStore) EnforceBudget(ctx context.Context) (int64, error) {
	return ds.makeRoom(ctx, 0)
}

// makeRoom evicts oldest-first until total cost plus incoming fits the
// byte budget. Eviction order comes from the index side table: cached_at
// ascending, then key ascending, so two stores with the same contents
// always pick the same victims.
func (ds *DiskStore) makeRoom(ctx context.Context, incoming int64) (int64, error) {
	if ds.maxBytes <= 0 {
		return 0, nil
	}
	total, err := ds.storeDB.SumEnvelopeCost(ctx)
	if err != nil {
		return 0, err
	}

	var evicted int64
	for total+incoming > ds.maxBytes {
		victims, err := ds.storeDB.ListIndexOldest(ctx, evictBatchSize)
		if err != nil {
			return evicted, err
		}
		if len(victims) == 0 {
			break
		}
		keys := make([]string, 0, len(victims))
		for _, v := range victims {
			if total+incoming <= ds.maxBytes {
				break
			}
			keys = append(keys, v.Key)
			total -= v.Cost
		}
		if len(keys) == 0 {
			break
		}
		if err := ds.storeDB.DeleteEnvelopesByKeys(ctx, keys); err != nil {
			return evicted, err
		}
		evicted += int64(len(keys))
	}
	if evicted > 0 {
		log.Debugf("[DiskStore] Evicted %d envelopes to fit %d-byte budget", evicted, ds.maxBytes)
	}
	return evicted, nil
}

// StartJanitor begins periodic retention and budget sweeps. No-op when
// interval is zero or a janitor is already running.
func (ds *DiskStore) StartJanitor(interval time.Duration) {
	if interval <= 0 || ds.janitorStop != nil {
		return
	}
	ds.janitorStop = make(chan struct{})
	ds.janitorWG.Add(1)
	go func() {
		defer ds.janitorWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ds.sweep()
			case <-ds.janitorStop:
				return
			}
		}
	}()
}

func (ds *DiskStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if n, err := ds.SweepRetention(ctx); err != nil {
		log.Debugf("[DiskStore] Janitor retention sweep failed: %v", err)
	} else if n > 0 {
		log.Debugf("[DiskStore] Janitor removed %d envelopes past retention", n)
	}
	if n, err := ds.EnforceBudget(ctx); err != nil {
		log.Debugf("[DiskStore] Janitor budget pass failed: %v", err)
	} else if n > 0 {
		log.Debugf("[DiskStore] Janitor evicted %d envelopes over budget", n)
	}
}

// PurgeEvents returns up to limit purge audit rows, newest first.
func (ds *DiskStore) PurgeEvents(ctx context.Context, limit int) ([]PurgeEvent, error) {
	models, err := ds.storeDB.ListPurgeEvents(ctx, limit)
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
// warning on mismatch. Reports whether the marker matched and the stored
// value.
func (ds *DiskStore) Verify(ctx context.Context) (bool, int64, error) {
	return VerifyMarker(ctx, ds.storeDB, StoreKindCache)
}

// Close stops the janitor, checkpoints the WAL, closes the database, and
// removes the sidecar files. Safe to call more than once.
func (ds *DiskStore) Close() error {
	if ds.janitorStop != nil {
		close(ds.janitorStop)
		ds.janitorWG.Wait()
		ds.janitorStop = nil
	}
	if ds.db == nil {
		return nil
	}

	// Merge the WAL into the main file and truncate it. wal_checkpoint
	// returns rows, so Query not Exec.
	rows, err := ds.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		log.Warnf("[DiskStore] WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}

	if err := ds.db.Close(); err != nil {
		return err
	}
	ds.db = nil

	for _, p := range common.SidecarPaths(ds.path) {
		os.Remove(p) // may not exist
	}
	return nil
}

// Path returns the store's file path.
func (ds *DiskStore) Path() string {
	return ds.path
}

// Store exposes the typed query layer, used by the CLI and tests.
func (ds *DiskStore) Store() *StoreDB {
	return ds.storeDB
}
