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
	"strconv"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"pulsecache/internal/common"
)

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, ctx DBContext) error {
	// Busy timeout must come first: journal_mode=WAL below needs exclusive
	// file access and should wait for locks instead of failing immediately
	// with "database is locked".
	busyTimeout := GetBusyTimeout(ctx)
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL lets the embedding application and the CLI read while the other
	// writes. Must be an explicit PRAGMA; libsql ignores _journal_mode in
	// the DSN.
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL under WAL survives process crashes (not OS crash
	// or power loss). This file is a cache, not a source of truth.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	// Moderate cache bump; these files stay small.
	if err := execPragma(db, "PRAGMA cache_size = -4000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}

	// Memory-map I/O for reads. Failure is non-fatal (may not be supported
	// on all platforms).
	_ = execPragma(db, "PRAGMA mmap_size = 67108864")

	return nil
}

// openVersionedDB opens (creating if necessary) a store file, applies
// PRAGMAs, and ensures the schema and initial rows exist. A fresh store
// gets the current SchemaVersion stamped; an existing store keeps its
// old marker for ensureVersion to inspect.
func openVersionedDB(path string, dbCtx DBContext, schemaSQL, initSQL string) (*sql.DB, *StoreDB, error) {
	db, err := sql.Open("libsql", BuildDSN(path, dbCtx))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply all PRAGMAs explicitly: libsql ignores DSN parameters.
	if err := applyPragmas(db, dbCtx); err != nil {
		db.Close()
		return nil, nil, err
	}

	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(db, schemaSQL); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := execStatements(db, initSQL, strconv.Itoa(SchemaVersion)); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return db, NewStoreDB(db), nil
}

// destroyStoreFiles removes a store's database file and its sqlite
// sidecars. Used for corruption recovery; errors are ignored because the
// files may not exist.
func destroyStoreFiles(path string) {
	os.Remove(path)
	for _, p := range common.SidecarPaths(path) {
		os.Remove(p)
	}
}

// versionOutcome reports what the startup version protocol observed.
type versionOutcome struct {
	Stored  int64
	Found   bool
	Purged  bool
	Dropped int64
}

// ensureVersion runs the startup protocol for one store: read the marker
// (absent reads as version 0), purge the store's data rows on mismatch,
// then stamp the current SchemaVersion. purge drops the store's payload
// rows and reports how many went.
//
// The marker write happens strictly after the purge: a crash in between
// leaves the old marker in place and the protocol re-runs on next open.
func ensureVersion(ctx context.Context, sdb *StoreDB, purge func(context.Context) (int64, error)) (versionOutcome, error) {
	var out versionOutcome
	stored, found, err := sdb.GetVersionMarker(ctx)
	if err != nil {
		return out, fmt.Errorf("read version marker: %w", err)
	}
	out.Stored = stored
	out.Found = found
	if found && stored == SchemaVersion {
		return out, nil
	}

	dropped, err := purge(ctx)
	if err != nil {
		return out, fmt.Errorf("purge on version mismatch: %w", err)
	}
	if err := sdb.SetVersionMarker(ctx, SchemaVersion); err != nil {
		return out, fmt.Errorf("write version marker: %w", err)
	}
	if err := sdb.InsertPurgeEvent(ctx, PurgeReasonVersionMismatch, stored, SchemaVersion, dropped); err != nil {
		// The audit trail is best-effort; the purge itself succeeded.
		log.Warnf("[Storage] Failed to record purge event: %v", err)
	}

	out.Purged = true
	out.Dropped = dropped
	return out, nil
}

// VerifyMarker re-reads a store's version marker and compares it against
// SchemaVersion. A mismatch after bootstrap means the bootstrap protocol
// itself misbehaved; it is logged loudly and reported, never swallowed.
func VerifyMarker(ctx context.Context, sdb *StoreDB, kind string) (ok bool, stored int64, err error) {
	stored, found, err := sdb.GetVersionMarker(ctx)
	if err != nil {
		return false, 0, err
	}
	if !found || stored != SchemaVersion {
		log.Warnf("[Storage] Version marker mismatch in %s store: stored=%d current=%d", kind, stored, SchemaVersion)
		return false, stored, nil
	}
	return true, stored, nil
}

// bootstrapLock serializes the open-time purge/rewrite protocol across
// processes sharing the cache directory, so the application and a widget
// upgrading at the same moment cannot interleave purges. Lock failures
// degrade to proceeding unlocked: the cache must come up even when a
// sibling process wedged the lock file.
func bootstrapLock(dir string) (release func()) {
	fl := flock.New(common.LockPath(dir))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		log.Warnf("[Storage] Proceeding without bootstrap lock in %s: %v", dir, err)
		return func() {}
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			log.Debugf("[Storage] Failed to release bootstrap lock: %v", err)
		}
	}
}
