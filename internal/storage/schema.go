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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SchemaVersion is the single authority for the persisted payload format.
// Every store stamps it into its schema_info table and purges itself at
// open when the stored marker differs. Bump it whenever the shape of any
// serialized payload changes; never add per-store counters.
const SchemaVersion = 3

// Store kinds recorded in schema_info under the 'type' key.
const (
	StoreKindCache      = "cache"
	StoreKindAggregates = "aggregates"
)

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// Environment variable names for busy_timeout configuration
const (
	// EnvBusyTimeout is the general busy_timeout override for all contexts
	EnvBusyTimeout = "PULSECACHE_BUSY_TIMEOUT"
	// EnvAppBusyTimeout is the busy_timeout for the embedding application's database access
	EnvAppBusyTimeout = "PULSECACHE_APP_BUSY_TIMEOUT"
	// EnvCLIBusyTimeout is the busy_timeout for CLI database access
	EnvCLIBusyTimeout = "PULSECACHE_CLI_BUSY_TIMEOUT"
)

// DBContext indicates the context in which the database is being accessed
type DBContext int

const (
	// DBContextDefault uses the general busy_timeout
	DBContextDefault DBContext = iota
	// DBContextApp uses the application-specific busy_timeout
	DBContextApp
	// DBContextCLI uses the CLI-specific busy_timeout
	DBContextCLI
)

// Package-level config values (set via SetConfigBusyTimeouts)
var (
	configAppBusyTimeout int
	configCLIBusyTimeout int
)

// SetConfigBusyTimeouts sets the config-based busy_timeout values.
// This should be called by the application/CLI after loading the config file.
// Values of 0 are ignored (use env var or default).
func SetConfigBusyTimeouts(appTimeout, cliTimeout int) {
	configAppBusyTimeout = appTimeout
	configCLIBusyTimeout = cliTimeout
}

// GetBusyTimeout returns the busy_timeout value for the given context.
// Priority: specific env (app/cli) > general env > config file > default
func GetBusyTimeout(ctx DBContext) int {
	// Check context-specific env var first
	var specificEnv string
	var configTimeout int
	switch ctx {
	case DBContextApp:
		specificEnv = EnvAppBusyTimeout
		configTimeout = configAppBusyTimeout
	case DBContextCLI:
		specificEnv = EnvCLIBusyTimeout
		configTimeout = configCLIBusyTimeout
	}

	if specificEnv != "" {
		if val := os.Getenv(specificEnv); val != "" {
			if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
				return timeout
			}
		}
	}

	// Check general env var
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}

	// Check config file value
	if configTimeout > 0 {
		return configTimeout
	}

	// Return default
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN with the appropriate busy_timeout for the context
func BuildDSN(path string, ctx DBContext) string {
	timeout := GetBusyTimeout(ctx)
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, timeout)
}

// Purge reasons recorded in purge_history.
const (
	PurgeReasonVersionMismatch = "version_mismatch"
	PurgeReasonCorruption      = "corruption"
	PurgeReasonManual          = "manual"
)

// Schema SQL for the cache store
const cacheFileSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Versioned envelopes: one row per cache key
CREATE TABLE IF NOT EXISTS envelopes (
    key TEXT PRIMARY KEY,
    schema_version INTEGER NOT NULL,
    tag TEXT NOT NULL,
    payload BLOB NOT NULL,
    cached_at INTEGER NOT NULL
);

-- Eviction side table: age/cost scans without touching payloads
CREATE TABLE IF NOT EXISTS envelope_index (
    key TEXT PRIMARY KEY,
    cached_at INTEGER NOT NULL,
    cost INTEGER NOT NULL
);

-- Index for eviction-order scans (oldest first, key as tie-break)
CREATE INDEX IF NOT EXISTS idx_envelope_index_age ON envelope_index(cached_at, key);

-- Purge audit trail
CREATE TABLE IF NOT EXISTS purge_history (
    id TEXT PRIMARY KEY,
    reason TEXT NOT NULL CHECK (reason IN ('version_mismatch', 'corruption', 'manual')),
    from_version INTEGER NOT NULL,
    to_version INTEGER NOT NULL,
    entries_dropped INTEGER NOT NULL DEFAULT 0,
    purged_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purge_history_time ON purge_history(purged_at DESC);
`

// Initial data for the cache store
const initCacheFile = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'cache');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// Schema SQL for the aggregate store
const aggregateFileSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Computed daily aggregates, one row per (metric, day)
CREATE TABLE IF NOT EXISTS day_aggregates (
    metric TEXT NOT NULL,
    day TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    sum REAL NOT NULL DEFAULT 0,
    min REAL NOT NULL DEFAULT 0,
    max REAL NOT NULL DEFAULT 0,
    samples BLOB,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (metric, day)
);

CREATE INDEX IF NOT EXISTS idx_day_aggregates_day ON day_aggregates(day);

CREATE TABLE IF NOT EXISTS purge_history (
    id TEXT PRIMARY KEY,
    reason TEXT NOT NULL CHECK (reason IN ('version_mismatch', 'corruption', 'manual')),
    from_version INTEGER NOT NULL,
    to_version INTEGER NOT NULL,
    entries_dropped INTEGER NOT NULL DEFAULT 0,
    purged_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purge_history_time ON purge_history(purged_at DESC);
`

const initAggregateFile = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'aggregates');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		// Count placeholders in this statement
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	// Handle any remaining content
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
