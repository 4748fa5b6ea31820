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

package common

import (
	"os"
	"path/filepath"
)

// EnvDir overrides the cache directory when set.
const EnvDir = "PULSECACHE_DIR"

// DefaultDir returns the directory holding the cache databases:
// $PULSECACHE_DIR if set, otherwise <user cache dir>/pulsecache.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pulsecache"), nil
}

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// CacheDBPath returns the path of the primary cache database inside dir.
func CacheDBPath(dir string) string {
	return filepath.Join(dir, "cache.db")
}

// AggregateDBPath returns the path of the day-aggregate database inside dir.
func AggregateDBPath(dir string) string {
	return filepath.Join(dir, "aggregates.db")
}

// LockPath returns the path of the cross-process bootstrap lock file.
func LockPath(dir string) string {
	return filepath.Join(dir, "pulsecache.lock")
}

// SidecarPaths lists the auxiliary files sqlite may create next to dbPath.
func SidecarPaths(dbPath string) []string {
	return []string{dbPath + "-wal", dbPath + "-shm"}
}
