package common

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDir(t *testing.T) {
	t.Run("env_override", func(t *testing.T) {
		t.Setenv(EnvDir, "/tmp/pulse-test-cache")
		dir, err := DefaultDir()
		require.NoError(t, err)
		assert.Equal(t, "/tmp/pulse-test-cache", dir)
	})

	t.Run("user_cache_dir", func(t *testing.T) {
		t.Setenv(EnvDir, "")
		t.Setenv("XDG_CACHE_HOME", t.TempDir())
		dir, err := DefaultDir()
		require.NoError(t, err)
		assert.Equal(t, "pulsecache", filepath.Base(dir))
	})
}

func TestDBPaths(t *testing.T) {
	t.Parallel()

	dir := "/var/cache/pulse"
	assert.Equal(t, filepath.Join(dir, "cache.db"), CacheDBPath(dir))
	assert.Equal(t, filepath.Join(dir, "aggregates.db"), AggregateDBPath(dir))
	assert.Equal(t, filepath.Join(dir, "pulsecache.lock"), LockPath(dir))
}

func TestSidecarPaths(t *testing.T) {
	t.Parallel()

	got := SidecarPaths("/d/cache.db")
	assert.Equal(t, []string{"/d/cache.db-wal", "/d/cache.db-shm"}, got)
}

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	nested := filepath.Join(base, "a", "b", "c")
	require.NoError(t, EnsureDir(nested))

	// Idempotent on an existing directory.
	require.NoError(t, EnsureDir(nested))
}
