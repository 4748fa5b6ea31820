package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBusyTimeoutPriority(t *testing.T) {
	t.Setenv(EnvBusyTimeout, "")
	t.Setenv(EnvAppBusyTimeout, "")
	t.Setenv(EnvCLIBusyTimeout, "")
	t.Cleanup(func() { SetConfigBusyTimeouts(0, 0) })

	assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout(DBContextApp), "nothing configured falls back to the default")

	SetConfigBusyTimeouts(4000, 2000)
	assert.Equal(t, 4000, GetBusyTimeout(DBContextApp))
	assert.Equal(t, 2000, GetBusyTimeout(DBContextCLI))
	assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout(DBContextDefault), "the default context ignores app/cli config")

	t.Setenv(EnvBusyTimeout, "7000")
	assert.Equal(t, 7000, GetBusyTimeout(DBContextApp), "the general env var beats the config file")

	t.Setenv(EnvAppBusyTimeout, "9000")
	assert.Equal(t, 9000, GetBusyTimeout(DBContextApp), "the context-specific env var beats everything")
	assert.Equal(t, 7000, GetBusyTimeout(DBContextCLI))

	t.Setenv(EnvAppBusyTimeout, "soon")
	assert.Equal(t, 7000, GetBusyTimeout(DBContextApp), "unparseable values are ignored")
}

func TestBuildDSN(t *testing.T) {
	t.Setenv(EnvBusyTimeout, "")
	t.Setenv(EnvCLIBusyTimeout, "")
	t.Cleanup(func() { SetConfigBusyTimeouts(0, 0) })
	SetConfigBusyTimeouts(0, 1500)

	dsn := BuildDSN("/tmp/cache.db", DBContextCLI)
	assert.True(t, strings.HasPrefix(dsn, "file:/tmp/cache.db?"))
	assert.Contains(t, dsn, "_busy_timeout=1500")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_synchronous=NORMAL")
}
