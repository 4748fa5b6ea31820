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

package pulsecache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"pulsecache/internal/common"
	"pulsecache/internal/memcache"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultDiskMaxBytes    = 64 << 20 // 64 MiB
	DefaultTTL             = 15 * time.Minute
	DefaultRetentionWindow = 30 * 24 * time.Hour
	DefaultSweepInterval   = time.Hour
	DefaultWarmEntries     = 256
)

// Config controls a Manager. The zero value is usable: every zero field
// takes its default. Fields that can be switched off entirely use a
// negative value for "off" (zero always means "default").
type Config struct {
	// Dir is the cache directory holding cache.db and aggregates.db.
	// Default: $PULSECACHE_DIR, else the OS user cache dir + "/pulsecache".
	Dir string `yaml:"dir"`

	MemoryMaxEntries int   `yaml:"memory_max_entries"` // default: 2048
	MemoryMaxCost    int64 `yaml:"memory_max_cost"`    // bytes, default: 32 MiB
	DiskMaxBytes     int64 `yaml:"disk_max_bytes"`     // default: 64 MiB; negative: unbounded

	// DefaultTTL backs Fetch calls that pass ttl <= 0.
	DefaultTTL time.Duration `yaml:"-"`
	// RetentionWindow bounds disk entry age independent of TTL: TTL gates
	// serving, retention gates storage. Default 30 days; negative disables.
	RetentionWindow time.Duration `yaml:"-"`
	// SweepInterval is the janitor period for retention and budget sweeps.
	// Default 1 hour; negative disables the janitor.
	SweepInterval time.Duration `yaml:"-"`

	// PersistNamespaces limits which key namespaces reach the disk tier.
	// Empty means every namespace persists.
	PersistNamespaces []string `yaml:"persist_namespaces"`

	// WarmEntries is how many recent envelopes are promoted into memory at
	// startup. Default 256; negative disables warming.
	WarmEntries int `yaml:"warm_entries"`

	AppBusyTimeout int `yaml:"app_busy_timeout"` // SQLite busy_timeout (ms), 0 = default
	CLIBusyTimeout int `yaml:"cli_busy_timeout"` // SQLite busy_timeout (ms), 0 = default
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Dir == "" {
		dir, err := common.DefaultDir()
		if err != nil {
			dir = filepath.Join(os.TempDir(), "pulsecache")
			log.Warnf("[Config] Could not resolve user cache dir, falling back to %s: %v", dir, err)
		}
		cfg.Dir = dir
	}
	if cfg.MemoryMaxEntries <= 0 {
		cfg.MemoryMaxEntries = memcache.DefaultMaxEntries
	}
	if cfg.MemoryMaxCost <= 0 {
		cfg.MemoryMaxCost = memcache.DefaultMaxCost
	}
	if cfg.DiskMaxBytes == 0 {
		cfg.DiskMaxBytes = DefaultDiskMaxBytes
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.RetentionWindow == 0 {
		cfg.RetentionWindow = DefaultRetentionWindow
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.WarmEntries == 0 {
		cfg.WarmEntries = DefaultWarmEntries
	}
}

// fileConfig is the yaml-facing form of Config; durations ride as strings
// ("15m", "720h") so the file stays human-editable.
type fileConfig struct {
	Dir               string   `yaml:"dir"`
	MemoryMaxEntries  int      `yaml:"memory_max_entries"`
	MemoryMaxCost     int64    `yaml:"memory_max_cost"`
	DiskMaxBytes      int64    `yaml:"disk_max_bytes"`
	DefaultTTL        string   `yaml:"default_ttl"`
	RetentionWindow   string   `yaml:"retention_window"`
	SweepInterval     string   `yaml:"sweep_interval"`
	PersistNamespaces []string `yaml:"persist_namespaces"`
	WarmEntries       int      `yaml:"warm_entries"`
	AppBusyTimeout    int      `yaml:"app_busy_timeout"`
	CLIBusyTimeout    int      `yaml:"cli_busy_timeout"`
}

// DefaultConfigPath returns the config file path inside a cache directory.
func DefaultConfigPath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// LoadConfig loads a Config from a yaml file and applies defaults.
// Returns nil if the file does not exist.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg := &Config{
		Dir:               fc.Dir,
		MemoryMaxEntries:  fc.MemoryMaxEntries,
		MemoryMaxCost:     fc.MemoryMaxCost,
		DiskMaxBytes:      fc.DiskMaxBytes,
		PersistNamespaces: fc.PersistNamespaces,
		WarmEntries:       fc.WarmEntries,
		AppBusyTimeout:    fc.AppBusyTimeout,
		CLIBusyTimeout:    fc.CLIBusyTimeout,
	}
	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.DefaultTTL, "default_ttl", &cfg.DefaultTTL},
		{fc.RetentionWindow, "retention_window", &cfg.RetentionWindow},
		{fc.SweepInterval, "sweep_interval", &cfg.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s %q in %s: %w", d.name, d.raw, path, err)
		}
		*d.dst = dur
	}

	cfg.ApplyDefaults()
	return cfg, nil
}
