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

package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pulsecache"
	"pulsecache/internal/common"
	"pulsecache/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	// Prod build: version with date
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	flagDir     string
	flagVerbose bool

	// cacheDir is resolved once in PersistentPreRunE and read by every
	// subcommand.
	cacheDir string
)

var rootCmd = &cobra.Command{
	Use:   "pulsecache",
	Short: "Inspect and manage a pulsecache cache directory",
	Long: `Inspect and manage the cache directory used by applications embedding
pulsecache: entry listings, store statistics, version marker checks,
purge history, and manual clearing.

The cache directory is resolved from --dir, then the PULSECACHE_DIR
environment variable, then the OS user cache directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if flagVerbose {
			log.SetLevel(log.DebugLevel)
		}

		dir := flagDir
		if dir == "" {
			var err error
			dir, err = common.DefaultDir()
			if err != nil {
				return fmt.Errorf("failed to resolve cache directory: %w", err)
			}
		}
		cacheDir = dir

		// Pick up busy_timeout settings from the directory's config file.
		cfg, err := pulsecache.LoadConfig(pulsecache.DefaultConfigPath(cacheDir))
		if err != nil {
			log.Warnf("[CLI] Ignoring unreadable config file: %v", err)
		} else if cfg != nil {
			storage.SetConfigBusyTimeouts(cfg.AppBusyTimeout, cfg.CLIBusyTimeout)
		}

		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("pulsecache version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "cache directory (default: $PULSECACHE_DIR or the OS user cache dir)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// openEnvelopeStore opens the envelope store with CLI busy-timeout
// settings. No byte limit and no retention: the CLI inspects, it does
// not evict.
func openEnvelopeStore() (*storage.DiskStore, error) {
	ds, err := storage.OpenDiskStoreWithContext(common.CacheDBPath(cacheDir), 0, 0, storage.DBContextCLI)
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope store: %w", err)
	}
	return ds, nil
}

func openAggregateStore() (*storage.AggregateStore, error) {
	as, err := storage.OpenAggregateStoreWithContext(common.AggregateDBPath(cacheDir), storage.DBContextCLI)
	if err != nil {
		return nil, fmt.Errorf("failed to open aggregate store: %w", err)
	}
	return as, nil
}

// formatBytes formats bytes in human-readable form
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatAge renders a duration in the largest sensible unit
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}
