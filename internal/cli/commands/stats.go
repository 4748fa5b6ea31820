package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Long: `Show entry counts, payload sizes, and schema version markers for the
stores in the cache directory.

Examples:
  pulsecache stats
  pulsecache --dir ~/.cache/pulsecache stats`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ds, err := openEnvelopeStore()
	if err != nil {
		return err
	}
	defer ds.Close()

	count, err := ds.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count entries: %w", err)
	}
	cost, err := ds.TotalCost(ctx)
	if err != nil {
		return fmt.Errorf("failed to sum entry costs: %w", err)
	}
	ok, stored, err := ds.Verify(ctx)
	if err != nil {
		return fmt.Errorf("failed to read version marker: %w", err)
	}

	fmt.Printf("Cache directory: %s\n", cacheDir)
	fmt.Println("Envelope store:")
	fmt.Printf("  Entries:        %d\n", count)
	fmt.Printf("  Payload size:   %s\n", formatBytes(cost))
	fmt.Printf("  Schema version: %d (%s)\n", stored, markerState(ok))

	as, err := openAggregateStore()
	if err != nil {
		return err
	}
	defer as.Close()

	days, err := as.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count day rows: %w", err)
	}
	aok, astored, err := as.Verify(ctx)
	if err != nil {
		return fmt.Errorf("failed to read aggregate version marker: %w", err)
	}

	fmt.Println("Aggregate store:")
	fmt.Printf("  Day rows:       %d\n", days)
	fmt.Printf("  Schema version: %d (%s)\n", astored, markerState(aok))

	return nil
}

func markerState(ok bool) string {
	if ok {
		return "ok"
	}
	return "MISMATCH"
}
