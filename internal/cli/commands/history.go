package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pulsecache/internal/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show purge history",
	Long: `Show when and why each store dropped its contents: schema version
changes, corruption recovery, and manual clears. Newest first.

Examples:
  pulsecache history
  pulsecache history --limit 5`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum events to show per store")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ds, err := openEnvelopeStore()
	if err != nil {
		return err
	}
	defer ds.Close()
	diskEvents, err := ds.PurgeEvents(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read envelope purge history: %w", err)
	}

	as, err := openAggregateStore()
	if err != nil {
		return err
	}
	defer as.Close()
	aggEvents, err := as.PurgeEvents(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read aggregate purge history: %w", err)
	}

	fmt.Println("Envelope store purges:")
	printPurgeEvents(diskEvents)
	fmt.Println("Aggregate store purges:")
	printPurgeEvents(aggEvents)
	return nil
}

func printPurgeEvents(events []storage.PurgeEvent) {
	if len(events) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, e := range events {
		fmt.Printf("  %s  %-16s  %d -> %d  (%d entries)\n",
			e.PurgedAt.Format("2006-01-02 15:04:05"), e.Reason,
			e.FromVersion, e.ToVersion, e.EntriesDropped)
	}
}
