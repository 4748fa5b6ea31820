package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pulsecache/internal/storage"
)

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached entry and day aggregate",
	Long: `Remove every entry from the envelope store and every row from the
aggregate store. The purge is recorded in each store's history.

Applications re-fetch on their next access; clearing costs time, not
correctness.

Examples:
  pulsecache clear
  pulsecache clear --yes`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "skip the confirmation prompt")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearYes {
		fmt.Printf("This removes every cached entry and day aggregate in %s.\n", cacheDir)
		fmt.Print("Continue? [y/N] ")

		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Clear cancelled")
			return nil
		}
	}

	ctx := context.Background()

	ds, err := openEnvelopeStore()
	if err != nil {
		return err
	}
	defer ds.Close()
	entries, err := ds.Clear(ctx, storage.PurgeReasonManual)
	if err != nil {
		return fmt.Errorf("failed to clear envelope store: %w", err)
	}

	as, err := openAggregateStore()
	if err != nil {
		return err
	}
	defer as.Close()
	days, err := as.Clear(ctx, storage.PurgeReasonManual)
	if err != nil {
		return fmt.Errorf("failed to clear aggregate store: %w", err)
	}

	fmt.Printf("Dropped %d cache entries and %d day rows\n", entries, days)
	return nil
}
