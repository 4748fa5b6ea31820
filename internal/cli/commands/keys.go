package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var keysLimit int

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List persisted cache entries",
	Long: `List the keys persisted in the envelope store, oldest first, with the
age and stored size of each entry. Oldest-first is eviction order: the
top of the list goes first when the store grows past its byte limit.

Examples:
  pulsecache keys
  pulsecache keys --limit 200`,
	Args: cobra.NoArgs,
	RunE: runKeys,
}

func init() {
	keysCmd.Flags().IntVar(&keysLimit, "limit", 50, "maximum number of entries to list")
	rootCmd.AddCommand(keysCmd)
}

func runKeys(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ds, err := openEnvelopeStore()
	if err != nil {
		return err
	}
	defer ds.Close()

	rows, err := ds.Index(ctx, keysLimit)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("No persisted entries")
		return nil
	}

	fmt.Printf("%-48s %8s %10s\n", "KEY", "AGE", "SIZE")
	for _, r := range rows {
		age := time.Since(time.UnixMilli(r.CachedAt))
		fmt.Printf("%-48s %8s %10s\n", r.Key, formatAge(age), formatBytes(r.Cost))
	}
	return nil
}
