package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed and index the built corpus",
	Long: `Embeds every chunk of the stored corpus and writes it to the vector
store. Batches already committed by an earlier run are skipped, so an
interrupted run can simply be repeated.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Index(ctx)
	if jsonOutput {
		if perr := printJSON(cmd, stats); perr != nil {
			return perr
		}
	} else {
		cmd.Printf("Indexed %d of %d chunks (%d already committed, %d changed, %d removed, %d failed)\n",
			stats.Indexed, stats.Total, stats.AlreadyCommitted, stats.Changed, stats.Removed, stats.Failed)
	}
	if err != nil {
		return fmt.Errorf("index failed: %w", err)
	}
	return nil
}
