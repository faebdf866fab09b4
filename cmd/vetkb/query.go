package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vet-kb/backend/internal/storage/models"
)

var (
	querySpecies string
	queryFocus   string
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask the knowledge base a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&querySpecies, "species", "s", "", "restrict to a species (dog, cat, horse, ...)")
	queryCmd.Flags().StringVarP(&queryFocus, "focus", "f", "", "focus area (dosage_information, safety_information, ...)")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	focus := models.FocusArea(queryFocus)
	if focus != "" && !focus.Valid() {
		return fmt.Errorf("unknown focus area %q", queryFocus)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Warm(ctx); err != nil {
		return fmt.Errorf("failed to load index: %w", err)
	}

	result, err := a.Engine.Answer(ctx, models.QueryRequest{
		Query:     strings.Join(args, " "),
		Species:   querySpecies,
		FocusArea: focus,
		UserID:    "cli",
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd, result)
	}
	printResult(cmd, result)
	return nil
}

func printResult(cmd *cobra.Command, r *models.QueryResult) {
	if r.State == models.StateFailed {
		cmd.Printf("No answer: %s\n", r.FailureReason)
		return
	}
	cmd.Println(r.Answer)
	cmd.Println()
	flag := ""
	if r.LowConfidence {
		flag = " (low confidence, verify against the source)"
	}
	cmd.Printf("Confidence: %.2f%s\n", r.Confidence, flag)
	if len(r.Sources) > 0 {
		cmd.Println("Sources:")
		for i, s := range r.Sources {
			cmd.Printf("  [%d] %s pages %d-%d (%.2f)\n", i+1, s.ChunkID, s.PageStart, s.PageEnd, s.Score)
		}
	}
}
