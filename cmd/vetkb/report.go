package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vet-kb/backend/internal/artifact"
)

var reportFlagged bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the quality report of the built corpus",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportFlagged, "flagged", false, "list flagged chunks")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	payload, err := artifact.LoadReport(ctx, a.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to load quality report: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, payload)
	}

	r := payload.Report
	cmd.Printf("Grade: %s (%.1f)\n", r.OverallGrade, r.OverallScore)
	cmd.Printf("  Completeness: %.1f\n", r.CompletenessScore)
	cmd.Printf("  Coverage:     %.1f\n", r.CoverageScore)
	cmd.Printf("  Integrity:    %.1f\n", r.IntegrityScore)
	cmd.Printf("Chunks: %d, drugs: %d, drug-bearing ratio %.2f\n", r.ChunkCount, r.DrugCount, r.DrugBearingChunkRatio)
	cmd.Printf("Flagged chunks: %d\n", r.FlaggedChunks)

	issues := make([]string, 0, len(r.IssueCounts))
	for issue := range r.IssueCounts {
		issues = append(issues, issue)
	}
	sort.Strings(issues)
	for _, issue := range issues {
		cmd.Printf("  %-24s %d\n", issue, r.IssueCounts[issue])
	}

	if reportFlagged {
		for _, as := range payload.Assessments {
			if as.Flagged() {
				cmd.Printf("  %s: %v\n", as.ChunkID, as.Issues)
			}
		}
	}
	return nil
}
