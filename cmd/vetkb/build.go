package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build [file]",
	Short: "Build the corpus from a reference document",
	Long: `Extracts the document (PDF, HTML or text), segments it, detects drug
mentions, aggregates the registry and scores corpus quality. The corpus,
registry and quality report are written to the artifact store.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	corpus, err := a.Build(ctx, args[0])
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	s := corpus.Summary
	if jsonOutput {
		return printJSON(cmd, s)
	}
	cmd.Printf("Run %s\n", s.RunID)
	cmd.Printf("  Chunks:   %d (%d skipped, %d unreadable pages)\n", s.ChunkCount, s.ChunksSkipped, s.PagesSkipped)
	cmd.Printf("  Mentions: %d detected, %d after filtering\n", s.MentionsDetected, s.MentionsAfterFilter)
	cmd.Printf("  Drugs:    %d (%d confirmed)\n", s.DrugCount, s.ConfirmedDrugs)
	cmd.Printf("  Quality:  %s (%.1f)\n", corpus.Report.OverallGrade, corpus.Report.OverallScore)
	for _, e := range s.Errors {
		cmd.Printf("  warning: %s\n", e)
	}
	return nil
}
