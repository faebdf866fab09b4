package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vet-kb/backend/internal/evaluation"
)

var evalWorkers int

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [dataset.json]",
	Short: "Score retrieval against a labelled question set",
	Long: `Runs every case of a JSON dataset through the query engine and reports
the hit rate, mean confidence, low-confidence rate and failure rate overall
and per category. Cases with no expected drugs pass when the engine abstains.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().IntVarP(&evalWorkers, "workers", "w", 4, "concurrent queries")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	dataset, err := evaluation.LoadDataset(name, f)
	if err != nil {
		return err
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
	reg := a.Registry.Load()
	if reg == nil {
		return fmt.Errorf("no registry loaded, run build first")
	}

	report, err := evaluation.NewEvaluator(a.Engine, reg.ChunkDrugs(), a.DB, evalWorkers).Run(ctx, dataset)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, report)
	}
	cmd.Print(evaluation.FormatReport(report))
	return nil
}
