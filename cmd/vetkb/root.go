package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vet-kb/backend/internal/app"
	"github.com/vet-kb/backend/pkg/config"
	"github.com/vet-kb/backend/pkg/logger"
)

var (
	configPath string
	jsonOutput bool

	// openApp is swapped in tests.
	openApp = defaultOpenApp
)

var rootCmd = &cobra.Command{
	Use:   "vetkb",
	Short: "Veterinary drug reference knowledge base",
	Long: `Turns a veterinary drug reference document into a searchable knowledge base:
segments it into chunks, detects and validates drug mentions, scores corpus
quality, indexes the chunks and answers questions with a confidence score.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml, ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
}

func loadConfig() (*config.Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func defaultOpenApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// Logs go to stderr so command output stays parseable.
	out := cfg.Logging.OutputPath
	if out == "" || out == "stdout" {
		out = "stderr"
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, out); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return app.New(ctx, cfg, logger.GetLogger())
}
