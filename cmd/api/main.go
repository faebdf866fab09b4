package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/api"
	"github.com/vet-kb/backend/internal/app"
	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/pkg/config"
	appLogger "github.com/vet-kb/backend/pkg/logger"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting veterinary drug reference API server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	application, err := app.New(ctx, cfg, appLogger.GetLogger())
	if err != nil {
		appLogger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer application.Close()

	if err := application.Warm(ctx); err != nil {
		appLogger.Warn("Failed to warm vector store", zap.Error(err))
	}
	if err := application.WatchRules(ctx); err != nil {
		appLogger.Warn("Rules hot reload disabled", zap.Error(err))
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Engine:    application.Engine,
		Store:     application.DB,
		Runtime:   application,
		Registry:  application.Registry,
		Artifacts: application.Artifacts,
		Dosing:    application.Dosing,
		Logger:    appLogger.Named("api"),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := server.Shutdown(); err != nil {
		appLogger.Error("Shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
