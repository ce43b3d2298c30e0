// Package main implements the entry point for the illustration API
// server, which turns story submissions into ordered image generation
// tasks and serves their status.
package main

import (
	"context"
	"log"

	"github.com/storywright/illustration-api/internal/config"
	"github.com/storywright/illustration-api/internal/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.Setup(cfg.Server.LogLevel)
	appLogger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Pipeline.WorkerCount)

	ctx := context.Background()

	db, err := openDatabase(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("database setup failed", "error", err)
		log.Fatalf("Failed to set up database: %v", err)
	}

	if err := runMigrations(db, appLogger); err != nil {
		appLogger.Error("migrations failed", "error", err)
		log.Fatalf("Failed to run migrations: %v", err)
	}

	app, err := newApplication(ctx, cfg, appLogger, db)
	if err != nil {
		appLogger.Error("application initialization failed", "error", err)
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.run(ctx); err != nil {
		appLogger.Error("server exited with error", "error", err)
		log.Fatalf("Server error: %v", err)
	}
}
