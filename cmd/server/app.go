package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/storywright/illustration-api/internal/config"
	"github.com/storywright/illustration-api/internal/events"
	"github.com/storywright/illustration-api/internal/platform/imagegen"
	"github.com/storywright/illustration-api/internal/platform/postgres"
	"github.com/storywright/illustration-api/internal/prompt"
	"github.com/storywright/illustration-api/internal/store"
	"github.com/storywright/illustration-api/internal/task"
)

// application holds the shared application dependencies so wiring and
// cleanup live in one place.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore store.TaskStore
	client    *imagegen.Client
	emitter   *events.InMemoryEmitter
	manager   *task.Manager
}

// newApplication wires all dependencies. It accepts the core resources
// (configuration, logger, database) that must exist before anything else.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	app.taskStore = postgres.NewPostgresTaskStore(db)

	var err error
	app.client, err = imagegen.NewClient(
		cfg.ImageAPI,
		cfg.Storage.Root,
		logger.With("component", "imagegen"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image generation client: %w", err)
	}
	logger.Info("image generation client initialized",
		"aspect_ratio", cfg.ImageAPI.AspectRatio,
		"storage_root", cfg.Storage.Root)

	app.emitter = events.NewInMemoryEmitter(logger)
	app.emitter.RegisterHandler(events.NewLoggingHandler(logger))

	app.manager, err = task.NewManager(
		app.taskStore,
		app.client,
		&prompt.Composer{},
		app.emitter,
		imagegen.Retryable,
		task.ManagerConfig{
			WorkerCount:    cfg.Pipeline.WorkerCount,
			QueueSize:      cfg.Pipeline.QueueSize,
			MaxAttempts:    cfg.Pipeline.MaxAttempts,
			RetryBaseDelay: cfg.Pipeline.RetryBaseDelay(),
			RetryMaxDelay:  cfg.Pipeline.RetryMaxDelay(),
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task manager: %w", err)
	}

	return app, nil
}

// run starts the task manager, which recovers incomplete tasks, then
// serves HTTP until shutdown.
func (app *application) run(ctx context.Context) error {
	if err := app.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task manager: %w", err)
	}

	return app.startHTTPServer(ctx, app.setupRouter())
}

// cleanup releases application resources during shutdown in reverse
// dependency order.
func (app *application) cleanup() {
	app.manager.Stop()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", "error", err)
		}
	}
}
