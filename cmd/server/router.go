package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storywright/illustration-api/internal/api"
	apiMiddleware "github.com/storywright/illustration-api/internal/api/middleware"
)

// setupRouter configures the application router with all routes and
// middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	illustrationHandler := api.NewIllustrationHandler(app.manager, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/stories/{storyID}/illustrations", illustrationHandler.EnqueueStory)
		r.Delete("/stories/{storyID}/illustrations", illustrationHandler.CancelStory)
		r.Get("/pages/{pageID}/illustration", illustrationHandler.GetPageIllustration)
		r.Post("/illustrations/{taskID}/retry", illustrationHandler.RetryTask)
	})

	r.Get("/healthz", app.handleHealthz)

	return r
}

// handleHealthz reports liveness, including a bounded database ping so the
// orchestrator can distinguish a wedged pool from a healthy process.
func (app *application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := app.db.PingContext(ctx); err != nil {
		app.logger.Error("health check database ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
