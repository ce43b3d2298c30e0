package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storywright/illustration-api/internal/api/shared"
	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/task"
)

// IllustrationService is the slice of task.Manager the handlers need.
type IllustrationService interface {
	EnqueueStory(ctx context.Context, spec task.StorySpec) ([]*domain.IllustrationTask, error)
	Status(ctx context.Context, pageID uuid.UUID) (*domain.IllustrationTask, error)
	Retry(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error)
	CancelStory(ctx context.Context, storyID uuid.UUID) (int, error)
}

// IllustrationHandler exposes the illustration pipeline over HTTP.
type IllustrationHandler struct {
	service IllustrationService
	logger  *slog.Logger
}

// NewIllustrationHandler creates a handler backed by the given service.
func NewIllustrationHandler(service IllustrationService, logger *slog.Logger) *IllustrationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IllustrationHandler{
		service: service,
		logger:  logger.With("component", "illustration_handler"),
	}
}

// EnqueueStory handles POST /api/stories/{storyID}/illustrations.
// It accepts the story's pages plus visual context and responds with 202
// and the created task summaries.
func (h *IllustrationHandler) EnqueueStory(w http.ResponseWriter, r *http.Request) {
	storyID, ok := h.pathUUID(w, r, "storyID")
	if !ok {
		return
	}

	var req EnqueueStoryRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	tasks, err := h.service.EnqueueStory(r.Context(), storySpecFromRequest(storyID, req))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueueStoryResponse{
		StoryID: storyID,
		Tasks:   NewTaskResponses(tasks),
	})
}

// GetPageIllustration handles GET /api/pages/{pageID}/illustration.
// It reports the page's most recent task, which carries the current
// illustration status and path.
func (h *IllustrationHandler) GetPageIllustration(w http.ResponseWriter, r *http.Request) {
	pageID, ok := h.pathUUID(w, r, "pageID")
	if !ok {
		return
	}

	t, err := h.service.Status(r.Context(), pageID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(t))
}

// RetryTask handles POST /api/illustrations/{taskID}/retry.
// Only failed tasks can be retried; the replacement task is returned with
// 202.
func (h *IllustrationHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	fresh, err := h.service.Retry(r.Context(), taskID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, NewTaskResponse(fresh))
}

// CancelStory handles DELETE /api/stories/{storyID}/illustrations.
// Outstanding tasks are cancelled; already completed illustrations are
// untouched.
func (h *IllustrationHandler) CancelStory(w http.ResponseWriter, r *http.Request) {
	storyID, ok := h.pathUUID(w, r, "storyID")
	if !ok {
		return
	}

	count, err := h.service.CancelStory(r.Context(), storyID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.logger.Info("story cancellation requested",
		"story_id", storyID,
		"cancelled_count", count)
	w.WriteHeader(http.StatusNoContent)
}

func (h *IllustrationHandler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		h.logger.Debug("invalid path parameter", "param", param, "value", raw)
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func (h *IllustrationHandler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
}

// storySpecFromRequest converts the request body to the manager's input.
func storySpecFromRequest(storyID uuid.UUID, req EnqueueStoryRequest) task.StorySpec {
	pages := make([]domain.Page, len(req.Pages))
	for i, p := range req.Pages {
		pages[i] = domain.Page{
			PageID:     p.PageID,
			PageNumber: p.PageNumber,
			Content:    p.Content,
		}
	}

	spec := task.StorySpec{
		StoryID: storyID,
		Title:   req.Title,
		Pages:   pages,
		VisualContext: domain.VisualContext{
			StyleGuide:           req.VisualContext.StyleGuide,
			CharacterDefinitions: req.VisualContext.CharacterDefinitions,
			SettingDefinitions:   req.VisualContext.SettingDefinitions,
		},
	}
	if req.CollectionContext != nil {
		spec.Collection = &domain.CollectionVisualContext{
			CollectionID:                 req.CollectionContext.CollectionID,
			SharedCharacters:             req.CollectionContext.SharedCharacters,
			UnifiedArtStyle:              req.CollectionContext.UnifiedArtStyle,
			AgeGroup:                     req.CollectionContext.AgeGroup,
			RequiresCharacterConsistency: req.CollectionContext.RequiresCharacterConsistency,
			AllowsStyleVariation:         req.CollectionContext.AllowsStyleVariation,
			SharedProps:                  req.CollectionContext.SharedProps,
		}
	}
	return spec
}
