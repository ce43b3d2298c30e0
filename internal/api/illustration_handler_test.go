package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/store"
	"github.com/storywright/illustration-api/internal/task"
)

// stubService lets each test script the handler's service dependency.
type stubService struct {
	enqueueStory func(ctx context.Context, spec task.StorySpec) ([]*domain.IllustrationTask, error)
	status       func(ctx context.Context, pageID uuid.UUID) (*domain.IllustrationTask, error)
	retry        func(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error)
	cancelStory  func(ctx context.Context, storyID uuid.UUID) (int, error)
}

func (s *stubService) EnqueueStory(ctx context.Context, spec task.StorySpec) ([]*domain.IllustrationTask, error) {
	return s.enqueueStory(ctx, spec)
}

func (s *stubService) Status(ctx context.Context, pageID uuid.UUID) (*domain.IllustrationTask, error) {
	return s.status(ctx, pageID)
}

func (s *stubService) Retry(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error) {
	return s.retry(ctx, taskID)
}

func (s *stubService) CancelStory(ctx context.Context, storyID uuid.UUID) (int, error) {
	return s.cancelStory(ctx, storyID)
}

func testRouter(service IllustrationService) http.Handler {
	handler := NewIllustrationHandler(service, nil)
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/stories/{storyID}/illustrations", handler.EnqueueStory)
		r.Delete("/stories/{storyID}/illustrations", handler.CancelStory)
		r.Get("/pages/{pageID}/illustration", handler.GetPageIllustration)
		r.Post("/illustrations/{taskID}/retry", handler.RetryTask)
	})
	return r
}

func enqueueBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(EnqueueStoryRequest{
		Title: "The Lighthouse Fox",
		Pages: []PageRequest{
			{PageID: uuid.New(), PageNumber: 1, Content: "Fife finds a lantern."},
		},
		VisualContext: VisualContextRequest{
			StyleGuide:           "soft watercolor",
			CharacterDefinitions: map[string]string{"Fife": "a small red fox"},
		},
	})
	require.NoError(t, err)
	return body
}

func TestEnqueueStoryHandler(t *testing.T) {
	storyID := uuid.New()
	service := &stubService{
		enqueueStory: func(ctx context.Context, spec task.StorySpec) ([]*domain.IllustrationTask, error) {
			require.Equal(t, storyID, spec.StoryID)
			require.Len(t, spec.Pages, 1)
			ref, err := domain.NewGlobalReferenceTask(spec.StoryID, 1, "ref prompt")
			require.NoError(t, err)
			page, err := domain.NewSequentialTask(spec.StoryID, spec.Pages[0].PageID, 1, 1, "page prompt")
			require.NoError(t, err)
			return []*domain.IllustrationTask{ref, page}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/stories/%s/illustrations", storyID),
		bytes.NewReader(enqueueBody(t)))
	rec := httptest.NewRecorder()
	testRouter(service).ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp EnqueueStoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, storyID, resp.StoryID)
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, string(domain.TaskTypeGlobalReference), resp.Tasks[0].TaskType)
	assert.Equal(t, string(domain.TaskStatusPending), resp.Tasks[0].Status)
}

func TestEnqueueStoryHandlerInvalidStoryID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost,
		"/api/stories/not-a-uuid/illustrations",
		bytes.NewReader(enqueueBody(t)))
	rec := httptest.NewRecorder()
	testRouter(&stubService{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueStoryHandlerMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/stories/%s/illustrations", uuid.New()),
		bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	testRouter(&stubService{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueStoryHandlerMissingPages(t *testing.T) {
	body, err := json.Marshal(EnqueueStoryRequest{Title: "No pages"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/stories/%s/illustrations", uuid.New()),
		bytes.NewReader(body))
	rec := httptest.NewRecorder()
	testRouter(&stubService{}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Pages")
}

func TestGetPageIllustration(t *testing.T) {
	pageID := uuid.New()
	ready, err := domain.NewSequentialTask(uuid.New(), pageID, 2, 4, "prompt")
	require.NoError(t, err)
	ready.Status = domain.TaskStatusReady
	ready.IllustrationPath = "illustrations/done.png"
	ready.AttemptCount = 1

	service := &stubService{
		status: func(ctx context.Context, got uuid.UUID) (*domain.IllustrationTask, error) {
			require.Equal(t, pageID, got)
			return ready, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/pages/%s/illustration", pageID), nil)
	rec := httptest.NewRecorder()
	testRouter(service).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.TaskStatusReady), resp.Status)
	assert.Equal(t, "illustrations/done.png", resp.IllustrationPath)
}

func TestGetPageIllustrationNotFound(t *testing.T) {
	service := &stubService{
		status: func(ctx context.Context, pageID uuid.UUID) (*domain.IllustrationTask, error) {
			return nil, store.ErrTaskNotFound
		},
	}

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/pages/%s/illustration", uuid.New()), nil)
	rec := httptest.NewRecorder()
	testRouter(service).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Illustration task not found")
}

func TestRetryTaskHandler(t *testing.T) {
	taskID := uuid.New()
	fresh, err := domain.NewGlobalReferenceTask(uuid.New(), 3, "prompt")
	require.NoError(t, err)

	service := &stubService{
		retry: func(ctx context.Context, got uuid.UUID) (*domain.IllustrationTask, error) {
			require.Equal(t, taskID, got)
			return fresh, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/illustrations/%s/retry", taskID), nil)
	rec := httptest.NewRecorder()
	testRouter(service).ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, fresh.ID, resp.ID)
}

func TestRetryTaskHandlerNotRetryable(t *testing.T) {
	service := &stubService{
		retry: func(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error) {
			return nil, fmt.Errorf("%w: task is ready", task.ErrTaskNotRetryable)
		},
	}

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/illustrations/%s/retry", uuid.New()), nil)
	rec := httptest.NewRecorder()
	testRouter(service).ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Only failed tasks can be retried")
}

func TestCancelStoryHandler(t *testing.T) {
	storyID := uuid.New()
	service := &stubService{
		cancelStory: func(ctx context.Context, got uuid.UUID) (int, error) {
			require.Equal(t, storyID, got)
			return 3, nil
		},
	}

	req := httptest.NewRequest(http.MethodDelete,
		fmt.Sprintf("/api/stories/%s/illustrations", storyID), nil)
	rec := httptest.NewRecorder()
	testRouter(service).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}
