package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/store"
)

// MemoryTaskStore is a complete in-memory implementation of
// store.TaskStore with the same observable semantics as the postgres
// store. Used by manager and handler tests; the stored records are copies,
// so callers mutating their own task structs never leak state into it.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.IllustrationTask
	order []uuid.UUID
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[uuid.UUID]*domain.IllustrationTask)}
}

func copyTask(t *domain.IllustrationTask) *domain.IllustrationTask {
	c := *t
	if t.PageID != nil {
		id := *t.PageID
		c.PageID = &id
	}
	return &c
}

func (s *MemoryTaskStore) SaveTask(ctx context.Context, t *domain.IllustrationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(t)
}

func (s *MemoryTaskStore) SaveTasks(ctx context.Context, tasks []*domain.IllustrationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists {
			return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
		}
	}
	for _, t := range tasks {
		if err := s.saveLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryTaskStore) saveLocked(t *domain.IllustrationTask) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
	}
	s.tasks[t.ID] = copyTask(t)
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemoryTaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryTaskStore) UpdateStatus(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Status = status
	t.LastError = errorMsg
	if status != domain.TaskStatusReady {
		t.IllustrationPath = ""
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryTaskStore) UpdateIllustrationPath(ctx context.Context, taskID uuid.UUID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Status = domain.TaskStatusReady
	t.IllustrationPath = path
	t.LastError = ""
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryTaskStore) IncrementAttempt(ctx context.Context, taskID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return 0, store.ErrTaskNotFound
	}
	t.AttemptCount++
	t.UpdatedAt = time.Now().UTC()
	return t.AttemptCount, nil
}

func (s *MemoryTaskStore) UpdatePreviousIllustrationPath(ctx context.Context, taskID uuid.UUID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.PreviousIllustrationPath = path
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryTaskStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	s.removeFromOrderLocked(taskID)
	return nil
}

func (s *MemoryTaskStore) GetPendingOrInProgress(ctx context.Context) ([]*domain.IllustrationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.IllustrationTask
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusInProgress {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (s *MemoryTaskStore) TasksForStory(ctx context.Context, storyID uuid.UUID) ([]*domain.IllustrationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.IllustrationTask
	for _, id := range s.order {
		t := s.tasks[id]
		if t.StoryID == storyID {
			out = append(out, copyTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TaskType != out[j].TaskType {
			return out[i].TaskType == domain.TaskTypeGlobalReference
		}
		return out[i].PageNumber < out[j].PageNumber
	})
	return out, nil
}

func (s *MemoryTaskStore) TasksForPage(ctx context.Context, pageID uuid.UUID) ([]*domain.IllustrationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.IllustrationTask
	// Insertion order is creation order; walk it backwards for newest
	// first.
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if t.PageID != nil && *t.PageID == pageID {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (s *MemoryTaskStore) DeleteTasksForStory(ctx context.Context, storyID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.StoryID == storyID {
			delete(s.tasks, id)
			s.removeFromOrderLocked(id)
		}
	}
	return nil
}

func (s *MemoryTaskStore) CompletedGlobalReference(ctx context.Context, storyID uuid.UUID) (*domain.IllustrationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		t := s.tasks[id]
		if t.StoryID == storyID &&
			t.TaskType == domain.TaskTypeGlobalReference &&
			t.Status == domain.TaskStatusReady {
			return copyTask(t), nil
		}
	}
	return nil, store.ErrTaskNotFound
}

func (s *MemoryTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return s
}

func (s *MemoryTaskStore) removeFromOrderLocked(taskID uuid.UUID) {
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
