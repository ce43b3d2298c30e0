package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/storywright/illustration-api/internal/domain"
)

// IllustrationStatusEvent records one status transition of an illustration
// task. Consumers use it to drive page placeholders, final images and
// regenerate affordances without polling.
type IllustrationStatusEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	TaskID  uuid.UUID  `json:"task_id"`
	StoryID uuid.UUID  `json:"story_id"`
	PageID  *uuid.UUID `json:"page_id,omitempty"`

	Status domain.TaskStatus `json:"status"`

	// IllustrationPath is set only when Status is ready.
	IllustrationPath string `json:"illustration_path,omitempty"`

	AttemptCount int `json:"attempt_count"`

	// OccurredAt is the timestamp when the transition was persisted
	OccurredAt time.Time `json:"occurred_at"`
}

// NewStatusEvent creates an IllustrationStatusEvent from a task's current state.
func NewStatusEvent(task *domain.IllustrationTask) *IllustrationStatusEvent {
	return &IllustrationStatusEvent{
		ID:               uuid.New(),
		TaskID:           task.ID,
		StoryID:          task.StoryID,
		PageID:           task.PageID,
		Status:           task.Status,
		IllustrationPath: task.IllustrationPath,
		AttemptCount:     task.AttemptCount,
		OccurredAt:       time.Now().UTC(),
	}
}

// Handler defines an interface for components that consume status events.
type Handler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *IllustrationStatusEvent) error
}

// Emitter defines an interface for components that publish status events.
// This allows the task manager to announce transitions without direct
// knowledge of subscribers.
type Emitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *IllustrationStatusEvent) error
}
