package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/storywright/illustration-api/internal/domain"
)

// TaskStore defines the interface for the durable record of illustration
// tasks. It is the single source of truth for task status: the in-memory
// queue held by the task manager is only a cache of it, and a crash leaves
// the store as the authoritative record consumed by recovery.
//
// All mutating operations are atomic with respect to a single task id; a
// process killed mid-write never leaves a task with partially updated fields.
type TaskStore interface {
	// SaveTask persists a new task.
	SaveTask(ctx context.Context, task *domain.IllustrationTask) error

	// SaveTasks persists a batch of new tasks atomically. Either every task
	// in the batch is recorded or none of them are, so a story is never
	// enqueued with only part of its pages durable.
	SaveTasks(ctx context.Context, tasks []*domain.IllustrationTask) error

	// GetTask retrieves a task by its ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error)

	// UpdateStatus updates the status of a task, recording the failure
	// message for failed transitions. An empty errorMsg clears any previous
	// failure message.
	UpdateStatus(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus, errorMsg string) error

	// UpdateIllustrationPath records the storage-relative output path of a
	// task, transitioning it to ready in the same statement so the path
	// invariant holds at every observable point in time.
	UpdateIllustrationPath(ctx context.Context, taskID uuid.UUID, path string) error

	// IncrementAttempt adds one to the task's attempt count and returns the
	// new value.
	IncrementAttempt(ctx context.Context, taskID uuid.UUID) (int, error)

	// UpdatePreviousIllustrationPath records the path of the preceding page's
	// completed illustration on a not-yet-executed task, so that a later
	// recovery can rebuild the reference chain without recomputation.
	UpdatePreviousIllustrationPath(ctx context.Context, taskID uuid.UUID, path string) error

	// DeleteTask removes a task record.
	DeleteTask(ctx context.Context, taskID uuid.UUID) error

	// GetPendingOrInProgress retrieves all non-terminal tasks in their stored
	// creation order. Used by recovery at process start.
	GetPendingOrInProgress(ctx context.Context) ([]*domain.IllustrationTask, error)

	// TasksForStory retrieves every task belonging to a story, ordered by
	// global reference first, then ascending page number.
	TasksForStory(ctx context.Context, storyID uuid.UUID) ([]*domain.IllustrationTask, error)

	// TasksForPage retrieves every task ever created for a page, newest first.
	TasksForPage(ctx context.Context, pageID uuid.UUID) ([]*domain.IllustrationTask, error)

	// DeleteTasksForStory removes all task records for a story.
	DeleteTasksForStory(ctx context.Context, storyID uuid.UUID) error

	// CompletedGlobalReference returns the story's ready global reference
	// task, or ErrTaskNotFound if none has completed yet. Fast lookup used to
	// gate sequential task admission.
	CompletedGlobalReference(ctx context.Context, storyID uuid.UUID) (*domain.IllustrationTask, error)

	// WithTx returns a new TaskStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) TaskStore
}
