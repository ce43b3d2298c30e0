package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of an illustration task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// TaskType distinguishes the reference illustration from per-page illustrations
type TaskType string

// Possible task type values
const (
	// TaskTypeGlobalReference is the first illustration generated for a story.
	// It depicts every defined character and setting once, establishing the
	// canonical appearance that all page illustrations must match.
	TaskTypeGlobalReference TaskType = "global_reference"

	// TaskTypeSequential is a per-page illustration that references the global
	// reference image and the immediately preceding page's image.
	TaskTypeSequential TaskType = "sequential"
)

// Common validation errors for IllustrationTask
var (
	ErrEmptyTaskID          = errors.New("task ID cannot be empty")
	ErrEmptyStoryID         = errors.New("story ID cannot be empty")
	ErrEmptyPageID          = errors.New("sequential task requires a page ID")
	ErrUnexpectedPageID     = errors.New("global reference task cannot have a page ID")
	ErrEmptyPrompt          = errors.New("prompt description cannot be empty")
	ErrInvalidTaskStatus    = errors.New("invalid task status")
	ErrInvalidTaskType      = errors.New("invalid task type")
	ErrInvalidPageNumber    = errors.New("page number must be within 1..total_pages")
	ErrPathWithoutReady     = errors.New("illustration path requires ready status")
	ErrReadyWithoutPath     = errors.New("ready status requires an illustration path")
	ErrNegativeAttemptCount = errors.New("attempt count cannot be negative")
)

// IllustrationTask is the unit of work in the illustration pipeline.
// One task produces exactly one image file when it reaches ready status.
type IllustrationTask struct {
	ID          uuid.UUID  `json:"id"`
	StoryID     uuid.UUID  `json:"story_id"`
	PageID      *uuid.UUID `json:"page_id,omitempty"`
	TaskType    TaskType   `json:"task_type"`
	PageNumber  int        `json:"page_number"`
	TotalPages  int        `json:"total_pages"`
	Status      TaskStatus `json:"status"`
	AttemptCount int       `json:"attempt_count"`

	// PromptDescription is the natural-language scene description driving
	// generation, derived from the page content (or from the visual context
	// for global reference tasks).
	PromptDescription string `json:"prompt_description"`

	// PreviousIllustrationPath is the storage-relative path of the preceding
	// page's image, empty for page 1 and for global reference tasks.
	PreviousIllustrationPath string `json:"previous_illustration_path,omitempty"`

	// IllustrationPath is the storage-relative path of this task's own output.
	// Non-empty if and only if Status is ready.
	IllustrationPath string `json:"illustration_path,omitempty"`

	// LastError holds the most recent failure message, for operator and
	// user-facing diagnostics. Cleared on success.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewGlobalReferenceTask creates the single reference task for a story.
// The prompt is expected to come from prompt.Composer's reference builder.
func NewGlobalReferenceTask(storyID uuid.UUID, totalPages int, promptDescription string) (*IllustrationTask, error) {
	task := &IllustrationTask{
		ID:                uuid.New(),
		StoryID:           storyID,
		PageID:            nil,
		TaskType:          TaskTypeGlobalReference,
		PageNumber:        0,
		TotalPages:        totalPages,
		Status:            TaskStatusPending,
		PromptDescription: promptDescription,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// NewSequentialTask creates a per-page illustration task.
func NewSequentialTask(
	storyID uuid.UUID,
	pageID uuid.UUID,
	pageNumber int,
	totalPages int,
	promptDescription string,
) (*IllustrationTask, error) {
	id := pageID
	task := &IllustrationTask{
		ID:                uuid.New(),
		StoryID:           storyID,
		PageID:            &id,
		TaskType:          TaskTypeSequential,
		PageNumber:        pageNumber,
		TotalPages:        totalPages,
		Status:            TaskStatusPending,
		PromptDescription: promptDescription,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks structural invariants of the task.
// Returns an error if any field fails validation.
func (t *IllustrationTask) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.StoryID == uuid.Nil {
		return ErrEmptyStoryID
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	switch t.TaskType {
	case TaskTypeGlobalReference:
		if t.PageID != nil {
			return ErrUnexpectedPageID
		}
	case TaskTypeSequential:
		if t.PageID == nil || *t.PageID == uuid.Nil {
			return ErrEmptyPageID
		}
		if t.PageNumber < 1 || (t.TotalPages > 0 && t.PageNumber > t.TotalPages) {
			return ErrInvalidPageNumber
		}
	default:
		return ErrInvalidTaskType
	}

	if t.PromptDescription == "" {
		return ErrEmptyPrompt
	}

	if t.AttemptCount < 0 {
		return ErrNegativeAttemptCount
	}

	// Path invariant: illustration path is set exactly when the task is ready.
	if t.IllustrationPath != "" && t.Status != TaskStatusReady {
		return ErrPathWithoutReady
	}
	if t.Status == TaskStatusReady && t.IllustrationPath == "" {
		return ErrReadyWithoutPath
	}

	return nil
}

// IsTerminal reports whether the task can never execute again.
// Ready, failed and cancelled tasks are terminal for that task instance;
// a regenerate request creates a brand-new task instead of mutating them.
func (t *IllustrationTask) IsTerminal() bool {
	switch t.Status {
	case TaskStatusReady, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task still occupies its page slot.
// At most one active task exists per page at any time.
func (t *IllustrationTask) IsActive() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress
}

// CanTransition reports whether moving from the task's current status to the
// given status is a legal state machine transition.
func (t *IllustrationTask) CanTransition(to TaskStatus) bool {
	switch t.Status {
	case TaskStatusPending:
		return to == TaskStatusInProgress || to == TaskStatusCancelled
	case TaskStatusInProgress:
		// in_progress -> pending is the retry-with-backoff edge.
		return to == TaskStatusReady || to == TaskStatusPending ||
			to == TaskStatusFailed || to == TaskStatusCancelled
	default:
		// Terminal states never transition automatically.
		return false
	}
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusReady,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
