// Package task implements the durable illustration pipeline: a manager that
// accepts stories, derives one task per illustration, persists every state
// transition through store.TaskStore, and drives a pool of workers against
// the image generation backend while preserving strict per-story ordering.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/prompt"
)

// Common task pipeline errors.
var (
	// ErrNilStore indicates a nil task store was provided.
	ErrNilStore = errors.New("task store cannot be nil")

	// ErrNilClient indicates a nil generation client was provided.
	ErrNilClient = errors.New("generation client cannot be nil")

	// ErrNilComposer indicates a nil prompt composer was provided.
	ErrNilComposer = errors.New("prompt composer cannot be nil")

	// ErrNilClassifier indicates a nil error classifier was provided.
	ErrNilClassifier = errors.New("error classifier cannot be nil")

	// ErrNilStoryID indicates a story submission without a story ID.
	ErrNilStoryID = errors.New("story ID cannot be nil")

	// ErrNoPages indicates a story submission without any pages.
	ErrNoPages = errors.New("story must contain at least one page")

	// ErrTaskNotRetryable indicates a retry request for a task that is not
	// in the failed state. Only failed tasks accept manual retries.
	ErrTaskNotRetryable = errors.New("task is not in a retryable state")

	// ErrStorageUpdate indicates that an attempt produced an image but its
	// completion could not be durably recorded. Always treated as
	// transient.
	ErrStorageUpdate = errors.New("storage update failed")
)

// GenerationClient abstracts the image generation backend. Implemented by
// imagegen.Client in production; tests substitute scripted fakes.
type GenerationClient interface {
	// Generate produces one illustration for the prompt, optionally
	// conditioned on reference images, and returns the storage-relative
	// path of the persisted result.
	Generate(ctx context.Context, prompt string, referenceImages [][]byte) (string, error)

	// ReadImage loads a previously generated illustration by its
	// storage-relative path.
	ReadImage(relPath string) ([]byte, error)
}

// PromptComposer abstracts prompt construction so the manager does not
// depend on the concrete composition rules.
type PromptComposer interface {
	BuildGlobalReferencePrompt(vc domain.VisualContext, storyTitle string, collection *domain.CollectionVisualContext) string
	BuildSequentialPrompt(in prompt.SequentialInput) string
}

// ErrorClassifier reports whether a generation failure is transient and
// worth retrying. Wired to imagegen.Retryable in production.
type ErrorClassifier func(err error) bool

// StorySpec is a complete story submission: the pages to illustrate plus
// the visual context the prompts are composed from.
type StorySpec struct {
	StoryID       uuid.UUID
	Title         string
	Pages         []domain.Page
	VisualContext domain.VisualContext

	// Collection carries shared constraints when the story belongs to a
	// themed collection. Nil for standalone stories.
	Collection *domain.CollectionVisualContext
}

// ManagerConfig holds the tunable pipeline parameters.
type ManagerConfig struct {
	// WorkerCount is the number of concurrent generation workers.
	WorkerCount int

	// QueueSize is the capacity of the runnable task buffer.
	QueueSize int

	// MaxAttempts bounds how many times a task is executed before it is
	// marked failed.
	MaxAttempts int

	// RetryBaseDelay is the delay before the first retry; subsequent
	// retries back off exponentially from it.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the computed backoff delay.
	RetryMaxDelay time.Duration
}

// DefaultManagerConfig returns a reasonable default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		WorkerCount:    2,
		QueueSize:      100,
		MaxAttempts:    3,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  60 * time.Second,
	}
}
