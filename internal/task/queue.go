package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/storywright/illustration-api/internal/domain"
)

// Common errors returned by the run queue
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// runQueue is the buffered channel of tasks cleared for execution. Only
// tasks whose story-ordering prerequisites are satisfied are ever placed
// here; workers consume from it without further ordering checks.
type runQueue struct {
	tasks  chan *domain.IllustrationTask
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// newRunQueue creates a run queue with the specified buffer size.
func newRunQueue(size int, logger *slog.Logger) *runQueue {
	return &runQueue{
		tasks:  make(chan *domain.IllustrationTask, size),
		logger: logger,
	}
}

// Enqueue adds a task to the queue for processing.
// Returns an error if the queue is full or closed.
func (q *runQueue) Enqueue(t *domain.IllustrationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- t:
		q.logger.Debug("task admitted to run queue",
			"task_id", t.ID,
			"task_type", t.TaskType,
			"queue_len", len(q.tasks),
			"queue_cap", cap(q.tasks))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.tasks))
	}
}

// Close closes the queue, preventing further task admission.
func (q *runQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
		q.logger.Info("task run queue closed")
	}
}

// Chan returns a read-only channel for consuming tasks.
func (q *runQueue) Chan() <-chan *domain.IllustrationTask {
	return q.tasks
}
