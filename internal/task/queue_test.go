package task

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storywright/illustration-api/internal/domain"
)

func queueTask(t *testing.T) *domain.IllustrationTask {
	t.Helper()
	task, err := domain.NewGlobalReferenceTask(uuid.New(), 1, "prompt")
	require.NoError(t, err)
	return task
}

func TestRunQueueEnqueueAndConsume(t *testing.T) {
	q := newRunQueue(2, slog.Default())
	first := queueTask(t)
	second := queueTask(t)

	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(second))

	assert.Equal(t, first, <-q.Chan())
	assert.Equal(t, second, <-q.Chan())
}

func TestRunQueueFull(t *testing.T) {
	q := newRunQueue(1, slog.Default())
	require.NoError(t, q.Enqueue(queueTask(t)))
	assert.ErrorIs(t, q.Enqueue(queueTask(t)), ErrQueueFull)
}

func TestRunQueueClosed(t *testing.T) {
	q := newRunQueue(1, slog.Default())
	q.Close()
	q.Close() // closing twice is safe
	assert.ErrorIs(t, q.Enqueue(queueTask(t)), ErrQueueClosed)

	_, open := <-q.Chan()
	assert.False(t, open)
}
