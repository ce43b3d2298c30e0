package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/store"
)

func newMockStore(t *testing.T) (*PostgresTaskStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresTaskStore(db), mock
}

func sampleTask(t *testing.T) *domain.IllustrationTask {
	t.Helper()
	task, err := domain.NewSequentialTask(uuid.New(), uuid.New(), 1, 3, "a fox on a hill")
	require.NoError(t, err)
	return task
}

func taskRows(tasks ...*domain.IllustrationTask) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "story_id", "page_id", "task_type", "page_number", "total_pages",
		"status", "attempt_count", "prompt_description",
		"previous_illustration_path", "illustration_path", "last_error",
		"created_at", "updated_at",
	})
	for _, task := range tasks {
		var pageID interface{}
		if task.PageID != nil {
			pageID = *task.PageID
		}
		rows.AddRow(
			task.ID, task.StoryID, pageID, string(task.TaskType),
			task.PageNumber, task.TotalPages, string(task.Status),
			task.AttemptCount, task.PromptDescription,
			task.PreviousIllustrationPath, task.IllustrationPath,
			task.LastError, time.Now().UTC(), time.Now().UTC(),
		)
	}
	return rows
}

func TestSaveTask(t *testing.T) {
	s, mock := newMockStore(t)
	task := sampleTask(t)

	mock.ExpectExec("INSERT INTO illustration_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveTask(context.Background(), task))
	assert.False(t, task.CreatedAt.IsZero())
}

func TestSaveTaskRejectsInvalidTask(t *testing.T) {
	s, _ := newMockStore(t)
	task := sampleTask(t)
	task.PromptDescription = ""

	err := s.SaveTask(context.Background(), task)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestSaveTasksUsesOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	first := sampleTask(t)
	second := sampleTask(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO illustration_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO illustration_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveTasks(context.Background(), []*domain.IllustrationTask{first, second})
	require.NoError(t, err)
}

func TestSaveTasksRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	first := sampleTask(t)
	second := sampleTask(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO illustration_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO illustration_tasks").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.SaveTasks(context.Background(), []*domain.IllustrationTask{first, second})
	assert.Error(t, err)
}

func TestGetTask(t *testing.T) {
	s, mock := newMockStore(t)
	task := sampleTask(t)

	mock.ExpectQuery("SELECT (.+) FROM illustration_tasks WHERE id").
		WithArgs(task.ID).
		WillReturnRows(taskRows(task))

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	require.NotNil(t, got.PageID)
	assert.Equal(t, *task.PageID, *got.PageID)
}

func TestGetTaskNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM illustration_tasks WHERE id").
		WithArgs(id).
		WillReturnRows(taskRows())

	_, err := s.GetTask(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestUpdateStatusClearsPath(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE illustration_tasks").
		WithArgs(string(domain.TaskStatusFailed), "backend rejected prompt", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateStatus(context.Background(), id, domain.TaskStatusFailed, "backend rejected prompt")
	require.NoError(t, err)
}

func TestUpdateStatusUnknownTask(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE illustration_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateStatus(context.Background(), id, domain.TaskStatusCancelled, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateIllustrationPath(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE illustration_tasks").
		WithArgs(string(domain.TaskStatusReady), "illustrations/abc.png", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateIllustrationPath(context.Background(), id, "illustrations/abc.png"))
}

func TestIncrementAttempt(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE illustration_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"attempt_count"}).AddRow(2))

	count, err := s.IncrementAttempt(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGetPendingOrInProgress(t *testing.T) {
	s, mock := newMockStore(t)
	first := sampleTask(t)
	second := sampleTask(t)

	mock.ExpectQuery("SELECT (.+) FROM illustration_tasks").
		WithArgs(string(domain.TaskStatusPending), string(domain.TaskStatusInProgress)).
		WillReturnRows(taskRows(first, second))

	tasks, err := s.GetPendingOrInProgress(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.ID, tasks[0].ID)
}

func TestCompletedGlobalReferenceNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	storyID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM illustration_tasks").
		WillReturnRows(taskRows())

	_, err := s.CompletedGlobalReference(context.Background(), storyID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestDeleteTasksForStoryIsIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	storyID := uuid.New()

	mock.ExpectExec("DELETE FROM illustration_tasks").
		WithArgs(storyID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.DeleteTasksForStory(context.Background(), storyID))
}
