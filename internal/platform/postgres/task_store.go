package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/platform/logger"
	"github.com/storywright/illustration-api/internal/store"
)

// taskColumns is the column list shared by every SELECT on
// illustration_tasks, in scanTask order.
const taskColumns = `id, story_id, page_id, task_type, page_number, total_pages,
	status, attempt_count, prompt_description, previous_illustration_path,
	illustration_path, last_error, created_at, updated_at`

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx}
}

// SaveTask persists a new task.
func (s *PostgresTaskStore) SaveTask(ctx context.Context, task *domain.IllustrationTask) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO illustration_tasks
			(id, story_id, page_id, task_type, page_number, total_pages,
			 status, attempt_count, prompt_description,
			 previous_illustration_path, illustration_path, last_error,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	now := time.Now().UTC()
	var pageID uuid.NullUUID
	if task.PageID != nil {
		pageID = uuid.NullUUID{UUID: *task.PageID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.StoryID,
		pageID,
		task.TaskType,
		task.PageNumber,
		task.TotalPages,
		task.Status,
		task.AttemptCount,
		task.PromptDescription,
		task.PreviousIllustrationPath,
		task.IllustrationPath,
		task.LastError,
		now,
		now,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"error", err)
		return fmt.Errorf("failed to save task: %w", MapError(err))
	}

	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

// SaveTasks persists a batch of tasks in one transaction when the store is
// backed by a connection pool. Inside an existing transaction the batch
// joins it.
func (s *PostgresTaskStore) SaveTasks(ctx context.Context, tasks []*domain.IllustrationTask) error {
	if db, ok := s.db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			txStore := s.WithTx(tx)
			for _, t := range tasks {
				if err := txStore.SaveTask(ctx, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	for _, t := range tasks {
		if err := s.SaveTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// GetTask retrieves a task by its ID.
func (s *PostgresTaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM illustration_tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return task, nil
}

// UpdateStatus updates a task's status and failure message. The
// illustration path is cleared in the same statement since no status
// reachable through this method carries one.
func (s *PostgresTaskStore) UpdateStatus(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus, errorMsg string) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE illustration_tasks
		SET status = $1, last_error = $2, illustration_path = '', updated_at = $3
		WHERE id = $4
	`

	result, err := s.db.ExecContext(ctx, query, status, errorMsg, time.Now().UTC(), taskID)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", taskID,
			"status", status,
			"error", err)
		return fmt.Errorf("failed to update task status: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, "illustration task"); err != nil {
		return err
	}
	return nil
}

// UpdateIllustrationPath records a task's output path and marks it ready
// in a single statement.
func (s *PostgresTaskStore) UpdateIllustrationPath(ctx context.Context, taskID uuid.UUID, path string) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE illustration_tasks
		SET status = $1, illustration_path = $2, last_error = '', updated_at = $3
		WHERE id = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.TaskStatusReady, path, time.Now().UTC(), taskID)
	if err != nil {
		log.Error("failed to record illustration path",
			"task_id", taskID,
			"error", err)
		return fmt.Errorf("failed to record illustration path: %w", MapError(err))
	}
	return CheckRowsAffected(result, "illustration task")
}

// IncrementAttempt adds one to the task's attempt count and returns the
// new value.
func (s *PostgresTaskStore) IncrementAttempt(ctx context.Context, taskID uuid.UUID) (int, error) {
	query := `
		UPDATE illustration_tasks
		SET attempt_count = attempt_count + 1, updated_at = $1
		WHERE id = $2
		RETURNING attempt_count
	`

	var count int
	err := s.db.QueryRowContext(ctx, query, time.Now().UTC(), taskID).Scan(&count)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return 0, store.ErrTaskNotFound
		}
		return 0, fmt.Errorf("failed to increment attempt count: %w", MapError(err))
	}
	return count, nil
}

// UpdatePreviousIllustrationPath records the preceding page's output path
// on a queued task.
func (s *PostgresTaskStore) UpdatePreviousIllustrationPath(ctx context.Context, taskID uuid.UUID, path string) error {
	query := `
		UPDATE illustration_tasks
		SET previous_illustration_path = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, path, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update previous illustration path: %w", MapError(err))
	}
	return CheckRowsAffected(result, "illustration task")
}

// DeleteTask removes a task record.
func (s *PostgresTaskStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM illustration_tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", MapError(err))
	}
	return CheckRowsAffected(result, "illustration task")
}

// GetPendingOrInProgress retrieves all non-terminal tasks in creation
// order, which recovery relies on to rebuild per-story execution order.
func (s *PostgresTaskStore) GetPendingOrInProgress(ctx context.Context) ([]*domain.IllustrationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM illustration_tasks
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query, domain.TaskStatusPending, domain.TaskStatusInProgress)
}

// TasksForStory retrieves every task of a story, global reference first,
// then pages ascending.
func (s *PostgresTaskStore) TasksForStory(ctx context.Context, storyID uuid.UUID) ([]*domain.IllustrationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM illustration_tasks
		WHERE story_id = $1
		ORDER BY (task_type = $2) DESC, page_number ASC, created_at ASC
	`
	return s.queryTasks(ctx, query, storyID, domain.TaskTypeGlobalReference)
}

// TasksForPage retrieves every task ever created for a page, newest first.
func (s *PostgresTaskStore) TasksForPage(ctx context.Context, pageID uuid.UUID) ([]*domain.IllustrationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM illustration_tasks
		WHERE page_id = $1
		ORDER BY created_at DESC
	`
	return s.queryTasks(ctx, query, pageID)
}

// DeleteTasksForStory removes all task records of a story. Removing an
// unknown story is a no-op.
func (s *PostgresTaskStore) DeleteTasksForStory(ctx context.Context, storyID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM illustration_tasks WHERE story_id = $1`, storyID)
	if err != nil {
		return fmt.Errorf("failed to delete story tasks: %w", MapError(err))
	}
	return nil
}

// CompletedGlobalReference returns the story's ready global reference
// task, or store.ErrTaskNotFound if none has completed.
func (s *PostgresTaskStore) CompletedGlobalReference(ctx context.Context, storyID uuid.UUID) (*domain.IllustrationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM illustration_tasks
		WHERE story_id = $1 AND task_type = $2 AND status = $3
		ORDER BY updated_at DESC
		LIMIT 1
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query,
		storyID, domain.TaskTypeGlobalReference, domain.TaskStatusReady))
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get global reference: %w", MapError(err))
	}
	return task, nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*domain.IllustrationTask, error) {
	log := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "error", err)
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.IllustrationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows", "error", err)
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*domain.IllustrationTask, error) {
	var (
		task   domain.IllustrationTask
		pageID uuid.NullUUID
	)
	err := row.Scan(
		&task.ID,
		&task.StoryID,
		&pageID,
		&task.TaskType,
		&task.PageNumber,
		&task.TotalPages,
		&task.Status,
		&task.AttemptCount,
		&task.PromptDescription,
		&task.PreviousIllustrationPath,
		&task.IllustrationPath,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pageID.Valid {
		id := pageID.UUID
		task.PageID = &id
	}
	return &task, nil
}
