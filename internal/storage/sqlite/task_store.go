package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// TaskStorage implements SQLite persistence for task rows
type TaskStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new task storage instance
func NewTaskStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

const taskColumns = `id, type, status, priority, progress_current, progress_total, progress_message,
	config, metadata, error_message, created_at, started_at, updated_at, completed_at, resume_started_at`

// timeToMillis converts a time to the Unix-millisecond form stored in SQLite
func timeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// millisToTime converts a stored Unix-millisecond value back to UTC time
func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: timeToMillis(*t)}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := millisToTime(v.Int64)
	return &t
}

// CreateTask inserts a new pending task row. Inserting an id that already
// exists returns ErrDuplicateTask.
func (s *TaskStorage) CreateTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	metadataJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = withRetry(ctx, s.logger, s.db.policy, "create_task", func() error {
		_, execErr := s.db.db.ExecContext(ctx, query,
			task.ID,
			task.Type,
			string(task.Status),
			task.Priority,
			task.Progress.Current,
			task.Progress.Total,
			task.Progress.Message,
			string(configJSON),
			string(metadataJSON),
			task.ErrorMessage,
			timeToMillis(task.CreatedAt),
			nullableMillis(task.StartedAt),
			timeToMillis(task.UpdatedAt),
			nullableMillis(task.CompletedAt),
			nullableMillis(task.ResumeStartedAt),
		)
		return execErr
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return interfaces.ErrDuplicateTask
		}
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to create task")
		return fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Debug().Str("task_id", task.ID).Str("type", task.Type).Msg("Task created")
	return nil
}

// GetTask retrieves a task by ID
func (s *TaskStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	row := s.db.db.QueryRowContext(ctx, query, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first
func (s *TaskStorage) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ", "))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, taskType := range filter.Types {
			placeholders[i] = "?"
			args = append(args, taskType)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ", "))
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask saves the full task row. Terminal rows are immutable: the
// update succeeds only when the stored status is still non-terminal or the
// stored status already equals the incoming one.
func (s *TaskStorage) UpdateTask(ctx context.Context, task *models.Task) error {
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	metadataJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	return withRetry(ctx, s.logger, s.db.policy, "update_task", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			current, err := currentStatus(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			if current.IsTerminal() && current != task.Status {
				return fmt.Errorf("%w: task %s is %s", interfaces.ErrInvalidTransition, task.ID, current)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET
					status = ?, priority = ?,
					progress_current = ?, progress_total = ?, progress_message = ?,
					config = ?, metadata = ?, error_message = ?,
					started_at = ?, updated_at = ?, completed_at = ?, resume_started_at = ?
				WHERE id = ?`,
				string(task.Status),
				task.Priority,
				task.Progress.Current,
				task.Progress.Total,
				task.Progress.Message,
				string(configJSON),
				string(metadataJSON),
				task.ErrorMessage,
				nullableMillis(task.StartedAt),
				timeToMillis(time.Now().UTC()),
				nullableMillis(task.CompletedAt),
				nullableMillis(task.ResumeStartedAt),
				task.ID,
			)
			return err
		})
	})
}

// UpdateTaskStatus performs an atomic lifecycle transition. It rejects
// illegal edges, stamps started_at on the first entry into running, stamps
// completed_at on terminal entry, and maintains the resume marker.
func (s *TaskStorage) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, errorMessage string) error {
	return withRetry(ctx, s.logger, s.db.policy, "update_task_status", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			current, err := currentStatus(ctx, tx, id)
			if err != nil {
				return err
			}

			// Idempotent cancel: re-cancelling a cancelled task is a no-op.
			if current == models.TaskStatusCancelled && status == models.TaskStatusCancelled {
				return nil
			}
			// Non-terminal self-transitions refresh the row (recovery may
			// re-mark a resuming task; the progress sink may race a running
			// confirmation). Everything else must be a legal edge.
			if current != status && !models.CanTransition(current, status) {
				return fmt.Errorf("%w: %s -> %s for task %s", interfaces.ErrInvalidTransition, current, status, id)
			}
			if current == status && current.IsTerminal() {
				return fmt.Errorf("%w: task %s is %s", interfaces.ErrInvalidTransition, id, current)
			}

			now := timeToMillis(time.Now().UTC())
			set := []string{"status = ?", "updated_at = ?"}
			args := []interface{}{string(status), now}

			if status == models.TaskStatusRunning {
				set = append(set, "started_at = COALESCE(started_at, ?)", "resume_started_at = NULL")
				args = append(args, now)
			}
			if status == models.TaskStatusResuming {
				set = append(set, "resume_started_at = ?")
				args = append(args, now)
			}
			if status.IsTerminal() {
				set = append(set, "completed_at = ?", "resume_started_at = NULL")
				args = append(args, now)
			}
			if errorMessage != "" {
				set = append(set, "error_message = ?")
				args = append(args, errorMessage)
			}

			args = append(args, id)
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(set, ", ")), args...)
			if err != nil {
				return err
			}

			s.logger.Debug().
				Str("task_id", id).
				Str("from", string(current)).
				Str("to", string(status)).
				Msg("Task status updated")
			return nil
		})
	})
}

// UpdateTaskProgress writes the progress columns for a live task. Progress
// against a terminal row is rejected so late worker output cannot mutate a
// finished task.
func (s *TaskStorage) UpdateTaskProgress(ctx context.Context, id string, progress models.Progress) error {
	return withRetry(ctx, s.logger, s.db.policy, "update_task_progress", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			current, err := currentStatus(ctx, tx, id)
			if err != nil {
				return err
			}
			if current.IsTerminal() {
				return fmt.Errorf("%w: task %s is %s", interfaces.ErrInvalidTransition, id, current)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET progress_current = ?, progress_total = ?, progress_message = ?, updated_at = ?
				WHERE id = ?`,
				progress.Current, progress.Total, progress.Message,
				timeToMillis(time.Now().UTC()), id)
			return err
		})
	})
}

// UpdateTaskMetadata merges the given keys into the task's metadata JSON
func (s *TaskStorage) UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	if len(metadata) == 0 {
		return nil
	}
	return withRetry(ctx, s.logger, s.db.policy, "update_task_metadata", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var raw sql.NullString
			err := tx.QueryRowContext(ctx, "SELECT metadata FROM tasks WHERE id = ?", id).Scan(&raw)
			if err == sql.ErrNoRows {
				return interfaces.ErrTaskNotFound
			}
			if err != nil {
				return err
			}

			merged := make(map[string]interface{})
			if raw.Valid && raw.String != "" {
				if err := json.Unmarshal([]byte(raw.String), &merged); err != nil {
					// Corrupt metadata is replaced rather than wedging the task
					s.logger.Warn().Err(err).Str("task_id", id).Msg("Replacing unreadable task metadata")
					merged = make(map[string]interface{})
				}
			}
			for k, v := range metadata {
				merged[k] = v
			}

			mergedJSON, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("failed to serialize metadata: %w", err)
			}

			_, err = tx.ExecContext(ctx,
				"UPDATE tasks SET metadata = ?, updated_at = ? WHERE id = ?",
				string(mergedJSON), timeToMillis(time.Now().UTC()), id)
			return err
		})
	})
}

// FindInterruptedTasks returns the recovery set: every task left in running
// or resuming by a previous process.
func (s *TaskStorage) FindInterruptedTasks(ctx context.Context) ([]*models.Task, error) {
	return s.ListTasks(ctx, interfaces.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusResuming},
	})
}

// MarkTaskResuming transitions a task into resuming and stamps the marker
func (s *TaskStorage) MarkTaskResuming(ctx context.Context, id string) error {
	return s.UpdateTaskStatus(ctx, id, models.TaskStatusResuming, "")
}

// ClearResumeMarker moves a resuming task to running and clears the marker.
// Invoked by the progress sink on the first update after recovery.
func (s *TaskStorage) ClearResumeMarker(ctx context.Context, id string) error {
	return s.UpdateTaskStatus(ctx, id, models.TaskStatusRunning, "")
}

// CountTasksByStatus returns row counts grouped by status
func (s *TaskStorage) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.db.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[models.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// Ping verifies the store is reachable
func (s *TaskStorage) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// inTx runs fn inside a transaction, rolling back on error
func (s *TaskStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// currentStatus reads a task's status inside a transaction
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (models.TaskStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", interfaces.ErrTaskNotFound
	}
	if err != nil {
		return "", err
	}
	return models.TaskStatus(status), nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanTask
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTask reads one task row
func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var status string
	var configJSON, metadataJSON, progressMessage, errorMessage sql.NullString
	var createdAt, updatedAt int64
	var startedAt, completedAt, resumeStartedAt sql.NullInt64

	err := row.Scan(
		&task.ID,
		&task.Type,
		&status,
		&task.Priority,
		&task.Progress.Current,
		&task.Progress.Total,
		&progressMessage,
		&configJSON,
		&metadataJSON,
		&errorMessage,
		&createdAt,
		&startedAt,
		&updatedAt,
		&completedAt,
		&resumeStartedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatus(status)
	task.Progress.Message = progressMessage.String
	task.ErrorMessage = errorMessage.String
	task.CreatedAt = millisToTime(createdAt)
	task.UpdatedAt = millisToTime(updatedAt)
	task.StartedAt = millisPtr(startedAt)
	task.CompletedAt = millisPtr(completedAt)
	task.ResumeStartedAt = millisPtr(resumeStartedAt)

	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &task.Config); err != nil {
			return nil, fmt.Errorf("failed to parse config for task %s: %w", task.ID, err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for task %s: %w", task.ID, err)
		}
	}

	return &task, nil
}
