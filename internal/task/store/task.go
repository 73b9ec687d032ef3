package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pipedev/pipedev/internal/common/jsonutil"
	"github.com/pipedev/pipedev/internal/common/tracing"
	"github.com/pipedev/pipedev/internal/db/dialect"
	"github.com/pipedev/pipedev/internal/task/models"
)

const taskColumns = `id, project_id, pipeline_id, title, description, status, priority, tags, parent_task_id, feature_id, assignee, pr_link, branch_name, plan, depends_on, subtasks, metadata, created_at, updated_at`

// querier is the slice of sqlx.DB and sqlx.Tx the read helpers need.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	Rebind(query string) string
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// TaskFilter narrows ListTasks. Zero-valued fields are ignored.
type TaskFilter struct {
	Status       string
	PipelineID   string
	ParentTaskID string
	Search       string
	Limit        int
	Offset       int
}

// CreateTask creates a new task.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.ProjectID, task.PipelineID, task.Title, task.Description, task.Status,
		task.Priority, string(jsonutil.MarshalOrList(task.Tags)), task.ParentTaskID,
		task.FeatureID, task.Assignee, task.PRLink, task.BranchName, task.Plan,
		string(jsonutil.MarshalOrList(task.DependsOn)), string(jsonutil.MarshalOrList(task.Subtasks)),
		string(jsonutil.MarshalOrEmpty(task.Metadata)), task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, s.ro, id)
}

// GetTask re-reads the task inside the transaction.
func (t *Tx) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, t.tx, id)
}

func getTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTasksByIDs retrieves the tasks whose IDs are in ids. Missing IDs are
// skipped, not errors; callers compare lengths when absence matters.
func (s *Store) GetTasksByIDs(ctx context.Context, ids []string) ([]*models.Task, error) {
	return getTasksByIDs(ctx, s.ro, ids)
}

// GetTasksByIDs retrieves tasks by ID inside the transaction.
func (t *Tx) GetTasksByIDs(ctx context.Context, ids []string) ([]*models.Task, error) {
	return getTasksByIDs(ctx, t.tx, ids)
}

func getTasksByIDs(ctx context.Context, q querier, ids []string) ([]*models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// ListTasks returns tasks matching the filter, highest priority first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("pipedev-db").Start(ctx, "db.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.PipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, f.PipelineID)
	}
	if f.ParentTaskID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, f.ParentTaskID)
	}
	if f.Search != "" {
		like := dialect.Like(s.ro.DriverName())
		query += fmt.Sprintf(` AND (title %s ? OR description %s ?)`, like, like)
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY priority DESC, updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// CountTasksByPipeline returns the number of tasks bound to a pipeline.
func (s *Store) CountTasksByPipeline(ctx context.Context, pipelineID string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT COUNT(*) FROM tasks WHERE pipeline_id = ?`), pipelineID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateTask updates every mutable task column.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET project_id = ?, pipeline_id = ?, title = ?, description = ?, status = ?, priority = ?, tags = ?, parent_task_id = ?, feature_id = ?, assignee = ?, pr_link = ?, branch_name = ?, plan = ?, depends_on = ?, subtasks = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`), task.ProjectID, task.PipelineID, task.Title, task.Description, task.Status, task.Priority,
		string(jsonutil.MarshalOrList(task.Tags)), task.ParentTaskID, task.FeatureID, task.Assignee,
		task.PRLink, task.BranchName, task.Plan,
		string(jsonutil.MarshalOrList(task.DependsOn)), string(jsonutil.MarshalOrList(task.Subtasks)),
		string(jsonutil.MarshalOrEmpty(task.Metadata)), task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

// UpdateTaskStatus sets the status unconditionally. Transition commits go
// through Tx.UpdateTaskStatus; this variant exists for compensating updates
// after a failed required hook.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// UpdateTaskStatus sets the status inside the transaction, guarded by the
// expected current status so a concurrent commit loses cleanly.
func (t *Tx) UpdateTaskStatus(ctx context.Context, id, from, to string) error {
	result, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`), to, time.Now().UTC(), id, from)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: task %s is no longer in %q", ErrStatusConflict, id, from)
	}
	return nil
}

// UpdateTaskPlanning stores the plan text and replaces the flat subtask list.
func (s *Store) UpdateTaskPlanning(ctx context.Context, id, plan string, subtasks []models.Subtask) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET plan = ?, subtasks = ?, updated_at = ? WHERE id = ?`),
		plan, string(jsonutil.MarshalOrList(subtasks)), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// UpdateTaskSubtasks replaces the flat subtask list.
func (s *Store) UpdateTaskSubtasks(ctx context.Context, id string, subtasks []models.Subtask) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET subtasks = ?, updated_at = ? WHERE id = ?`),
		string(jsonutil.MarshalOrList(subtasks)), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// SetTaskBranch records the branch an agent run works on.
func (s *Store) SetTaskBranch(ctx context.Context, id, branch string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET branch_name = ?, updated_at = ? WHERE id = ?`), branch, time.Now().UTC(), id)
	return err
}

// SetTaskPRLink records the task's pull request URL.
func (s *Store) SetTaskPRLink(ctx context.Context, id, prLink string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET pr_link = ?, updated_at = ? WHERE id = ?`), prLink, time.Now().UTC(), id)
	return err
}

// ClearTaskDelivery clears the task-level branch and PR link, which phase
// advancement does before the next phase starts fresh.
func (s *Store) ClearTaskDelivery(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET pr_link = '', branch_name = '', updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	return err
}

// DeleteTask removes a task. Runs, phases, artifacts, prompts and context
// entries cascade with it; audit rows survive.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// scanTask scans a single task row.
func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var tags, dependsOn, subtasks, metadata string
	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.PipelineID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.Priority,
		&tags,
		&task.ParentTaskID,
		&task.FeatureID,
		&task.Assignee,
		&task.PRLink,
		&task.BranchName,
		&task.Plan,
		&dependsOn,
		&subtasks,
		&metadata,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Tags = jsonutil.ParseStrings([]byte(tags), nil)
	task.DependsOn = jsonutil.ParseStrings([]byte(dependsOn), nil)
	_ = jsonutil.ParseInto([]byte(subtasks), &task.Subtasks)
	task.Metadata = jsonutil.ParseMap([]byte(metadata), nil)
	return task, nil
}

// scanTasks is a helper to scan task rows.
func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
