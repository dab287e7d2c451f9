// ABOUTME: Task persistence operations for the SQLite store
// ABOUTME: CRUD plus compare-and-swap status transitions over the tasks table

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// CreateTask inserts a new task row.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, description, priority, status, requester, assigned_agent,
			resource, result_json, error, retry_count, timeout_secs, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var resultJSON any
	if task.Result != nil {
		resultJSON = string(task.Result)
	}

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Description,
		task.Priority,
		task.Status,
		task.Requester,
		nullString(task.AssignedAgent),
		task.Resource,
		resultJSON,
		nullString(task.Error),
		task.RetryCount,
		task.TimeoutSecs,
		formatTime(task.CreatedAt),
		formatNullTime(task.StartedAt),
		formatNullTime(task.CompletedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("task %s: %w", task.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "priority", task.Priority)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
// A zero filter returns up to 100 tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := taskSelect
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Agent != "" {
		conds = append(conds, "assigned_agent = ?")
		args = append(args, filter.Agent)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus transitions a task from expect to next, applying the
// partial update in the same statement. The WHERE clause on the expected
// status is the compare-and-swap: if another writer changed the status
// first, zero rows match and ErrConcurrentModification is returned.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, expect, next string, update TaskUpdate) error {
	set, args := taskUpdateClauses(update)
	set = append([]string{"status = ?"}, set...)
	args = append([]any{next}, args...)
	args = append(args, id, expect)

	query := "UPDATE tasks SET " + strings.Join(set, ", ") + " WHERE id = ? AND status = ?"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing task from a lost race.
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConcurrentModification
	}

	s.logger.Debug("task status transition", "id", id, "from", expect, "to", next)
	return nil
}

// UpdateTask applies a partial update without touching status.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	set, args := taskUpdateClauses(update)
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// taskUpdateClauses renders the non-nil fields of a TaskUpdate into SET
// clauses and their arguments.
func taskUpdateClauses(update TaskUpdate) ([]string, []any) {
	var set []string
	var args []any

	if update.AssignedAgent != nil {
		set = append(set, "assigned_agent = ?")
		args = append(args, nullString(*update.AssignedAgent))
	}
	if update.Result != nil {
		set = append(set, "result_json = ?")
		if *update.Result == nil {
			args = append(args, nil)
		} else {
			args = append(args, string(*update.Result))
		}
	}
	if update.Error != nil {
		set = append(set, "error = ?")
		args = append(args, nullString(*update.Error))
	}
	if update.RetryCount != nil {
		set = append(set, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, formatNullTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, formatNullTime(*update.CompletedAt))
	}
	return set, args
}

const taskSelect = `
	SELECT id, description, priority, status, requester, assigned_agent,
		resource, result_json, error, retry_count, timeout_secs, created_at, started_at, completed_at
	FROM tasks
`

// scanTask reads one tasks row using the provided scan function.
func scanTask(scan func(...any) error) (*Task, error) {
	var task Task
	var assignedAgent, resultJSON, errMsg sql.NullString
	var createdAtStr string
	var startedAt, completedAt sql.NullString

	if err := scan(
		&task.ID,
		&task.Description,
		&task.Priority,
		&task.Status,
		&task.Requester,
		&assignedAgent,
		&task.Resource,
		&resultJSON,
		&errMsg,
		&task.RetryCount,
		&task.TimeoutSecs,
		&createdAtStr,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if assignedAgent.Valid {
		task.AssignedAgent = &assignedAgent.String
	}
	if resultJSON.Valid {
		task.Result = json.RawMessage(resultJSON.String)
	}
	if errMsg.Valid {
		task.Error = &errMsg.String
	}

	var err error
	task.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	task.StartedAt, err = parseNullTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	task.CompletedAt, err = parseNullTime(completedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}

	return &task, nil
}
