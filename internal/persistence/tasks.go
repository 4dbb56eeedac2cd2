package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskforge/scheduler/internal/scheduler"
)

// SaveTask inserts or updates a task. Upstream order conversion owns task
// creation; the scheduler only mutates status and started_at, but tests and
// seeding tools go through here.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	targetFiles := strings.Join(task.TargetFiles, ",")

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, order_id, status, priority, target_files, assignee, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			order_id = excluded.order_id,
			status = excluded.status,
			priority = excluded.priority,
			target_files = excluded.target_files,
			assignee = excluded.assignee,
			started_at = excluded.started_at,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.ProjectID, task.OrderID, string(task.Status), string(task.Priority), targetFiles, task.Assignee, task.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// AddDependency records that taskID depends on dependsOnID.
func (s *SQLiteStore) AddDependency(ctx context.Context, projectID, taskID, dependsOnID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_task_id, project_id)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id, depends_on_task_id) DO NOTHING
	`, taskID, dependsOnID, projectID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %s -> %s: %w", taskID, dependsOnID, err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, order_id, status, priority, target_files, assignee, started_at, updated_at
		FROM tasks
		WHERE id = ?
	`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks for a project, optionally restricted to one
// order. Ordered by id for deterministic iteration.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID, orderID string) ([]*scheduler.Task, error) {
	query := `
		SELECT id, project_id, order_id, status, priority, target_files, assignee, started_at, updated_at
		FROM tasks
		WHERE project_id = ?`
	args := []any{projectID}
	if orderID != "" {
		query += ` AND order_id = ?`
		args = append(args, orderID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// ListDependencies returns every dependency edge of a project.
func (s *SQLiteStore) ListDependencies(ctx context.Context, projectID string) ([]scheduler.DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_task_id, project_id
		FROM task_dependencies
		WHERE project_id = ?
		ORDER BY task_id, depends_on_task_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var edges []scheduler.DependencyEdge
	for rows.Next() {
		var e scheduler.DependencyEdge
		if err := rows.Scan(&e.TaskID, &e.DependsOnID, &e.ProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return edges, nil
}

// TransitionStatus atomically moves a task between statuses and appends the
// audit row, in one serializable transaction. Returns ErrStatusConflict when
// the current status does not match `from`.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, taskID string, from, to scheduler.Status, actor, reason string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current, projectID string
	err = tx.QueryRowContext(ctx, `SELECT status, project_id FROM tasks WHERE id = ?`, taskID).Scan(&current, &projectID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}
	if current != string(from) {
		return fmt.Errorf("%w: task %s is %s, expected %s", scheduler.ErrStatusConflict, taskID, current, from)
	}

	if to == scheduler.StatusInProgress {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, string(to), taskID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, string(to), taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if err := appendChange(ctx, tx, projectID, taskID, string(from), string(to), actor, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountByStatus counts tasks in the given status. An empty orderID counts
// project-wide.
func (s *SQLiteStore) CountByStatus(ctx context.Context, projectID, orderID string, status scheduler.Status) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE project_id = ? AND status = ?`
	args := []any{projectID, string(status)}
	if orderID != "" {
		query += ` AND order_id = ?`
		args = append(args, orderID)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// ListOrders returns the distinct order ids of a project that still have
// non-terminal tasks.
func (s *SQLiteStore) ListOrders(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT order_id FROM tasks
		WHERE project_id = ? AND status NOT IN ('COMPLETED', 'REJECTED', 'CANCELLED', 'SKIPPED')
		ORDER BY order_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// StatusSummary returns status counts per order for a project.
func (s *SQLiteStore) StatusSummary(ctx context.Context, projectID string) (map[string]map[scheduler.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, status, COUNT(*) FROM tasks
		WHERE project_id = ?
		GROUP BY order_id, status
		ORDER BY order_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[string]map[scheduler.Status]int)
	for rows.Next() {
		var orderID, status string
		var n int
		if err := rows.Scan(&orderID, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		if summary[orderID] == nil {
			summary[orderID] = make(map[scheduler.Status]int)
		}
		summary[orderID][scheduler.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary: %w", err)
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var status, priority, targetFiles string
	var assignee sql.NullString
	var startedAt sql.NullTime

	err := row.Scan(&task.ID, &task.ProjectID, &task.OrderID, &status, &priority, &targetFiles, &assignee, &startedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = scheduler.Status(status)
	task.Priority = scheduler.Priority(priority)
	if targetFiles != "" {
		task.TargetFiles = strings.Split(targetFiles, ",")
	}
	if assignee.Valid {
		task.Assignee = assignee.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	return task, nil
}
