package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskforge/scheduler/internal/scheduler"
)

// ListLocks returns every file lock held in a project.
func (s *SQLiteStore) ListLocks(ctx context.Context, projectID string) ([]scheduler.FileLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, task_id, file_path, locked_at
		FROM file_locks
		WHERE project_id = ?
		ORDER BY file_path
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var locks []scheduler.FileLock
	for rows.Next() {
		var lk scheduler.FileLock
		if err := rows.Scan(&lk.ProjectID, &lk.TaskID, &lk.FilePath, &lk.LockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, lk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}
	return locks, nil
}

// InsertLocks acquires all the given files for a task in one serializable
// transaction: any file already locked by a different task aborts with no
// partial acquisition. Re-acquiring a file the task already holds is a no-op.
func (s *SQLiteStore) InsertLocks(ctx context.Context, projectID, taskID string, files []string) (bool, error) {
	if len(files) == 0 {
		return true, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	conflict, err := lockConflictInTx(ctx, tx, projectID, taskID, files)
	if err != nil {
		return false, err
	}
	if conflict {
		return false, nil
	}

	if err := insertLocksInTx(ctx, tx, projectID, taskID, files); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeleteLocksForTask removes all locks held by a task. Idempotent.
func (s *SQLiteStore) DeleteLocksForTask(ctx context.Context, projectID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM file_locks WHERE project_id = ? AND task_id = ?
	`, projectID, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete locks: %w", err)
	}
	return nil
}

// ClaimTask is the dispatch-time claim: in one serializable transaction it
// acquires every declared file lock and moves the task QUEUED ->
// IN_PROGRESS, stamping started_at and the audit row. Returns false, nil if
// the claim is lost to a lock conflict or a concurrent status change.
func (s *SQLiteStore) ClaimTask(ctx context.Context, projectID, taskID string, files []string, actor string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read current status: %w", err)
	}
	if current != string(scheduler.StatusQueued) {
		return false, nil
	}

	conflict, err := lockConflictInTx(ctx, tx, projectID, taskID, files)
	if err != nil {
		return false, err
	}
	if conflict {
		return false, nil
	}
	if err := insertLocksInTx(ctx, tx, projectID, taskID, files); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(scheduler.StatusInProgress), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}

	if err := appendChange(ctx, tx, projectID, taskID, string(scheduler.StatusQueued), string(scheduler.StatusInProgress), actor, "dispatched"); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ReleaseClaim undoes a claim after a dispatch failure: deletes the task's
// locks and reverts IN_PROGRESS back to QUEUED with an audit row, in one
// transaction.
func (s *SQLiteStore) ReleaseClaim(ctx context.Context, projectID, taskID, actor, reason string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DELETE FROM file_locks WHERE project_id = ? AND task_id = ?`, projectID, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete locks: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, string(scheduler.StatusQueued), taskID, string(scheduler.StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to revert task status: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		if err := appendChange(ctx, tx, projectID, taskID, string(scheduler.StatusInProgress), string(scheduler.StatusQueued), actor, reason); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func lockConflictInTx(ctx context.Context, tx *sql.Tx, projectID, taskID string, files []string) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(files)), ",")
	args := []any{projectID, taskID}
	for _, f := range files {
		args = append(args, f)
	}

	var n int
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM file_locks
		WHERE project_id = ? AND task_id != ? AND file_path IN (%s)
	`, placeholders)
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check lock conflicts: %w", err)
	}
	return n > 0, nil
}

func insertLocksInTx(ctx context.Context, tx *sql.Tx, projectID, taskID string, files []string) error {
	for _, f := range files {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_locks (project_id, task_id, file_path, locked_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(project_id, file_path) DO NOTHING
		`, projectID, taskID, f)
		if err != nil {
			return fmt.Errorf("failed to insert lock on %s: %w", f, err)
		}
	}
	return nil
}
