package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'P2',
		target_files TEXT,
		assignee TEXT,
		started_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_order ON tasks(project_id, order_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(project_id, status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_task_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_project ON task_dependencies(project_id);

	CREATE TABLE IF NOT EXISTS file_locks (
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		locked_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, file_path)
	);

	CREATE INDEX IF NOT EXISTS idx_file_locks_task ON file_locks(project_id, task_id);

	CREATE TABLE IF NOT EXISTS change_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		field_name TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		changed_by TEXT NOT NULL,
		change_reason TEXT,
		changed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		project_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_history_entity ON change_history(entity_type, entity_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
