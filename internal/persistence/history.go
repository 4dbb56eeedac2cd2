package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskforge/scheduler/internal/scheduler"
)

// appendChange writes one audit row inside the caller's transaction. The
// history table is append-only; nothing ever updates or deletes from it.
func appendChange(ctx context.Context, tx *sql.Tx, projectID, taskID, oldValue, newValue, actor, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_history (entity_type, entity_id, field_name, old_value, new_value, changed_by, change_reason, changed_at, project_id)
		VALUES ('task', ?, 'status', ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
	`, taskID, oldValue, newValue, actor, reason, projectID)
	if err != nil {
		return fmt.Errorf("failed to append change history: %w", err)
	}
	return nil
}

// ListHistory returns the audit rows for one entity, oldest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, entityID string) ([]scheduler.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, field_name, old_value, new_value, changed_by, change_reason, changed_at, project_id
		FROM change_history
		WHERE entity_id = ?
		ORDER BY id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []scheduler.ChangeRecord
	for rows.Next() {
		var rec scheduler.ChangeRecord
		var oldValue, newValue, reason sql.NullString
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.FieldName, &oldValue, &newValue, &rec.ChangedBy, &reason, &rec.ChangedAt, &rec.ProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.OldValue = oldValue.String
		rec.NewValue = newValue.String
		rec.ChangeReason = reason.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return records, nil
}
