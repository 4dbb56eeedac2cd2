// Package events implements the durable file-based event channel between the
// scheduler and its external collaborators (workers, crash detector). Each
// event is one write-once JSON file; consumption renames the file, never
// mutates it, giving at-least-once emission and exactly-once consumption per
// consumer directory.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	TaskCompleted      Type = "TASK_COMPLETED"
	TaskFailed         Type = "TASK_FAILED"
	DependencyResolved Type = "DEPENDENCY_RESOLVED"
	ResourceChanged    Type = "RESOURCE_CHANGED"
	WorkerCrashed      Type = "WORKER_CRASHED"
)

// Event is the wire format of one event file.
type Event struct {
	Type      Type           `json:"event_type"`
	TaskID    string         `json:"task_id"`
	ProjectID string         `json:"project_id"`
	OrderID   string         `json:"order_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
