package scheduler

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
// Only the scheduling policy moves QUEUED -> IN_PROGRESS; the worker and
// review paths own the DONE/COMPLETED/REWORK transitions.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusBlocked    Status = "BLOCKED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE" // finished but unreviewed
	StatusCompleted  Status = "COMPLETED"
	StatusRework     Status = "REWORK"
	StatusRejected   Status = "REJECTED"
	StatusCancelled  Status = "CANCELLED"
	StatusSkipped    Status = "SKIPPED"
	StatusUnknown    Status = "UNKNOWN"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Priority orders candidates within a scheduling cycle. P0 is highest.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Rank returns a sortable weight for the priority. Unrecognized priorities
// sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	}
	return 4
}

// Task is one schedulable unit of work belonging to an order.
type Task struct {
	ID          string
	ProjectID   string
	OrderID     string
	Status      Status
	Priority    Priority
	TargetFiles []string // files the worker will edit, used for lock exclusivity
	Assignee    string
	StartedAt   *time.Time
	UpdatedAt   time.Time
}

// DependencyEdge records that TaskID cannot start before DependsOnID is
// reviewed and COMPLETED.
type DependencyEdge struct {
	TaskID      string
	DependsOnID string
	ProjectID   string
}

// FileLock is a per-file mutual-exclusion claim held by one task.
type FileLock struct {
	ProjectID string
	TaskID    string
	FilePath  string
	LockedAt  time.Time
}

// ChangeRecord is one append-only audit row written alongside every status
// transition.
type ChangeRecord struct {
	EntityType   string
	EntityID     string
	FieldName    string
	OldValue     string
	NewValue     string
	ChangedBy    string
	ChangeReason string
	ChangedAt    time.Time
	ProjectID    string
}

var (
	// ErrTaskNotFound is returned by stores when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStatusConflict is returned by TransitionStatus when the task's
	// current status no longer matches the expected from-status. Callers
	// treat it as "someone else got there first", not a failure.
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// TaskStore is the narrow persistence surface the scheduler consumes.
// Implementations back it with a single serialized relational store; every
// mutation is one short transaction.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// ListTasks returns all tasks for a project. An empty orderID means
	// all orders.
	ListTasks(ctx context.Context, projectID, orderID string) ([]*Task, error)
	ListDependencies(ctx context.Context, projectID string) ([]DependencyEdge, error)

	// TransitionStatus atomically moves a task from one status to another
	// and appends the matching audit row. Returns ErrStatusConflict if the
	// current status is not `from`.
	TransitionStatus(ctx context.Context, taskID string, from, to Status, actor, reason string) error

	ListLocks(ctx context.Context, projectID string) ([]FileLock, error)
	// InsertLocks acquires all the given file locks for a task in one
	// transaction, or none of them. Returns false on any conflict with a
	// lock held by a different task.
	InsertLocks(ctx context.Context, projectID, taskID string, files []string) (bool, error)
	DeleteLocksForTask(ctx context.Context, projectID, taskID string) error

	// ClaimTask performs the dispatch-time claim: lock acquisition and the
	// QUEUED -> IN_PROGRESS transition (with started_at and audit row) in a
	// single transaction. Returns false, nil when the claim is lost to a
	// lock conflict or a concurrent status change.
	ClaimTask(ctx context.Context, projectID, taskID string, files []string, actor string) (bool, error)
	// ReleaseClaim undoes a claim after a dispatch failure: deletes the
	// task's locks and reverts IN_PROGRESS back to QUEUED.
	ReleaseClaim(ctx context.Context, projectID, taskID, actor, reason string) error
}

// WorkerLauncher starts the external worker process for a dispatched task.
// Launch is fire-and-forget: the scheduler never waits on the worker, it
// observes completion through the store and the event channel.
type WorkerLauncher interface {
	Launch(ctx context.Context, task *Task) error
}

// IncidentSink receives best-effort operational reports. Sink failures must
// never abort scheduling.
type IncidentSink interface {
	Report(ctx context.Context, kind, message string, fields map[string]any) error
}
