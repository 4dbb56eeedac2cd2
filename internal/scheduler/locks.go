package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
)

// FileLockRegistry grants and revokes per-file locks through the store so
// that two tasks never edit the same file concurrently. Locks are rows, not
// mutexes: they survive scheduler restarts and are reclaimed opportunistically
// once the owning task stops editing files.
type FileLockRegistry struct {
	store  TaskStore
	logger *log.Logger
}

// NewFileLockRegistry creates a registry over the given store.
func NewFileLockRegistry(store TaskStore, logger *log.Logger) *FileLockRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &FileLockRegistry{store: store, logger: logger}
}

// AcquireLocks claims every file for the task in one transaction. Any
// conflict with a lock held by a different task means no row is inserted and
// false is returned. Zero files always succeeds.
func (r *FileLockRegistry) AcquireLocks(ctx context.Context, projectID, taskID string, files []string) (bool, error) {
	if len(files) == 0 {
		return true, nil
	}
	ok, err := r.store.InsertLocks(ctx, projectID, taskID, files)
	if err != nil {
		return false, fmt.Errorf("acquiring locks for task %s: %w", taskID, err)
	}
	return ok, nil
}

// ReleaseLocks deletes all locks held by the task. Idempotent.
func (r *FileLockRegistry) ReleaseLocks(ctx context.Context, projectID, taskID string) error {
	if err := r.store.DeleteLocksForTask(ctx, projectID, taskID); err != nil {
		return fmt.Errorf("releasing locks for task %s: %w", taskID, err)
	}
	return nil
}

// CheckConflicts reports the ids of tasks holding locks on any of the given
// files. Before reporting it reclaims stale locks: rows whose owner has
// reached a status in which it no longer edits files (COMPLETED, DONE,
// REJECTED, or any other terminal status). A task never conflicts with its
// own locks.
func (r *FileLockRegistry) CheckConflicts(ctx context.Context, projectID, taskID string, files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	locks, err := r.store.ListLocks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}

	wanted := make(map[string]bool, len(files))
	for _, f := range files {
		wanted[f] = true
	}

	blockers := map[string]bool{}
	reclaimed := map[string]bool{}
	for _, lk := range locks {
		if !wanted[lk.FilePath] || lk.TaskID == taskID {
			continue
		}
		if reclaimed[lk.TaskID] {
			continue
		}
		if blockers[lk.TaskID] {
			continue
		}

		owner, err := r.store.GetTask(ctx, lk.TaskID)
		if errors.Is(err, ErrTaskNotFound) {
			// Orphaned lock: the owning row is gone.
			reclaimed[lk.TaskID] = true
		} else if err != nil {
			return nil, fmt.Errorf("resolving lock owner %s: %w", lk.TaskID, err)
		} else if lockReclaimable(owner.Status) {
			reclaimed[lk.TaskID] = true
		} else {
			blockers[lk.TaskID] = true
			continue
		}

		r.logger.Printf("lock registry: reclaiming stale locks held by task %s", lk.TaskID)
		if err := r.store.DeleteLocksForTask(ctx, projectID, lk.TaskID); err != nil {
			return nil, fmt.Errorf("reclaiming locks of task %s: %w", lk.TaskID, err)
		}
	}

	out := make([]string, 0, len(blockers))
	for id := range blockers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// CanTaskStart resolves the task's declared files and reports whether any
// other task blocks them. Tasks with no declared files are always startable
// with respect to locks.
func (r *FileLockRegistry) CanTaskStart(ctx context.Context, projectID string, task *Task) (bool, []string, error) {
	blockers, err := r.CheckConflicts(ctx, projectID, task.ID, task.TargetFiles)
	if err != nil {
		return false, nil, err
	}
	return len(blockers) == 0, blockers, nil
}

// lockReclaimable reports whether a lock held by a task in this status is
// stale. DONE is included even though it is not terminal: an unreviewed task
// has stopped editing files.
func lockReclaimable(s Status) bool {
	return s.Terminal() || s == StatusDone
}
