package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskforge/scheduler/internal/events"
)

// resolveOnCompletion propagates a completed task to its direct successors:
// every successor currently BLOCKED whose dependencies are all COMPLETED
// transitions BLOCKED -> QUEUED with a matching audit row. The check is
// strict: a DONE (unreviewed) dependency does not count, so fan-out waits for
// review. Returns the number of tasks unblocked.
func (p *Policy) resolveOnCompletion(ctx context.Context, projectID, completedID string) (int, error) {
	tasks, err := p.store.ListTasks(ctx, projectID, "")
	if err != nil {
		return 0, fmt.Errorf("listing tasks for resolution: %w", err)
	}
	edges, err := p.store.ListDependencies(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("listing dependencies for resolution: %w", err)
	}

	graph := BuildGraph(tasks, edges)
	resolved := 0

	for _, succID := range graph.Successors(completedID) {
		succ := graph.Node(succID)
		if succ == nil || succ.Status != StatusBlocked {
			continue
		}

		allCompleted := true
		for _, depID := range graph.Predecessors(succID) {
			dep := graph.Node(depID)
			if dep == nil || dep.Status != StatusCompleted {
				allCompleted = false
				break
			}
		}
		if !allCompleted {
			continue
		}

		reason := fmt.Sprintf("dependency %s completed", completedID)
		err := p.store.TransitionStatus(ctx, succID, StatusBlocked, StatusQueued, actorResolver, reason)
		if errors.Is(err, ErrStatusConflict) {
			// Someone resolved it between snapshot and write.
			continue
		}
		if err != nil {
			return resolved, fmt.Errorf("unblocking task %s: %w", succID, err)
		}
		resolved++

		if err := p.channel.Emit(events.DependencyResolved, succID, map[string]any{
			"resolved_by": completedID,
			"attempt_id":  uuid.NewString(),
		}); err != nil {
			p.logger.Printf("resolver: emitting resolution event for %s: %v", succID, err)
		}
		p.logger.Printf("resolver: task %s unblocked by completion of %s", succID, completedID)
	}

	return resolved, nil
}
