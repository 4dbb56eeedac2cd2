package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/taskforge/scheduler/internal/config"
	"github.com/taskforge/scheduler/internal/events"
	"github.com/taskforge/scheduler/internal/resource"
)

const (
	actorPolicy   = "SchedulingPolicy"
	actorResolver = "DependencyResolver"
)

// SkippedTask records why a candidate was not dispatched this cycle.
type SkippedTask struct {
	TaskID string
	Reason string
}

// CycleResult is what one EvaluateCycle call decided.
type CycleResult struct {
	Dispatched      []string
	Skipped         []SkippedTask
	NextPollSeconds float64
}

// Policy is the per-order orchestrator. Each cycle it consumes events,
// propagates dependency resolution, derives the ready set, filters lock
// conflicts, caps by resource headroom, and dispatches in priority order.
// One Policy instance serves one (project, order) loop; all of its mutation
// is serialized by that loop.
type Policy struct {
	store     TaskStore
	locks     *FileLockRegistry
	monitor   *resource.Monitor
	channel   *events.Channel
	poller    *AdaptivePoller
	launcher  WorkerLauncher
	incidents IncidentSink
	cfg       *config.Config
	logger    *log.Logger

	lastBlocked bool
}

// NewPolicy wires a scheduling policy. The incident sink may be nil.
func NewPolicy(store TaskStore, locks *FileLockRegistry, monitor *resource.Monitor, channel *events.Channel, poller *AdaptivePoller, launcher WorkerLauncher, incidents IncidentSink, cfg *config.Config, logger *log.Logger) *Policy {
	if logger == nil {
		logger = log.Default()
	}
	return &Policy{
		store:     store,
		locks:     locks,
		monitor:   monitor,
		channel:   channel,
		poller:    poller,
		launcher:  launcher,
		incidents: incidents,
		cfg:       cfg,
		logger:    logger,
	}
}

// EvaluateCycle runs one scheduling cycle for the order. Per-candidate
// conditions (locks, resources) surface only in Skipped; store unavailability
// aborts the cycle, and graph cycles propagate as *CycleError.
func (p *Policy) EvaluateCycle(ctx context.Context, projectID, orderID string) (*CycleResult, error) {
	if _, err := p.monitor.CollectSample(); err != nil {
		p.logger.Printf("policy: resource sample failed: %v", err)
	}

	// Step 1: consume events and propagate completions before deriving
	// candidates, so newly unblocked tasks are visible this same cycle.
	evs, err := p.channel.Consume()
	if err != nil {
		p.logger.Printf("policy: event consumption failed: %v", err)
		evs = nil
	}

	for _, ev := range evs {
		switch ev.Type {
		case events.TaskCompleted:
			if _, err := p.resolveOnCompletion(ctx, projectID, ev.TaskID); err != nil {
				return nil, err
			}
		case events.TaskFailed, events.WorkerCrashed:
			p.handleWorkerLoss(ctx, projectID, ev)
		}
	}

	// Step 2: fresh snapshot and ready set.
	tasks, err := p.store.ListTasks(ctx, projectID, "")
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	edges, err := p.store.ListDependencies(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", err)
	}

	graph := BuildGraph(tasks, edges)
	if _, err := graph.TopologicalSort(); err != nil {
		// A cyclic dependency graph can never make progress; fatal.
		return nil, err
	}

	completed := make(map[string]bool)
	byID := make(map[string]*Task, len(tasks))
	currentWorkers := 0
	for _, t := range tasks {
		byID[t.ID] = t
		if t.Status == StatusCompleted {
			completed[t.ID] = true
		}
		if t.Status == StatusInProgress && t.OrderID == orderID {
			currentWorkers++
		}
	}

	var candidates []*Task
	for _, id := range graph.ReadyTasks(completed) {
		t := byID[id]
		if t != nil && t.OrderID == orderID {
			candidates = append(candidates, t)
		}
	}

	// Step 4 (before 3 so batch-conflict filtering is deterministic):
	// priority order, ties by id.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
		}
		return candidates[i].ID < candidates[j].ID
	})

	result := &CycleResult{}

	// Step 5: resource verdict and capacity.
	severity, reason, capErr := p.monitor.CanLaunch()
	if capErr != nil {
		p.logger.Printf("policy: resource check failed, assuming healthy: %v", capErr)
		severity, reason = resource.SeverityNone, ""
	}
	p.noteResourceVerdict(ctx, severity, reason)

	capacity := 0
	if severity != resource.SeverityBlock {
		predicted, err := p.monitor.PredictedWorkers(currentWorkers, p.cfg.MaxWorkers)
		if err != nil {
			p.logger.Printf("policy: worker prediction failed, using pool cap: %v", err)
			predicted = p.cfg.MaxWorkers
		}
		capacity = p.cfg.MaxWorkers - currentWorkers
		if predicted < capacity {
			capacity = predicted
		}
	}

	if capacity <= 0 && len(candidates) > 0 {
		// Zero dispatches is a normal outcome, not an error.
		skipReason := "worker pool at capacity"
		if severity == resource.SeverityBlock {
			skipReason = "resource constrained: " + reason
		}
		for _, cand := range candidates {
			result.Skipped = append(result.Skipped, SkippedTask{TaskID: cand.ID, Reason: skipReason})
		}
		candidates = nil
	}

	// Steps 3 + 6: walk candidates in order, filtering conflicts against
	// this batch and against persisted locks, dispatching up to capacity.
	claimed := map[string]string{} // file -> task that claimed it this batch
	for _, cand := range candidates {
		if len(result.Dispatched) >= capacity {
			result.Skipped = append(result.Skipped, SkippedTask{TaskID: cand.ID, Reason: "worker pool at capacity"})
			continue
		}

		if blocker, file := batchConflict(claimed, cand); blocker != "" {
			result.Skipped = append(result.Skipped, SkippedTask{
				TaskID: cand.ID,
				Reason: fmt.Sprintf("file %s claimed by %s in this batch", file, blocker),
			})
			continue
		}

		ok, blockers, err := p.locks.CanTaskStart(ctx, projectID, cand)
		if err != nil {
			return nil, fmt.Errorf("checking locks for task %s: %w", cand.ID, err)
		}
		if !ok {
			result.Skipped = append(result.Skipped, SkippedTask{
				TaskID: cand.ID,
				Reason: fmt.Sprintf("blocked by file locks held by %s", strings.Join(blockers, ", ")),
			})
			continue
		}

		if cand.Status == StatusBlocked {
			// Ready but still BLOCKED: the dependency reached COMPLETED
			// without a consumable event (external mutation, or the event
			// file aged out). Unblock here so the claim can proceed; the
			// ready set already guarantees every dependency is COMPLETED.
			err := p.store.TransitionStatus(ctx, cand.ID, StatusBlocked, StatusQueued, actorResolver, "dependencies completed")
			if errors.Is(err, ErrStatusConflict) {
				result.Skipped = append(result.Skipped, SkippedTask{TaskID: cand.ID, Reason: "claim lost to concurrent lock or status change"})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("unblocking ready task %s: %w", cand.ID, err)
			}
		}

		dispatched, skip, err := p.dispatch(ctx, projectID, cand)
		if err != nil {
			return nil, err
		}
		if !dispatched {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}

		for _, f := range cand.TargetFiles {
			claimed[f] = cand.ID
		}
		result.Dispatched = append(result.Dispatched, cand.ID)
	}

	// Step 7: feed the poller.
	if len(result.Dispatched) > 0 || len(evs) > 0 {
		p.poller.OnEventDetected()
	} else {
		p.poller.OnIdleCycle()
	}
	result.NextPollSeconds = p.poller.Interval().Seconds()

	return result, nil
}

// dispatch claims the task (locks + QUEUED -> IN_PROGRESS in one
// transaction) and launches its worker. A lost claim or launch failure skips
// the candidate without consuming a capacity slot; launch failures revert the
// claim so the task retries next cycle.
func (p *Policy) dispatch(ctx context.Context, projectID string, task *Task) (bool, *SkippedTask, error) {
	claimed, err := p.store.ClaimTask(ctx, projectID, task.ID, task.TargetFiles, actorPolicy)
	if err != nil {
		return false, nil, fmt.Errorf("claiming task %s: %w", task.ID, err)
	}
	if !claimed {
		return false, &SkippedTask{TaskID: task.ID, Reason: "claim lost to concurrent lock or status change"}, nil
	}

	if err := p.launcher.Launch(ctx, task); err != nil {
		p.logger.Printf("policy: launch failed for task %s: %v", task.ID, err)
		if relErr := p.store.ReleaseClaim(ctx, projectID, task.ID, actorPolicy, fmt.Sprintf("launch failed: %v", err)); relErr != nil {
			return false, nil, fmt.Errorf("reverting failed dispatch of task %s: %w", task.ID, relErr)
		}
		p.report(ctx, "dispatch_failure", fmt.Sprintf("task %s failed to launch", task.ID), map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return false, &SkippedTask{TaskID: task.ID, Reason: fmt.Sprintf("launch failed: %v", err)}, nil
	}

	p.logger.Printf("policy: dispatched task %s (priority %s, %d files)", task.ID, task.Priority, len(task.TargetFiles))
	return true, nil, nil
}

// handleWorkerLoss releases the locks of a failed or crashed task right away
// so siblings stop queueing behind it. The status itself belongs to the
// external fault-recovery collaborator; the next cycle re-derives state.
func (p *Policy) handleWorkerLoss(ctx context.Context, projectID string, ev *events.Event) {
	if err := p.locks.ReleaseLocks(ctx, projectID, ev.TaskID); err != nil {
		p.logger.Printf("policy: releasing locks after %s of task %s: %v", ev.Type, ev.TaskID, err)
	}
	p.report(ctx, strings.ToLower(string(ev.Type)), fmt.Sprintf("task %s reported %s", ev.TaskID, ev.Type), map[string]any{
		"task_id": ev.TaskID,
		"order":   ev.OrderID,
	})
}

// noteResourceVerdict emits a RESOURCE_CHANGED event when the block verdict
// flips, leaving a durable record of the transition in the order's event
// stream.
func (p *Policy) noteResourceVerdict(ctx context.Context, severity resource.Severity, reason string) {
	blocked := severity == resource.SeverityBlock
	if blocked == p.lastBlocked {
		if severity == resource.SeverityWarning {
			p.logger.Printf("policy: resource warning: %s", reason)
		}
		return
	}
	p.lastBlocked = blocked

	meta := map[string]any{"blocked": blocked, "attempt_id": uuid.NewString()}
	if reason != "" {
		meta["reason"] = reason
	}
	if err := p.channel.Emit(events.ResourceChanged, "", meta); err != nil {
		p.logger.Printf("policy: emitting resource change: %v", err)
	}
	if blocked {
		p.report(ctx, "resource_block", reason, meta)
	}
}

// report sends a best-effort incident. Sink failures are logged, never
// propagated.
func (p *Policy) report(ctx context.Context, kind, message string, fields map[string]any) {
	if p.incidents == nil {
		return
	}
	if err := p.incidents.Report(ctx, kind, message, fields); err != nil {
		p.logger.Printf("policy: incident sink rejected %s: %v", kind, err)
	}
}

func batchConflict(claimed map[string]string, task *Task) (string, string) {
	for _, f := range task.TargetFiles {
		if owner, ok := claimed[f]; ok {
			return owner, f
		}
	}
	return "", ""
}
