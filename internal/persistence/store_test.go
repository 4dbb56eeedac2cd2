package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/taskforge/scheduler/internal/scheduler"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTask(t *testing.T, store *SQLiteStore, id string, status scheduler.Status, files ...string) {
	t.Helper()
	err := store.SaveTask(context.Background(), &scheduler.Task{
		ID:          id,
		ProjectID:   "p1",
		OrderID:     "o1",
		Status:      status,
		Priority:    scheduler.PriorityP2,
		TargetFiles: files,
	})
	if err != nil {
		t.Fatalf("seeding task %s: %v", id, err)
	}
}

func TestSaveAndGetTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued, "a.py", "b.py")

	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.ProjectID != "p1" || task.OrderID != "o1" {
		t.Errorf("task scoping = %s/%s, want p1/o1", task.ProjectID, task.OrderID)
	}
	if task.Status != scheduler.StatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}
	if len(task.TargetFiles) != 2 || task.TargetFiles[0] != "a.py" {
		t.Errorf("target files = %v, want [a.py b.py]", task.TargetFiles)
	}
	if task.StartedAt != nil {
		t.Errorf("started_at should be nil before dispatch, got %v", task.StartedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestListTasksFiltersByOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued)
	if err := store.SaveTask(ctx, &scheduler.Task{
		ID: "T2", ProjectID: "p1", OrderID: "o2",
		Status: scheduler.StatusQueued, Priority: scheduler.PriorityP2,
	}); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	all, err := store.ListTasks(ctx, "p1", "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("project-wide listing returned %d tasks, want 2", len(all))
	}

	scoped, err := store.ListTasks(ctx, "p1", "o2")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "T2" {
		t.Errorf("order-scoped listing = %+v, want only T2", scoped)
	}
}

func TestTransitionStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusBlocked)

	err := store.TransitionStatus(ctx, "T1", scheduler.StatusBlocked, scheduler.StatusQueued, "DependencyResolver", "dependency T0 completed")
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}

	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != scheduler.StatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}

	history, err := store.ListHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(history))
	}
	rec := history[0]
	if rec.OldValue != "BLOCKED" || rec.NewValue != "QUEUED" {
		t.Errorf("audit values = %s -> %s, want BLOCKED -> QUEUED", rec.OldValue, rec.NewValue)
	}
	if rec.ChangedBy != "DependencyResolver" {
		t.Errorf("audit actor = %s, want DependencyResolver", rec.ChangedBy)
	}
	if rec.ChangeReason != "dependency T0 completed" {
		t.Errorf("audit reason = %q", rec.ChangeReason)
	}
}

func TestTransitionStatusConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued)

	err := store.TransitionStatus(ctx, "T1", scheduler.StatusBlocked, scheduler.StatusQueued, "test", "")
	if !errors.Is(err, scheduler.ErrStatusConflict) {
		t.Errorf("error = %v, want ErrStatusConflict", err)
	}

	// Neither the status nor the history may have changed.
	task, _ := store.GetTask(ctx, "T1")
	if task.Status != scheduler.StatusQueued {
		t.Errorf("status mutated by failed transition: %s", task.Status)
	}
	history, _ := store.ListHistory(ctx, "T1")
	if len(history) != 0 {
		t.Errorf("failed transition left %d audit rows", len(history))
	}
}

func TestTransitionStatusSetsStartedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued)

	if err := store.TransitionStatus(ctx, "T1", scheduler.StatusQueued, scheduler.StatusInProgress, "test", ""); err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.StartedAt == nil {
		t.Error("started_at not stamped on transition to IN_PROGRESS")
	}
}

func TestClaimTaskAcquiresLocksAndStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued, "shared.py", "util.py")

	ok, err := store.ClaimTask(ctx, "p1", "T1", []string{"shared.py", "util.py"}, "SchedulingPolicy")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if !ok {
		t.Fatal("claim on an unclaimed QUEUED task should succeed")
	}

	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != scheduler.StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", task.Status)
	}
	if task.StartedAt == nil {
		t.Error("started_at not stamped by claim")
	}

	locks, err := store.ListLocks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 2 {
		t.Errorf("expected 2 locks, got %d", len(locks))
	}
	for _, lk := range locks {
		if lk.TaskID != "T1" {
			t.Errorf("lock on %s held by %s, want T1", lk.FilePath, lk.TaskID)
		}
	}

	history, err := store.ListHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].ChangeReason != "dispatched" {
		t.Errorf("expected one 'dispatched' audit row, got %+v", history)
	}
}

func TestClaimTaskLostToLockConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "TA", scheduler.StatusQueued, "shared.py")
	seedTask(t, store, "TB", scheduler.StatusQueued, "shared.py", "other.py")

	ok, err := store.ClaimTask(ctx, "p1", "TA", []string{"shared.py"}, "test")
	if err != nil || !ok {
		t.Fatalf("first claim failed: ok=%v err=%v", ok, err)
	}

	ok, err = store.ClaimTask(ctx, "p1", "TB", []string{"shared.py", "other.py"}, "test")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if ok {
		t.Fatal("claim should be lost when a declared file is already locked")
	}

	// The lost claim must leave no partial state: TB stays QUEUED, no lock
	// on other.py.
	task, _ := store.GetTask(ctx, "TB")
	if task.Status != scheduler.StatusQueued {
		t.Errorf("TB status = %s after lost claim, want QUEUED", task.Status)
	}
	locks, _ := store.ListLocks(ctx, "p1")
	for _, lk := range locks {
		if lk.TaskID == "TB" {
			t.Errorf("lost claim left lock on %s", lk.FilePath)
		}
	}
}

func TestClaimTaskLostToStatusChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusInProgress)

	ok, err := store.ClaimTask(ctx, "p1", "T1", nil, "test")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if ok {
		t.Error("claim on a non-QUEUED task should be lost")
	}
}

func TestReleaseClaim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued, "a.py")
	if ok, err := store.ClaimTask(ctx, "p1", "T1", []string{"a.py"}, "test"); err != nil || !ok {
		t.Fatalf("claim failed: ok=%v err=%v", ok, err)
	}

	if err := store.ReleaseClaim(ctx, "p1", "T1", "SchedulingPolicy", "launch failed"); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}

	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != scheduler.StatusQueued {
		t.Errorf("status = %s after release, want QUEUED", task.Status)
	}
	if task.StartedAt != nil {
		t.Errorf("started_at should be cleared on release, got %v", task.StartedAt)
	}

	locks, err := store.ListLocks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("release left %d locks", len(locks))
	}

	history, err := store.ListHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	// dispatched + reverted.
	if len(history) != 2 || history[1].ChangeReason != "launch failed" {
		t.Errorf("expected claim and revert audit rows, got %+v", history)
	}
}

func TestReleaseClaimIdempotentOnSettledTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusCompleted)

	if err := store.ReleaseClaim(ctx, "p1", "T1", "test", "cleanup"); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}

	// A settled task is not reverted and no audit row is written.
	task, _ := store.GetTask(ctx, "T1")
	if task.Status != scheduler.StatusCompleted {
		t.Errorf("release reverted a settled task to %s", task.Status)
	}
	history, _ := store.ListHistory(ctx, "T1")
	if len(history) != 0 {
		t.Errorf("release of a settled task wrote %d audit rows", len(history))
	}
}

func TestInsertLocksAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "TA", scheduler.StatusInProgress)
	seedTask(t, store, "TB", scheduler.StatusQueued)

	if ok, err := store.InsertLocks(ctx, "p1", "TA", []string{"x.py"}); err != nil || !ok {
		t.Fatalf("InsertLocks failed: ok=%v err=%v", ok, err)
	}

	ok, err := store.InsertLocks(ctx, "p1", "TB", []string{"y.py", "x.py"})
	if err != nil {
		t.Fatalf("InsertLocks failed: %v", err)
	}
	if ok {
		t.Fatal("partial overlap must fail the whole acquisition")
	}
	locks, err := store.ListLocks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 1 || locks[0].FilePath != "x.py" {
		t.Errorf("expected only TA's lock on x.py, got %+v", locks)
	}
}

func TestInsertLocksReacquireIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "TA", scheduler.StatusInProgress)

	for i := 0; i < 2; i++ {
		if ok, err := store.InsertLocks(ctx, "p1", "TA", []string{"x.py"}); err != nil || !ok {
			t.Fatalf("InsertLocks round %d: ok=%v err=%v", i, ok, err)
		}
	}
	locks, err := store.ListLocks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 1 {
		t.Errorf("re-acquisition duplicated locks: %+v", locks)
	}
}

func TestInsertLocksConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const racers = 8
	for i := 0; i < racers; i++ {
		seedTask(t, store, fmt.Sprintf("T%d", i), scheduler.StatusQueued, "shared.py")
	}

	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("T%d", i)
			ok, err := store.InsertLocks(ctx, "p1", id, []string{"shared.py"})
			if err != nil {
				t.Errorf("InsertLocks for %s failed: %v", id, err)
				return
			}
			if ok {
				wins <- id
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}

	locks, err := store.ListLocks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 1 || locks[0].TaskID != winners[0] {
		t.Errorf("locks = %+v, want one lock held by %s", locks, winners[0])
	}
}

func TestClaimTaskConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const racers = 8
	for i := 0; i < racers; i++ {
		seedTask(t, store, fmt.Sprintf("T%d", i), scheduler.StatusQueued, "shared.py")
	}

	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("T%d", i)
			ok, err := store.ClaimTask(ctx, "p1", id, []string{"shared.py"}, "test")
			if err != nil {
				t.Errorf("ClaimTask for %s failed: %v", id, err)
				return
			}
			if ok {
				wins <- id
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}

	// Only the winner moved to IN_PROGRESS.
	inProgress, err := store.CountByStatus(ctx, "p1", "", scheduler.StatusInProgress)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if inProgress != 1 {
		t.Errorf("%d tasks IN_PROGRESS after the race, want 1", inProgress)
	}
}

func TestListOrdersSkipsSettledOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued)
	if err := store.SaveTask(ctx, &scheduler.Task{
		ID: "T2", ProjectID: "p1", OrderID: "o2",
		Status: scheduler.StatusCompleted, Priority: scheduler.PriorityP2,
	}); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	orders, err := store.ListOrders(ctx, "p1")
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(orders) != 1 || orders[0] != "o1" {
		t.Errorf("orders = %v, want [o1]", orders)
	}
}

func TestStatusSummary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued)
	seedTask(t, store, "T2", scheduler.StatusQueued)
	seedTask(t, store, "T3", scheduler.StatusCompleted)

	summary, err := store.StatusSummary(ctx, "p1")
	if err != nil {
		t.Fatalf("StatusSummary failed: %v", err)
	}
	o1 := summary["o1"]
	if o1[scheduler.StatusQueued] != 2 || o1[scheduler.StatusCompleted] != 1 {
		t.Errorf("summary = %+v, want 2 QUEUED and 1 COMPLETED in o1", o1)
	}
}

func TestDependenciesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedTask(t, store, "T1", scheduler.StatusQueued)
	seedTask(t, store, "T2", scheduler.StatusBlocked)

	if err := store.AddDependency(ctx, "p1", "T2", "T1"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	// Duplicate edges are ignored.
	if err := store.AddDependency(ctx, "p1", "T2", "T1"); err != nil {
		t.Fatalf("duplicate AddDependency failed: %v", err)
	}

	edges, err := store.ListDependencies(ctx, "p1")
	if err != nil {
		t.Fatalf("ListDependencies failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].TaskID != "T2" || edges[0].DependsOnID != "T1" {
		t.Errorf("edge = %+v, want T2 -> T1", edges[0])
	}
}
