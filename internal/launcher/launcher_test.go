package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/taskforge/scheduler/internal/scheduler"
)

func waitForCount(t *testing.T, pm *ProcessManager, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for pm.Count() != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != want {
		t.Fatalf("tracked processes = %d, want %d", pm.Count(), want)
	}
}

func TestLaunchPassesTaskFlags(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "args.txt")
	pm := NewProcessManager()

	// The shell writes its positional arguments, i.e. everything the
	// launcher appended, to a file we can inspect.
	l := NewExecLauncher("sh", []string{"-c", `echo "$@" > ` + outFile, "sh"}, pm, nil)

	task := &scheduler.Task{ID: "T1", ProjectID: "p1", OrderID: "o1"}
	if err := l.Launch(context.Background(), task); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForCount(t, pm, 0)

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("worker output missing: %v", err)
	}
	got := strings.TrimSpace(string(data))
	want := "--task-id T1 --project-id p1 --order-id o1"
	if got != want {
		t.Errorf("worker args = %q, want %q", got, want)
	}
}

func TestLaunchUnknownCommandFails(t *testing.T) {
	pm := NewProcessManager()
	l := NewExecLauncher("definitely-not-a-real-worker-binary", nil, pm, nil)

	err := l.Launch(context.Background(), &scheduler.Task{ID: "T1"})
	if err == nil {
		t.Fatal("Launch of a missing binary must fail")
	}
	if pm.Count() != 0 {
		t.Errorf("failed launch left %d tracked processes", pm.Count())
	}
}

func TestLaunchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pm := NewProcessManager()
	l := NewExecLauncher("sh", []string{"-c", "exit 0", "sh"}, pm, nil)

	if err := l.Launch(ctx, &scheduler.Task{ID: "T1"}); err == nil {
		t.Fatal("Launch with a cancelled context must fail")
	}
}

func TestLaunchReapsWorker(t *testing.T) {
	pm := NewProcessManager()
	l := NewExecLauncher("sh", []string{"-c", "exit 3", "sh"}, pm, nil)

	if err := l.Launch(context.Background(), &scheduler.Task{ID: "T1"}); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	// The background reaper untracks the worker once it exits, even on a
	// nonzero exit code.
	waitForCount(t, pm, 0)
}

func TestProcessManagerTrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := exec.Command("sleep", "300")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting subprocess: %v", err)
	}

	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Fatalf("tracked processes = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Fatal("killed process exited cleanly")
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("expected a signal exit, got status %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("tracked processes = %d after Untrack, want 0", pm.Count())
	}
}

func TestProcessManagerUntrackBeforeStart(t *testing.T) {
	pm := NewProcessManager()

	// Track/Untrack on a command that never started must not panic.
	cmd := exec.Command("sleep", "1")
	pm.Track(cmd)
	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("tracked processes = %d, want 0", pm.Count())
	}
}
