// Package launcher spawns external worker processes for dispatched tasks.
// Launches are fire-and-forget: the scheduler observes worker outcomes
// through the store and the event channel, never through process exit codes.
package launcher

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"syscall"

	"github.com/taskforge/scheduler/internal/scheduler"
)

// ExecLauncher starts one worker process per task via a configured command.
type ExecLauncher struct {
	command string
	args    []string
	pm      *ProcessManager
	logger  *log.Logger
}

// NewExecLauncher creates a launcher spawning `command args... --task-id ID
// --project-id P --order-id O`.
func NewExecLauncher(command string, args []string, pm *ProcessManager, logger *log.Logger) *ExecLauncher {
	if logger == nil {
		logger = log.Default()
	}
	return &ExecLauncher{command: command, args: args, pm: pm, logger: logger}
}

// Launch starts the worker process for a task and returns without waiting.
// The subprocess runs in its own process group so shutdown can terminate the
// whole worker tree.
func (l *ExecLauncher) Launch(ctx context.Context, task *scheduler.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("launch cancelled: %w", err)
	}

	args := append(append([]string{}, l.args...),
		"--task-id", task.ID,
		"--project-id", task.ProjectID,
		"--order-id", task.OrderID,
	)

	cmd := exec.Command(l.command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own process group for clean tree termination
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker for task %s: %w", task.ID, err)
	}

	l.pm.Track(cmd)
	l.logger.Printf("launcher: started worker pid %d for task %s", cmd.Process.Pid, task.ID)

	// Reap the process in the background so it never zombies; the outcome
	// itself arrives via the store and event channel.
	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Printf("launcher: worker for task %s exited: %v", task.ID, err)
		}
		l.pm.Untrack(cmd)
	}()

	return nil
}
