// Package daemon runs the scheduling loops: one single-threaded cooperative
// loop per (project, order), woken early by event files and otherwise
// sleeping the adaptive poll interval.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/taskforge/scheduler/internal/config"
	"github.com/taskforge/scheduler/internal/events"
	"github.com/taskforge/scheduler/internal/resource"
	"github.com/taskforge/scheduler/internal/scheduler"
)

// Store is the persistence surface the daemon needs: everything the
// scheduler consumes plus order discovery.
type Store interface {
	scheduler.TaskStore
	ListOrders(ctx context.Context, projectID string) ([]string, error)
}

// Runner owns the per-order scheduling loops of one project.
type Runner struct {
	store      Store
	cfg        *config.Config
	launcher   scheduler.WorkerLauncher
	incidents  scheduler.IncidentSink
	newSampler func() resource.Sampler
	logger     *log.Logger
}

// NewRunner wires a daemon runner. A nil sampler factory defaults to live
// host sampling.
func NewRunner(store Store, cfg *config.Config, launcher scheduler.WorkerLauncher, incidents scheduler.IncidentSink, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		store:      store,
		cfg:        cfg,
		launcher:   launcher,
		incidents:  incidents,
		newSampler: func() resource.Sampler { return resource.NewHostSampler() },
		logger:     logger,
	}
}

// SetSamplerFactory overrides host sampling, for tests.
func (r *Runner) SetSamplerFactory(f func() resource.Sampler) {
	r.newSampler = f
}

// Run discovers the project's active orders and runs one scheduling loop per
// order until all orders finish or the context is cancelled.
func (r *Runner) Run(ctx context.Context, projectID string) error {
	orders, err := r.store.ListOrders(ctx, projectID)
	if err != nil {
		return fmt.Errorf("discovering orders for project %s: %w", projectID, err)
	}
	if len(orders) == 0 {
		r.logger.Printf("daemon: project %s has no active orders", projectID)
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, orderID := range orders {
		orderID := orderID
		g.Go(func() error {
			return r.runOrder(ctx, projectID, orderID)
		})
	}
	return g.Wait()
}

// runOrder is one order's cooperative loop. Store outages back off
// exponentially and retry; dependency cycles are fatal for the order.
func (r *Runner) runOrder(ctx context.Context, projectID, orderID string) error {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s/%s] ", projectID, orderID), log.LstdFlags)

	channel, err := events.NewChannel(r.cfg.RootDir, projectID, orderID, logger)
	if err != nil {
		return err
	}

	limits := resource.Limits{
		SoftCPU: r.cfg.Resources.SoftCPUPercent,
		HardCPU: r.cfg.Resources.HardCPUPercent,
		SoftMem: r.cfg.Resources.SoftMemPercent,
		HardMem: r.cfg.Resources.HardMemPercent,
	}
	monitor := resource.NewMonitor(r.newSampler(), limits, r.cfg.Window(), r.cfg.SampleInterval())

	def, min, max := r.cfg.PollerIntervals()
	poller, err := scheduler.NewAdaptivePoller(def, min, max, r.cfg.Poller.CooldownFactor, r.cfg.Poller.BackoffFactor)
	if err != nil {
		return fmt.Errorf("configuring poller: %w", err)
	}

	locks := scheduler.NewFileLockRegistry(r.store, logger)
	policy := scheduler.NewPolicy(r.store, locks, monitor, channel, poller, r.launcher, r.incidents, r.cfg, logger)

	// fsnotify on the events directory wakes the loop as soon as a worker
	// drops an event file; the adaptive sleep is only the fallback.
	var wake <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("daemon: fsnotify unavailable, relying on polling: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(channel.Dir()); err != nil {
			logger.Printf("daemon: cannot watch %s, relying on polling: %v", channel.Dir(), err)
		} else {
			wake = watcher.Events
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry store outages indefinitely
	lastCleanup := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := policy.EvaluateCycle(ctx, projectID, orderID)
		if err != nil {
			var cycleErr *scheduler.CycleError
			if errors.As(err, &cycleErr) {
				// Data-integrity bug upstream; never swallowed.
				return fmt.Errorf("order %s: %w", orderID, cycleErr)
			}
			wait := bo.NextBackOff()
			logger.Printf("daemon: cycle failed, retrying in %v: %v", wait, err)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		if len(result.Dispatched) > 0 {
			logger.Printf("daemon: dispatched %d task(s), %d skipped, next poll %.1fs",
				len(result.Dispatched), len(result.Skipped), result.NextPollSeconds)
		}

		done, err := r.orderFinished(ctx, projectID, orderID)
		if err == nil && done {
			logger.Printf("daemon: order complete")
			return nil
		}

		if time.Since(lastCleanup) >= r.cfg.EventCleanupInterval() {
			if n, err := channel.CleanupOld(r.cfg.EventMaxAge()); err != nil {
				logger.Printf("daemon: event cleanup failed: %v", err)
			} else if n > 0 {
				logger.Printf("daemon: removed %d old event file(s)", n)
			}
			lastCleanup = time.Now()
		}

		interval := time.Duration(result.NextPollSeconds * float64(time.Second))
		if !r.sleepOrWake(ctx, interval, wake, watcher) {
			return ctx.Err()
		}
	}
}

// sleepOrWake waits out the poll interval but returns early when an event
// file lands in the watched directory. Returns false on context
// cancellation.
func (r *Runner) sleepOrWake(ctx context.Context, interval time.Duration, wake <-chan fsnotify.Event, watcher *fsnotify.Watcher) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				return true
			}
		case err, ok := <-watcherErrors(watcher):
			if !ok {
				continue
			}
			r.logger.Printf("daemon: watcher error: %v", err)
		}
	}
}

func watcherErrors(w *fsnotify.Watcher) <-chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// orderFinished reports whether every task of the order is terminal.
func (r *Runner) orderFinished(ctx context.Context, projectID, orderID string) (bool, error) {
	tasks, err := r.store.ListTasks(ctx, projectID, orderID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return true, nil
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}
