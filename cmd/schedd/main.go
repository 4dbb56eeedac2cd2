// Command schedd runs the parallel task scheduling daemon: per-order
// dispatch loops over the shared task store.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskforge/scheduler/internal/config"
	"github.com/taskforge/scheduler/internal/daemon"
	"github.com/taskforge/scheduler/internal/launcher"
	"github.com/taskforge/scheduler/internal/persistence"
	"github.com/taskforge/scheduler/internal/scheduler"
)

var version = "dev"

func main() {
	var (
		configPath string
		projectID  string
	)

	root := &cobra.Command{
		Use:   "schedd",
		Short: "Parallel task scheduling daemon",
		Long:  "schedd dispatches queued tasks to a bounded pool of worker processes,\nhonouring dependency, file-lock and resource constraints.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "schedd.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&projectID, "project", "", "project to schedule (required)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduling loops for every active order of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			return runDaemon(cmd.Context(), configPath, projectID)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print task status counts per order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			return printStatus(cmd.Context(), configPath, projectID)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the schedd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("schedd", version)
		},
	}

	root.AddCommand(runCmd, statusCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, configPath, projectID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	pm := launcher.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := pm.KillAll(); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	workers := launcher.NewExecLauncher(cfg.Launcher.Command, cfg.Launcher.Args, pm, logger)
	incidents := daemon.NewBreakerSink(daemon.NewLogSink(logger), logger)

	runner := daemon.NewRunner(store, cfg, workers, incidents, logger)
	return runner.Run(ctx, projectID)
}

func printStatus(ctx context.Context, configPath, projectID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := store.StatusSummary(ctx, projectID)
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		fmt.Printf("project %s has no tasks\n", projectID)
		return nil
	}

	orders := make([]string, 0, len(summary))
	for o := range summary {
		orders = append(orders, o)
	}
	sort.Strings(orders)

	for _, o := range orders {
		fmt.Printf("order %s:\n", o)
		counts := summary[o]
		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-12s %d\n", s, counts[scheduler.Status(s)])
		}
	}
	return nil
}
