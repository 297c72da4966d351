package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/orchestration/recovery"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/filelock"
)

var daemonScanInterval time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Supervise the data directory",
	Long: `The daemon holds the global runner lock, recovers orphaned tasks on
start and on every scan, respawns their runners, and serves the
Prometheus endpoint when metrics are enabled. Task execution itself
happens in per-task runner processes.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().DurationVar(&daemonScanInterval, "scan-interval", 30*time.Second,
		"how often to scan for orphaned tasks")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	layout, err := dataLayout()
	if err != nil {
		return err
	}
	cleanup := initLogging(layout)
	defer cleanup()

	lock := filelock.New(layout.RunnerLock())
	if err := lock.Acquire(); err != nil {
		if faults.Is(err, faults.LockContention) {
			return fmt.Errorf("another daemon already owns %s", layout.RunnerLock())
		}
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewQueueCollector(queue.New(layout)))
		serveMetrics(registry, cfg.Metrics.ListenAddr)
	}

	resume := resumeSpawner(layout)
	scan := func() {
		report, err := recovery.New(layout).Run(ctx, resume)
		if err != nil {
			log.ErrorErr(log.CatRecovery, "Recovery scan failed", err)
			return
		}
		if len(report.Orphans) > 0 {
			for _, o := range report.Orphans {
				fmt.Printf("recovered task %s (dead pid %d, %d nodes reset)\n",
					o.TaskID, o.DeadPID, len(o.NodesReset))
			}
		}
	}

	log.Info(log.CatRecovery, "Daemon started", "root", layout.Root(), "scanInterval", daemonScanInterval)
	scan()

	ticker := time.NewTicker(daemonScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("daemon shutting down")
			return nil
		case <-ticker.C:
			scan()
		}
	}
}

// resumeSpawner respawns a detached runner for a recovered task.
func resumeSpawner(layout paths.Layout) recovery.Resumer {
	spawn := spawnRunner(layout)
	return func(ctx context.Context, taskID string) error {
		return spawn(ctx, taskID)
	}
}
