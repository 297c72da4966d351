package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/engine"
	"github.com/taskweave/taskweave/internal/orchestration/tracing"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run a task's workflow in the foreground",
	Long: `Run owns the task until its workflow settles: it claims the task with
this process id, drives the worker pool, and records the result. "task
start" spawns this command detached; invoking it directly is useful for
debugging a single task.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	layout, err := dataLayout()
	if err != nil {
		return err
	}
	cleanup := initLogging(layout)
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	invoker, err := buildInvoker()
	if err != nil {
		return err
	}

	events := bus.New()
	opts := cfg.Worker.Options()

	// The queue watcher wakes idle pollers when another process, e.g.
	// an approval from the CLI, touches queue.json.
	w, err := watcher.New(watcher.DefaultConfig(layout.QueueFile()))
	if err == nil {
		wake, startErr := w.Start()
		if startErr == nil {
			opts.Wake = wake
			defer w.Stop()
		}
	}

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		set := metrics.NewSet(registry)
		observer := metrics.NewObserver(events, set)
		defer observer.Close()
		invoker = metrics.InstrumentInvoker(invoker, set)
	}

	eng := engine.New(layout, events, invoker, opts)

	if registry != nil {
		registry.MustRegister(metrics.NewQueueCollector(eng.Queue()))
		serveMetrics(registry, cfg.Metrics.ListenAddr)
	}

	provider, err := tracing.NewProvider(cfg.Tracing.Bridge(layout.Root()))
	if err != nil {
		log.Warn(log.CatConfig, "Tracing disabled", "error", err)
		provider, _ = tracing.NewProvider(tracing.Config{})
	}
	defer provider.Shutdown(ctx)
	eng.Traces().SetMirror(tracing.NewMirror(provider))

	in, err := eng.Run(ctx, taskID)
	if err != nil {
		return err
	}
	printInstanceSummary(in)
	return nil
}

// serveMetrics exposes the registry on the configured address. A bind
// failure is logged and ignored: another runner or the daemon already
// serves the port.
func serveMetrics(registry *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	log.SafeGo("metrics-server", func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(log.CatConfig, "Metrics endpoint unavailable", "addr", addr, "error", err)
		}
	})
}

func printInstanceSummary(in *flow.Instance) {
	fmt.Printf("instance %s: %s\n", in.ID, in.Status)
	if in.Error != "" {
		fmt.Printf("error: %s\n", in.Error)
	}
}
