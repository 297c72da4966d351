// Package cmd wires the taskweave CLI. Commands stay thin: they resolve
// configuration, build the stores and the lifecycle service, and print
// results; every behavior lives in the internal packages.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/lifecycle"
	"github.com/taskweave/taskweave/internal/orchestration/synth"
	"github.com/taskweave/taskweave/internal/paths"

	// Register LLM backend providers.
	_ "github.com/taskweave/taskweave/internal/orchestration/anthropicapi"
	_ "github.com/taskweave/taskweave/internal/orchestration/claudecli"
	_ "github.com/taskweave/taskweave/internal/orchestration/mock"
	_ "github.com/taskweave/taskweave/internal/orchestration/openaiapi"
)

const localConfigPath = ".taskweave/config.yaml"

var (
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "taskweave",
	Short: "Local agent-task orchestrator",
	Long: `Taskweave turns natural-language tasks into workflow graphs and drives
them through LLM backends. All state lives in a file-backed data
directory, so tasks survive restarts and crashes.`,
	SilenceUsage: true,
}

// SetVersion stamps the build version onto the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .taskweave/config.yaml, then ~/.config/taskweave/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "",
		"data directory (default: ./.taskweave)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("backend.provider", defaults.Backend.Provider)
	viper.SetDefault("worker.concurrency", defaults.Worker.Concurrency)
	viper.SetDefault("worker.global_slots", defaults.Worker.GlobalSlots)
	viper.SetDefault("worker.poll_interval", defaults.Worker.PollInterval)
	viper.SetDefault("worker.idle_wait", defaults.Worker.IdleWait)
	viper.SetDefault("synth.use_llm", defaults.Synth.UseLLM)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Lookup order: .taskweave/config.yaml in the working
		// directory, then ~/.config/taskweave/config.yaml.
		if _, err := os.Stat(localConfigPath); err == nil {
			viper.SetConfigFile(localConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "taskweave"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// First run: write the commented default config.
			if writeErr := config.WriteDefaultConfig(localConfigPath); writeErr == nil {
				viper.SetConfigFile(localConfigPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// dataLayout resolves the data root and ensures it exists.
func dataLayout() (paths.Layout, error) {
	l := paths.NewLayout(cfg.DataDir)
	if err := l.EnsureRoot(); err != nil {
		return paths.Layout{}, fmt.Errorf("preparing data directory: %w", err)
	}
	return l, nil
}

// initLogging starts the structured log when enabled. The returned
// cleanup is always safe to call.
func initLogging(l paths.Layout) func() {
	if !cfg.Log.Enabled && !debugFlag && os.Getenv("TASKWEAVE_DEBUG") == "" {
		return func() {}
	}
	path := cfg.Log.Path
	if path == "" {
		path = filepath.Join(l.Root(), "taskweave.log")
	}
	cleanup, err := log.Init(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		return func() {}
	}
	if debugFlag {
		log.SetMinLevel(log.LevelDebug)
	}
	return cleanup
}

// buildInvoker constructs the configured LLM backend.
func buildInvoker() (client.Invoker, error) {
	backend := client.Backend(cfg.Backend.Provider)
	if backend == "" {
		backend = client.BackendClaudeCLI
	}
	return client.NewInvoker(backend)
}

// buildSynthesizer assembles the synthesis chain: YAML templates first,
// the LLM planner when enabled, and the linear fallback last.
func buildSynthesizer(l paths.Layout) synth.Synthesizer {
	templatesDir := cfg.Synth.TemplatesDir
	if templatesDir == "" {
		templatesDir = filepath.Join(l.Root(), "templates")
	}
	chain := synth.Chain{synth.NewTemplates(templatesDir)}
	if cfg.Synth.UseLLM {
		if invoker, err := buildInvoker(); err == nil {
			chain = append(chain, synth.NewLLM(invoker, cfg.Synth.Model))
		}
	}
	return append(chain, synth.Linear{})
}

// newLifecycle builds the lifecycle service used by the task commands.
// The spawner starts a detached "taskweave run" owning the task.
func newLifecycle(l paths.Layout, events *bus.Bus) *lifecycle.Service {
	return lifecycle.New(l, events, buildSynthesizer(l), spawnRunner(l))
}

// spawnRunner launches "taskweave run <task-id>" as a detached process
// so the task keeps running after this CLI invocation exits.
func spawnRunner(l paths.Layout) lifecycle.Spawner {
	return func(_ context.Context, taskID string) error {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		run := exec.Command(exe, "run", taskID)
		run.Env = append(os.Environ(), paths.EnvDataDir+"="+l.Root())
		if err := run.Start(); err != nil {
			return fmt.Errorf("spawning runner: %w", err)
		}
		log.Info(log.CatEngine, "Spawned runner", "taskID", taskID, "pid", run.Process.Pid)
		return run.Process.Release()
	}
}
