// Package config provides configuration types, defaults, and the
// first-run config file for taskweave.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/tracing"
	"github.com/taskweave/taskweave/internal/orchestration/worker"
)

// Config holds all daemon and CLI settings.
type Config struct {
	// DataDir overrides the data root. Empty means the standard
	// resolution order: $TASKWEAVE_DATA_DIR, ./.taskweave, ~/.taskweave.
	DataDir string `mapstructure:"data_dir"`

	Backend BackendConfig `mapstructure:"backend"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Synth   SynthConfig   `mapstructure:"synth"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// BackendConfig selects the LLM backend used for node execution.
type BackendConfig struct {
	// Provider is one of "claudecli", "anthropic", "openai", "mock".
	Provider string `mapstructure:"provider"`

	// Model overrides the provider default when set.
	Model string `mapstructure:"model"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// Concurrency is the number of pollers per running instance.
	Concurrency int `mapstructure:"concurrency"`

	// GlobalSlots caps concurrently executing nodes across pollers.
	GlobalSlots int64 `mapstructure:"global_slots"`

	// PollInterval is the delay between queue polls while busy.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// IdleWait is the wait between polls when the queue is empty,
	// cut short by the queue watcher.
	IdleWait time.Duration `mapstructure:"idle_wait"`
}

// Options converts the worker section into pool options.
func (w WorkerConfig) Options() worker.Options {
	return worker.Options{
		Concurrency:  w.Concurrency,
		GlobalSlots:  w.GlobalSlots,
		PollInterval: w.PollInterval,
		IdleWait:     w.IdleWait,
	}
}

// SynthConfig controls workflow synthesis.
type SynthConfig struct {
	// TemplatesDir holds YAML workflow templates tried before the LLM
	// planner. Default: {data_dir}/templates.
	TemplatesDir string `mapstructure:"templates_dir"`

	// UseLLM enables LLM-backed graph synthesis for tasks no template
	// matches. The linear fallback always remains.
	UseLLM bool `mapstructure:"use_llm"`

	// Model overrides the backend model for synthesis calls.
	Model string `mapstructure:"model"`
}

// TracingConfig mirrors engine spans through OpenTelemetry.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`      // none, file, stdout, otlp
	FilePath     string  `mapstructure:"file_path"`     // default {data_dir}/otel-spans.jsonl
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"` // default localhost:4317
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Bridge converts the section into the tracing package's config,
// filling the file path default from the data root.
func (t TracingConfig) Bridge(dataRoot string) tracing.Config {
	cfg := tracing.Config{
		Enabled:      t.Enabled,
		Exporter:     t.Exporter,
		FilePath:     t.FilePath,
		OTLPEndpoint: t.OTLPEndpoint,
		SampleRate:   t.SampleRate,
		ServiceName:  "taskweave",
	}
	if cfg.FilePath == "" {
		cfg.FilePath = filepath.Join(dataRoot, "otel-spans.jsonl")
	}
	return cfg
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"` // default localhost:9464
}

// LogConfig controls the structured debug log.
type LogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // default {data_dir}/taskweave.log
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Backend: BackendConfig{
			Provider: "claudecli",
		},
		Worker: WorkerConfig{
			Concurrency:  worker.DefaultConcurrency,
			GlobalSlots:  worker.DefaultGlobalSlots,
			PollInterval: worker.DefaultPollInterval,
			IdleWait:     worker.DefaultIdleWait,
		},
		Synth: SynthConfig{
			UseLLM: true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "localhost:9464",
		},
		Log: LogConfig{
			Enabled: false,
		},
	}
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# taskweave configuration
#
# Resolution order for this file:
#   1. --config flag
#   2. .taskweave/config.yaml (current directory)
#   3. ~/.config/taskweave/config.yaml

# Data directory override. Defaults to ./.taskweave, then ~/.taskweave.
# data_dir: /var/lib/taskweave

backend:
  # Provider: claudecli (default), anthropic, openai, mock
  provider: claudecli
  # model: claude-sonnet-4-5

worker:
  concurrency: 3
  global_slots: 10
  poll_interval: 200ms
  idle_wait: 500ms

synth:
  # YAML workflow templates tried before the LLM planner.
  # templates_dir: .taskweave/templates
  use_llm: true

tracing:
  enabled: false
  # Exporter: none, file, stdout, otlp
  exporter: file
  # file_path: .taskweave/otel-spans.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

metrics:
  enabled: false
  listen_addr: localhost:9464

log:
  enabled: false
  # path: .taskweave/taskweave.log
`
}

// WriteDefaultConfig creates a config file at the given path with the
// commented template, creating parent directories as needed.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
