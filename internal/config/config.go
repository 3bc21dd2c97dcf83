// Package config provides configuration types and defaults for agenttrail.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunnerConfig describes how the agent workload process is launched.
type RunnerConfig struct {
	// Interpreter is the executable used to run the entry script,
	// e.g. "python3". Not pre-validated: an invalid interpreter fails at
	// spawn time.
	Interpreter string `mapstructure:"interpreter"`

	// EntryScript is the workload entrypoint. Must be set and must exist
	// at start time.
	EntryScript string `mapstructure:"entry_script"`

	// ProjectRoot is the working directory for the spawned process.
	// Defaults to the current directory.
	ProjectRoot string `mapstructure:"project_root"`

	// KillGrace is how long a terminated process gets to exit before the
	// kill escalates to SIGKILL.
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

// StoreConfig locates the remote event store.
type StoreConfig struct {
	TableName string `mapstructure:"table_name"`
	Region    string `mapstructure:"region"`
}

// PollerConfig tunes the remote store poll cycle.
type PollerConfig struct {
	// Interval between successful polls.
	Interval time.Duration `mapstructure:"interval"`
}

// MergerConfig tunes the event merge stage.
type MergerConfig struct {
	// Debounce is the quiet window that closes a merge batch.
	Debounce time.Duration `mapstructure:"debounce"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	// Exporter is one of "none", "stdout", "otlp".
	Exporter string `mapstructure:"exporter"`
	// Endpoint is the OTLP gRPC endpoint, used when Exporter is "otlp".
	Endpoint string `mapstructure:"endpoint"`
}

// Config holds all configuration options for agenttrail.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Store     StoreConfig     `mapstructure:"store"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Merger    MergerConfig    `mapstructure:"merger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Runner: RunnerConfig{
			Interpreter: "python3",
			ProjectRoot: ".",
			KillGrace:   1 * time.Second,
		},
		Store: StoreConfig{
			Region: "us-east-1",
		},
		Poller: PollerConfig{
			Interval: 500 * time.Millisecond,
		},
		Merger: MergerConfig{
			Debounce: 50 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

// Validate checks the configuration for structural errors. Existence of the
// entry script on disk is deliberately not checked here; that pre-flight
// happens at start time so a script created after config load still works.
func (c Config) Validate() error {
	if c.Runner.Interpreter == "" {
		return fmt.Errorf("runner.interpreter is required")
	}
	if c.Runner.KillGrace <= 0 {
		return fmt.Errorf("runner.kill_grace must be positive, got %s", c.Runner.KillGrace)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %s", c.Poller.Interval)
	}
	if c.Merger.Debounce <= 0 {
		return fmt.Errorf("merger.debounce must be positive, got %s", c.Merger.Debounce)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter must be one of none, stdout, otlp; got %q", c.Telemetry.Exporter)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# agenttrail configuration

# Operator log level: debug, info, warn, error
log_level: info

# Agent workload process
runner:
  interpreter: python3
  # entry_script: agents/main.py
  project_root: .
  kill_grace: 1s

# Remote event store (DynamoDB)
store:
  # table_name: agentify-tool-events
  region: us-east-1

# Remote store polling
poller:
  interval: 500ms

# Event merge batching
merger:
  debounce: 50ms

# Tracing: none, stdout, or otlp
telemetry:
  exporter: none
  # endpoint: localhost:4317
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
