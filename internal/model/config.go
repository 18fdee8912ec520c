// Package model defines the data structures for mihari's configuration,
// pipeline runs, and watcher state.
package model

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project  ProjectConfig `yaml:"project"`
	Mihari   MihariConfig  `yaml:"mihari"`
	Watch    WatchConfig   `yaml:"watch"`
	Pipeline []StepSpec    `yaml:"pipeline"`
	Run      RunConfig     `yaml:"run"`
	Server   ServerConfig  `yaml:"server"`
	Logging  LoggingConfig `yaml:"logging"`
	Notify   NotifyConfig  `yaml:"notify"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

type MihariConfig struct {
	Version string `yaml:"version"`
	Created string `yaml:"created"`
}

type WatchConfig struct {
	// Paths are watch roots relative to the project root. Default: ["."].
	Paths []string `yaml:"paths"`
	// Ignore patterns are matched against every path segment (base names),
	// e.g. ".git", "node_modules", "*.tmp". The .git and .mihari directories
	// are always ignored.
	Ignore      []string `yaml:"ignore"`
	DebounceSec float64  `yaml:"debounce_sec"`
	RunOnStart  *bool    `yaml:"run_on_start"`
}

type RunConfig struct {
	GracePeriodSec     float64 `yaml:"grace_period_sec"`
	HistoryLimit       int     `yaml:"history_limit"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
}

type ServerConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// StreamBuffer is the per-subscriber delivery queue capacity.
	StreamBuffer int `yaml:"stream_buffer"`
	// Backlog is how many output events of the current run are retained for
	// late subscribers (GET /api/stream?from=N replays from here).
	Backlog int `yaml:"backlog"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	EventLog      bool   `yaml:"event_log"`
	EventLogMaxMB int    `yaml:"event_log_max_mb"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StepSpec describes one pipeline step. Steps execute strictly in declared
// order; a failing step stops the pipeline unless ContinueOnFailure is set.
type StepSpec struct {
	Name              string  `yaml:"name"`
	Command           Command `yaml:"command"`
	WorkingDir        string  `yaml:"working_dir,omitempty"`
	TimeoutSec        float64 `yaml:"timeout_sec,omitempty"`
	ContinueOnFailure bool    `yaml:"continue_on_failure,omitempty"`
}

// Command is either a shell command line (YAML scalar, run via sh -c) or an
// argv list (YAML sequence, exec'd directly).
type Command struct {
	Shell string
	Argv  []string
}

func (c *Command) UnmarshalYAML(node *yamlv3.Node) error {
	switch node.Kind {
	case yamlv3.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("line %d: command must not be empty", node.Line)
		}
		c.Shell = s
		c.Argv = nil
		return nil
	case yamlv3.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return err
		}
		if len(argv) == 0 {
			return fmt.Errorf("line %d: command list must not be empty", node.Line)
		}
		c.Argv = argv
		c.Shell = ""
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list of strings", node.Line)
	}
}

func (c Command) MarshalYAML() (any, error) {
	if len(c.Argv) > 0 {
		return c.Argv, nil
	}
	return c.Shell, nil
}

func (c Command) IsZero() bool {
	return c.Shell == "" && len(c.Argv) == 0
}

func (c Command) String() string {
	if len(c.Argv) > 0 {
		return strings.Join(c.Argv, " ")
	}
	return c.Shell
}

func (s StepSpec) Timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSec * float64(time.Second))
}

func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceSec * float64(time.Second))
}

func (w WatchConfig) ShouldRunOnStart() bool {
	return w.RunOnStart == nil || *w.RunOnStart
}

func (r RunConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSec * float64(time.Second))
}

func (r RunConfig) ShutdownTimeout() time.Duration {
	return time.Duration(r.ShutdownTimeoutSec) * time.Second
}

func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LoadConfig reads and validates <mihariDir>/config.yaml.
func LoadConfig(mihariDir string) (Config, error) {
	path := filepath.Join(mihariDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config.yaml: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields and clamps the debounce window.
func (c *Config) ApplyDefaults() {
	if len(c.Watch.Paths) == 0 {
		c.Watch.Paths = []string{"."}
	}
	if c.Watch.DebounceSec <= 0 {
		c.Watch.DebounceSec = 0.2
	}
	if c.Watch.DebounceSec < 0.05 {
		c.Watch.DebounceSec = 0.05
	}
	if c.Watch.DebounceSec > 5 {
		c.Watch.DebounceSec = 5
	}
	if c.Run.GracePeriodSec <= 0 {
		c.Run.GracePeriodSec = 5
	}
	if c.Run.HistoryLimit <= 0 {
		c.Run.HistoryLimit = 20
	}
	if c.Run.ShutdownTimeoutSec <= 0 {
		c.Run.ShutdownTimeoutSec = 30
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8347"
	}
	if c.Server.StreamBuffer <= 0 {
		c.Server.StreamBuffer = 256
	}
	if c.Server.Backlog <= 0 {
		c.Server.Backlog = 4096
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.EventLogMaxMB <= 0 {
		c.Logging.EventLogMaxMB = 50
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if len(c.Pipeline) == 0 {
		return fmt.Errorf("pipeline must declare at least one step")
	}
	seen := make(map[string]bool, len(c.Pipeline))
	for i, s := range c.Pipeline {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("pipeline step %d: name must not be empty", i+1)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline step %q: duplicate step name", s.Name)
		}
		seen[s.Name] = true
		if s.Command.IsZero() {
			return fmt.Errorf("pipeline step %q: command must not be empty", s.Name)
		}
		if s.TimeoutSec < 0 {
			return fmt.Errorf("pipeline step %q: timeout_sec must not be negative", s.Name)
		}
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q: %w", c.Server.Addr, err)
	}
	return nil
}
