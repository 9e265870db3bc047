// Package config provides configuration loading and management for webgauge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// ParticipantConfig defines how a task message reaches a participant agent.
// Command-based participants receive the task message through {prompt};
// URL-based participants receive it as a JSON POST.
type ParticipantConfig struct {
	Command           string            `toml:"command"`             // Binary name or path
	Args              []string          `toml:"args"`                // Args with {prompt} placeholder
	ModelFlag         string            `toml:"model_flag"`          // e.g., "--model", "-m"
	ModelFlagPosition string            `toml:"model_flag_position"` // "before" or "after" {prompt} in args (default: "before")
	Env               map[string]string `toml:"env"`                 // Environment variables
	URL               string            `toml:"url"`                 // HTTP endpoint accepting task messages
	DefaultTimeout    int               `toml:"default_timeout"`     // Per-participant minimum task timeout in seconds
}

// Transport returns the dispatch kind this participant uses.
func (p ParticipantConfig) Transport() string {
	switch {
	case p.URL != "":
		return "http"
	case p.Command != "":
		return "command"
	default:
		return "scripted"
	}
}

// DefaultParticipants provides built-in participant configurations.
var DefaultParticipants = map[string]ParticipantConfig{
	// scripted replays a fixture task's reference solution in-process.
	"scripted": {},
}

// Config holds all configuration for webgauge.
type Config struct {
	Harness      HarnessConfig                `toml:"harness"`
	Scoring      ScoringConfig                `toml:"scoring"`
	Worker       WorkerConfig                 `toml:"worker"`
	Observation  ObservationConfig            `toml:"observation"`
	Benchmarks   map[string]BenchmarkConfig   `toml:"benchmarks"`
	Participants map[string]ParticipantConfig `toml:"participants"`
}

// HarnessConfig contains run-level settings for the orchestrator.
type HarnessConfig struct {
	SessionDir              string `toml:"session_dir"`
	StateDir                string `toml:"state_dir"`
	TimeoutSeconds          int    `toml:"timeout_seconds"`
	InactivitySeconds       int    `toml:"inactivity_seconds"`
	FirstActionGraceSeconds int    `toml:"first_action_grace_seconds"`
	PollIntervalMs          int    `toml:"poll_interval_ms"`
	MaxToolCalls            int    `toml:"max_tool_calls"`
	MaxSteps                int    `toml:"max_steps"`
	StopOnError             bool   `toml:"stop_on_error"`
	DispatchRetries         int    `toml:"dispatch_retries"`
	ReadyTimeoutSeconds     int    `toml:"ready_timeout_seconds"`
	OutputFormat            string `toml:"output_format"`
}

// ScoringConfig holds the efficiency penalty weights.
type ScoringConfig struct {
	LambdaC float64 `toml:"lambda_c"` // token penalty weight
	LambdaL float64 `toml:"lambda_l"` // latency penalty weight (per second)
}

// WorkerConfig contains settings for the worker process that owns the environment.
type WorkerConfig struct {
	Environment          string   `toml:"environment"` // fixture, bridge, docker
	Listen               string   `toml:"listen"`
	ActionTimeoutSeconds int      `toml:"action_timeout_seconds"`
	MaxBatch             int      `toml:"max_batch"`
	Headless             bool     `toml:"headless"`
	CleanupGraceMs       int      `toml:"cleanup_grace_ms"`
	BrowserProcesses     []string `toml:"browser_processes"`
	BridgeCommand        string   `toml:"bridge_command"`
	BridgeArgs           []string `toml:"bridge_args"`
	DockerImage          string   `toml:"docker_image"`
	AutoPull             bool     `toml:"auto_pull"`
}

// ObservationConfig overrides the per-benchmark observation profile.
type ObservationConfig struct {
	Mode              string `toml:"mode"`
	MaxChars          int    `toml:"max_chars"`
	IncludeScreenshot bool   `toml:"include_screenshot"`
}

// BenchmarkConfig holds per-benchmark overrides.
type BenchmarkConfig struct {
	Env        map[string]string `toml:"env"`
	TokenLimit int               `toml:"token_limit"`
	MaxTasks   int               `toml:"max_tasks"`
}

// Default configuration values.
var Default = Config{
	Harness: HarnessConfig{
		SessionDir:              "./sessions",
		TimeoutSeconds:          300,
		InactivitySeconds:       8,
		FirstActionGraceSeconds: 20,
		PollIntervalMs:          500,
		MaxToolCalls:            6,
		MaxSteps:                10,
		DispatchRetries:         3,
		ReadyTimeoutSeconds:     30,
		OutputFormat:            "all",
	},
	Scoring: ScoringConfig{
		LambdaC: 0.01,
		LambdaL: 0.1,
	},
	Worker: WorkerConfig{
		Environment:          "fixture",
		Listen:               "127.0.0.1:0",
		ActionTimeoutSeconds: 30,
		MaxBatch:             20,
		Headless:             true,
		CleanupGraceMs:       2000,
		BrowserProcesses:     []string{"chromium", "chrome", "headless_shell"},
		BridgeCommand:        "python3",
		BridgeArgs:           []string{"-m", "webgauge_bridge"},
		DockerImage:          "ghcr.io/lemon07r/webgauge-bridge:latest",
		AutoPull:             true,
	},
}

// configPaths returns the list of paths to search for config files.
func configPaths() []string {
	paths := []string{"./webgauge.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".webgauge.toml"))
		paths = append(paths, filepath.Join(home, ".config", "webgauge", "config.toml"))
	}

	return paths
}

// Load loads configuration from a file or discovers it automatically.
// If configFile is empty, it searches standard locations.
// Returns default config if no file is found.
func Load(configFile string) (*Config, error) {
	cfg := Default
	cfg.Worker.BrowserProcesses = append([]string(nil), Default.Worker.BrowserProcesses...)
	cfg.Worker.BridgeArgs = append([]string(nil), Default.Worker.BridgeArgs...)

	var path string
	if configFile != "" {
		path = configFile
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	} else {
		for _, p := range configPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		return &cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.backfill()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// backfill ensures critical fields aren't zeroed out by partial config.
func (c *Config) backfill() {
	if c.Harness.SessionDir == "" {
		c.Harness.SessionDir = Default.Harness.SessionDir
	}
	if c.Harness.TimeoutSeconds <= 0 {
		c.Harness.TimeoutSeconds = Default.Harness.TimeoutSeconds
	}
	if c.Harness.InactivitySeconds <= 0 {
		c.Harness.InactivitySeconds = Default.Harness.InactivitySeconds
	}
	if c.Harness.FirstActionGraceSeconds <= 0 {
		c.Harness.FirstActionGraceSeconds = Default.Harness.FirstActionGraceSeconds
	}
	if c.Harness.PollIntervalMs <= 0 {
		c.Harness.PollIntervalMs = Default.Harness.PollIntervalMs
	}
	if c.Harness.MaxToolCalls <= 0 {
		c.Harness.MaxToolCalls = Default.Harness.MaxToolCalls
	}
	if c.Harness.MaxSteps <= 0 {
		c.Harness.MaxSteps = Default.Harness.MaxSteps
	}
	if c.Harness.DispatchRetries < 0 {
		c.Harness.DispatchRetries = Default.Harness.DispatchRetries
	}
	if c.Harness.ReadyTimeoutSeconds <= 0 {
		c.Harness.ReadyTimeoutSeconds = Default.Harness.ReadyTimeoutSeconds
	}
	if c.Worker.Environment == "" {
		c.Worker.Environment = Default.Worker.Environment
	}
	if c.Worker.Listen == "" {
		c.Worker.Listen = Default.Worker.Listen
	}
	if c.Worker.ActionTimeoutSeconds <= 0 {
		c.Worker.ActionTimeoutSeconds = Default.Worker.ActionTimeoutSeconds
	}
	if c.Worker.MaxBatch <= 0 {
		c.Worker.MaxBatch = Default.Worker.MaxBatch
	}
	if c.Worker.CleanupGraceMs <= 0 {
		c.Worker.CleanupGraceMs = Default.Worker.CleanupGraceMs
	}
	if len(c.Worker.BrowserProcesses) == 0 {
		c.Worker.BrowserProcesses = append([]string(nil), Default.Worker.BrowserProcesses...)
	}
	if c.Worker.BridgeCommand == "" {
		c.Worker.BridgeCommand = Default.Worker.BridgeCommand
	}
	if c.Worker.DockerImage == "" {
		c.Worker.DockerImage = Default.Worker.DockerImage
	}
}

// Validate rejects values the harness cannot run with.
func (c *Config) Validate() error {
	switch c.Worker.Environment {
	case "fixture", "bridge", "docker":
	default:
		return fmt.Errorf("unknown worker environment %q (valid: fixture, bridge, docker)", c.Worker.Environment)
	}
	if c.Scoring.LambdaC < 0 || c.Scoring.LambdaL < 0 {
		return fmt.Errorf("scoring lambdas must be non-negative (lambda_c=%v, lambda_l=%v)", c.Scoring.LambdaC, c.Scoring.LambdaL)
	}
	if c.Observation.MaxChars < 0 {
		return fmt.Errorf("observation max_chars must be >= 0, got %d", c.Observation.MaxChars)
	}
	return nil
}

// StateDir returns the directory holding shared state records.
func (c *Config) StateDir() string {
	if c.Harness.StateDir != "" {
		return c.Harness.StateDir
	}
	return os.TempDir()
}

// PollInterval returns the orchestrator poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Harness.PollIntervalMs) * time.Millisecond
}

// ActionTimeout returns the per-action timeout inside execute.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Worker.ActionTimeoutSeconds) * time.Second
}

// CleanupGrace returns how long child processes get between terminate and kill.
func (c *Config) CleanupGrace() time.Duration {
	return time.Duration(c.Worker.CleanupGraceMs) * time.Millisecond
}

// BenchmarkEnv returns the environment variables to register for a benchmark.
func (c *Config) BenchmarkEnv(benchmark string) map[string]string {
	if c.Benchmarks == nil {
		return nil
	}
	return c.Benchmarks[benchmark].Env
}

// GetParticipant returns the participant configuration for the given name.
// User-configured participants take precedence over built-in defaults.
// Returns nil if the participant is not found.
func (c *Config) GetParticipant(name string) *ParticipantConfig {
	if c.Participants != nil {
		if p, ok := c.Participants[name]; ok {
			return &p
		}
	}
	if p, ok := DefaultParticipants[name]; ok {
		return &p
	}
	return nil
}

// ListParticipants returns all available participant names (built-in + user-configured), sorted.
func (c *Config) ListParticipants() []string {
	seen := make(map[string]bool)
	var names []string

	for name := range c.Participants {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range DefaultParticipants {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}
