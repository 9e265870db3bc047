package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	if Default.Harness.SessionDir != "./sessions" {
		t.Errorf("default session dir = %q, want ./sessions", Default.Harness.SessionDir)
	}
	if Default.Harness.TimeoutSeconds != 300 {
		t.Errorf("default timeout = %d, want 300", Default.Harness.TimeoutSeconds)
	}
	if Default.Harness.InactivitySeconds != 8 {
		t.Errorf("default inactivity = %d, want 8", Default.Harness.InactivitySeconds)
	}
	if Default.Harness.FirstActionGraceSeconds != 20 {
		t.Errorf("default first action grace = %d, want 20", Default.Harness.FirstActionGraceSeconds)
	}
	if Default.Harness.MaxToolCalls <= 0 {
		t.Errorf("default max tool calls = %d, want > 0", Default.Harness.MaxToolCalls)
	}
	if Default.Scoring.LambdaC != 0.01 || Default.Scoring.LambdaL != 0.1 {
		t.Errorf("default lambdas = (%v, %v), want (0.01, 0.1)", Default.Scoring.LambdaC, Default.Scoring.LambdaL)
	}
	if !Default.Worker.Headless {
		t.Error("default headless should be true")
	}
	if Default.Worker.Environment != "fixture" {
		t.Errorf("default environment = %q, want fixture", Default.Worker.Environment)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "test.toml")

	content := `
[harness]
session_dir = "./custom-sessions"
timeout_seconds = 60
max_tool_calls = 5
stop_on_error = true

[scoring]
lambda_c = 0.02
lambda_l = 0.05

[worker]
environment = "bridge"
bridge_command = "/usr/bin/bridge"
headless = false

[observation]
mode = "axtree_compact"
max_chars = 4000

[benchmarks.miniwob]
env = { MINIWOB_URL = "file:///srv/miniwob/" }
max_tasks = 3

[participants.local]
command = "my-agent"
args = ["--task", "{prompt}"]
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Harness.SessionDir != "./custom-sessions" {
		t.Errorf("session dir = %q, want ./custom-sessions", cfg.Harness.SessionDir)
	}
	if cfg.Harness.TimeoutSeconds != 60 {
		t.Errorf("timeout = %d, want 60", cfg.Harness.TimeoutSeconds)
	}
	if cfg.Harness.MaxToolCalls != 5 {
		t.Errorf("max tool calls = %d, want 5", cfg.Harness.MaxToolCalls)
	}
	if !cfg.Harness.StopOnError {
		t.Error("stop_on_error should be true")
	}
	if cfg.Harness.InactivitySeconds != Default.Harness.InactivitySeconds {
		t.Errorf("inactivity = %d, want default %d", cfg.Harness.InactivitySeconds, Default.Harness.InactivitySeconds)
	}
	if cfg.Scoring.LambdaC != 0.02 || cfg.Scoring.LambdaL != 0.05 {
		t.Errorf("lambdas = (%v, %v), want (0.02, 0.05)", cfg.Scoring.LambdaC, cfg.Scoring.LambdaL)
	}
	if cfg.Worker.Environment != "bridge" {
		t.Errorf("environment = %q, want bridge", cfg.Worker.Environment)
	}
	if cfg.Worker.Headless {
		t.Error("headless should be false")
	}
	if cfg.Worker.MaxBatch != Default.Worker.MaxBatch {
		t.Errorf("max batch = %d, want default %d", cfg.Worker.MaxBatch, Default.Worker.MaxBatch)
	}
	if cfg.Observation.Mode != "axtree_compact" || cfg.Observation.MaxChars != 4000 {
		t.Errorf("observation = %+v, want axtree_compact/4000", cfg.Observation)
	}
	if got := cfg.BenchmarkEnv("miniwob")["MINIWOB_URL"]; got != "file:///srv/miniwob/" {
		t.Errorf("MINIWOB_URL = %q, want file:///srv/miniwob/", got)
	}
	if cfg.BenchmarkEnv("webarena") != nil {
		t.Error("webarena env should be nil")
	}

	p := cfg.GetParticipant("local")
	if p == nil {
		t.Fatal("participant local not found")
	}
	if p.Transport() != "command" {
		t.Errorf("transport = %q, want command", p.Transport())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("Load() should error for missing explicit file")
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(cfgPath, []byte("[worker]\nenvironment = \"selenium\"\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject unknown environment")
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()

	cfg := Default
	if got := cfg.PollInterval(); got != 500*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 500ms", got)
	}
	if got := cfg.ActionTimeout(); got != 30*time.Second {
		t.Errorf("ActionTimeout() = %v, want 30s", got)
	}
	if got := cfg.CleanupGrace(); got != 2*time.Second {
		t.Errorf("CleanupGrace() = %v, want 2s", got)
	}
}

func TestParticipants(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Participants: map[string]ParticipantConfig{
			"remote":   {URL: "http://127.0.0.1:9009/tasks"},
			"scripted": {Command: "override"},
		},
	}

	tests := []struct {
		name      string
		transport string
		found     bool
	}{
		{"remote", "http", true},
		{"scripted", "command", true},
		{"missing", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := cfg.GetParticipant(tc.name)
			if (p != nil) != tc.found {
				t.Fatalf("GetParticipant(%q) found = %v, want %v", tc.name, p != nil, tc.found)
			}
			if p != nil && p.Transport() != tc.transport {
				t.Errorf("Transport() = %q, want %q", p.Transport(), tc.transport)
			}
		})
	}

	names := cfg.ListParticipants()
	if len(names) != 2 || names[0] != "remote" || names[1] != "scripted" {
		t.Errorf("ListParticipants() = %v, want [remote scripted]", names)
	}
	if got := (&Config{}).GetParticipant("scripted"); got == nil || got.Transport() != "scripted" {
		t.Errorf("built-in scripted participant = %+v, want scripted transport", got)
	}
}
