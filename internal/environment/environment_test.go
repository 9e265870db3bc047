package environment

import (
	"context"
	"os"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/lemon07r/webgauge/internal/action"
	"github.com/lemon07r/webgauge/internal/task"
)

// Configure mutates the process environment, so these tests do not run in parallel.

func TestConfigureRegistersOncePerBenchmark(t *testing.T) {
	const key = "WEBGAUGE_TEST_CONFIGURE_URL"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	calls := 0
	construct := func() (Environment, error) {
		calls++
		return nil, nil
	}

	if _, err := Configure("configure-test", map[string]string{key: "http://first"}, true, construct); err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	if got := os.Getenv(key); got != "http://first" {
		t.Fatalf("%s = %q, want http://first", key, got)
	}
	if got := os.Getenv(HeadlessEnvVar); got != "true" {
		t.Fatalf("%s = %q, want true", HeadlessEnvVar, got)
	}

	if err := os.Unsetenv(key); err != nil {
		t.Fatal(err)
	}
	if _, err := Configure("configure-test", map[string]string{key: "http://second"}, false, construct); err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	if got := os.Getenv(key); got != "" {
		t.Fatalf("%s re-registered as %q, want once per benchmark", key, got)
	}
	if got := os.Getenv(HeadlessEnvVar); got != "false" {
		t.Fatalf("%s = %q, want false", HeadlessEnvVar, got)
	}
	if calls != 2 {
		t.Fatalf("construct called %d times, want 2", calls)
	}
}

func TestConfigureKeepsExistingValues(t *testing.T) {
	const key = "WEBGAUGE_TEST_EXISTING"
	t.Setenv(key, "operator")

	_, err := Configure("existing-test", map[string]string{key: "default"}, true, func() (Environment, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	if got := os.Getenv(key); got != "operator" {
		t.Fatalf("%s = %q, want operator", key, got)
	}
}

func TestFactoryFixture(t *testing.T) {
	fsys := fstest.MapFS{
		"miniwob/click-test/task.toml": {Data: []byte(`
goal = "Click the button"
page = "page.html"
max_steps = 3

[success]
click = "#btn"
`)},
		"miniwob/click-test/page.html": {Data: []byte(`<html><body><button id="btn" bid="b1">Click</button></body></html>`)},
	}
	factory := NewFactory(Options{Kind: KindFixture, Loader: task.NewLoader(fsys, ""), DefaultSteps: 10})

	env, err := factory.New(context.Background(), Spec{TaskID: "miniwob.click-test", Benchmark: "miniwob", Headless: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer func() { _ = env.Close() }()

	obs, err := env.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if obs.Goal != "Click the button" {
		t.Fatalf("Goal = %q", obs.Goal)
	}

	res, err := env.Step(context.Background(), action.Action{Type: action.Click, TargetID: "b1"})
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if res.Reward != 1 || !res.Terminated {
		t.Fatalf("click = reward %v terminated %v, want 1 true", res.Reward, res.Terminated)
	}

	if _, err := factory.New(context.Background(), Spec{TaskID: "miniwob.missing", Benchmark: "miniwob"}); err == nil {
		t.Fatal("New for a missing task should fail")
	}
}

func TestFactoryUnknownKind(t *testing.T) {
	factory := NewFactory(Options{Kind: "vnc"})
	env, err := factory.New(context.Background(), Spec{TaskID: "miniwob.x", Benchmark: "miniwob"})
	if err == nil || env != nil {
		t.Fatalf("New = %v, %v; want nil and an error", env, err)
	}
}

func TestDockerEnv(t *testing.T) {
	t.Setenv("MINIWOB_URL", "http://miniwob.local/")
	t.Setenv("WEBGAUGE_TEST_EXTRA", "1")

	got := dockerEnv("miniwob", map[string]string{"WEBGAUGE_TEST_EXTRA": "", "WEBGAUGE_TEST_UNSET": ""}, false)
	want := []string{HeadlessEnvVar + "=false", "MINIWOB_URL=http://miniwob.local/", "WEBGAUGE_TEST_EXTRA=1"}
	if !slices.Equal(got, want) {
		t.Fatalf("dockerEnv = %v, want %v", got, want)
	}
}
