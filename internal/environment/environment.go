// Package environment provides the browser environments a session drives:
// an in-process fixture simulator, a JSON-lines bridge subprocess and the same bridge inside Docker.
package environment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lemon07r/webgauge/internal/action"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/task"
)

// Environment is a reset/step/close browser environment.
// Implementations must be safe for Close to be called concurrently with Step.
type Environment interface {
	Reset(ctx context.Context) (observation.Raw, error)
	Step(ctx context.Context, a action.Action) (StepResult, error)
	Close() error
}

// StepResult is the outcome of one action.
type StepResult struct {
	Observation observation.Raw `json:"observation"`
	Reward      float64         `json:"reward"`
	Terminated  bool            `json:"terminated"`
	Truncated   bool            `json:"truncated"`
	Info        map[string]any  `json:"info,omitempty"`
}

// Spec describes the environment a session needs.
type Spec struct {
	TaskID    string            `json:"task_id"`
	Benchmark string            `json:"benchmark"`
	Headless  bool              `json:"headless"`
	MaxSteps  int               `json:"max_steps,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// Factory constructs environments.
type Factory interface {
	New(ctx context.Context, spec Spec) (Environment, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, spec Spec) (Environment, error)

// New calls f.
func (f FactoryFunc) New(ctx context.Context, spec Spec) (Environment, error) {
	return f(ctx, spec)
}

// Environment kinds.
const (
	KindFixture = "fixture"
	KindBridge  = "bridge"
	KindDocker  = "docker"
)

// HeadlessEnvVar is read by bridge processes to choose browser visibility.
const HeadlessEnvVar = "BROWSER_HEADLESS"

var (
	configureMu sync.Mutex
	configured  = map[string]bool{}
)

// Configure registers process-wide environment variables for a benchmark and then
// runs construct while still holding the registration lock, since constructors may
// read process configuration. Variables are registered once per benchmark per process;
// values already present in the environment win.
//
// Sessions for different benchmarks in one process still share these globals.
func Configure(benchmark string, vars map[string]string, headless bool, construct func() (Environment, error)) (Environment, error) {
	configureMu.Lock()
	defer configureMu.Unlock()

	if !configured[benchmark] {
		for k, v := range vars {
			if _, ok := os.LookupEnv(k); ok {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return nil, fmt.Errorf("setting %s: %w", k, err)
			}
		}
		configured[benchmark] = true
	}
	if err := os.Setenv(HeadlessEnvVar, strconv.FormatBool(headless)); err != nil {
		return nil, fmt.Errorf("setting %s: %w", HeadlessEnvVar, err)
	}

	return construct()
}

// Options configures the environment factory.
type Options struct {
	Kind          string
	Loader        *task.Loader
	DefaultSteps  int
	BridgeCommand string
	BridgeArgs    []string
	DockerImage   string
	AutoPull      bool
	BenchmarkEnv  func(benchmark string) map[string]string
	CloseGrace    time.Duration
	LogWriter     io.Writer
	Logger        *slog.Logger
}

// NewFactory returns a factory building environments of opts.Kind.
func NewFactory(opts Options) Factory {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LogWriter == nil {
		opts.LogWriter = io.Discard
	}
	if opts.BenchmarkEnv == nil {
		opts.BenchmarkEnv = func(string) map[string]string { return nil }
	}

	return FactoryFunc(func(ctx context.Context, spec Spec) (Environment, error) {
		vars := opts.BenchmarkEnv(spec.Benchmark)

		switch opts.Kind {
		case "", KindFixture:
			return Configure(spec.Benchmark, vars, spec.Headless, func() (Environment, error) {
				return newFixtureFromLoader(opts, spec)
			})
		case KindBridge:
			return Configure(spec.Benchmark, vars, spec.Headless, func() (Environment, error) {
				b, err := StartBridge(ctx, BridgeConfig{
					Command:    opts.BridgeCommand,
					Args:       opts.BridgeArgs,
					Stderr:     opts.LogWriter,
					CloseGrace: opts.CloseGrace,
					Logger:     opts.Logger,
				}, spec)
				if err != nil {
					return nil, err
				}
				return b, nil
			})
		case KindDocker:
			return Configure(spec.Benchmark, vars, spec.Headless, func() (Environment, error) {
				b, err := StartDockerBridge(ctx, DockerBridgeConfig{
					Image:      opts.DockerImage,
					AutoPull:   opts.AutoPull,
					Command:    append([]string{opts.BridgeCommand}, opts.BridgeArgs...),
					Env:        dockerEnv(spec.Benchmark, vars, spec.Headless),
					Stderr:     opts.LogWriter,
					CloseGrace: opts.CloseGrace,
					Logger:     opts.Logger,
				}, spec)
				if err != nil {
					return nil, err
				}
				return b, nil
			})
		default:
			return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeEnvironmentFailure,
				"unknown environment kind %q", opts.Kind)
		}
	})
}

func newFixtureFromLoader(opts Options, spec Spec) (Environment, error) {
	if opts.Loader == nil {
		return nil, fmt.Errorf("fixture environment needs a task loader")
	}
	t, err := opts.Loader.Load(spec.TaskID)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err,
			"loading fixture for %s", spec.TaskID)
	}
	page, err := opts.Loader.ReadPage(t)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err,
			"reading fixture page for %s", spec.TaskID)
	}

	maxSteps := spec.MaxSteps
	if maxSteps <= 0 {
		maxSteps = t.MaxSteps
	}
	if maxSteps <= 0 {
		maxSteps = opts.DefaultSteps
	}
	f, err := NewFixture(t, page, maxSteps)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// dockerEnv forwards the benchmark's registered variables into the container.
func dockerEnv(benchmark string, vars map[string]string, headless bool) []string {
	keys := append([]string(nil), observation.ProfileFor(benchmark).EnvVars...)
	for k := range vars {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	env := []string{HeadlessEnvVar + "=" + strconv.FormatBool(headless)}
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}
