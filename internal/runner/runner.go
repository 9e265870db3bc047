// Package runner wires configuration, the task catalog, the worker and the
// orchestrator into evaluation runs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lemon07r/webgauge/internal/config"
	"github.com/lemon07r/webgauge/internal/environment"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/orchestrator"
	"github.com/lemon07r/webgauge/internal/protocol"
	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/session"
	"github.com/lemon07r/webgauge/internal/task"
)

// Runner builds runs from configuration.
type Runner struct {
	cfg        *config.Config
	taskLoader *task.Loader
	logger     *slog.Logger

	// Version is recorded in describe output and attestations.
	Version string
}

// NewRunner creates a new runner. tasksDir, when set, replaces the embedded catalog.
func NewRunner(cfg *config.Config, tasksFS fs.FS, tasksDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		cfg:        cfg,
		taskLoader: task.NewLoader(tasksFS, tasksDir),
		logger:     logger,
		Version:    "dev",
	}
}

// Loader returns the task catalog.
func (r *Runner) Loader() *task.Loader { return r.taskLoader }

// ListTasks returns every catalog task.
func (r *Runner) ListTasks() ([]*task.Task, error) {
	return r.taskLoader.LoadAll()
}

// ListTasksByBenchmark returns a benchmark's tasks, capped by its max_tasks setting.
func (r *Runner) ListTasksByBenchmark(b task.Benchmark) ([]*task.Task, error) {
	return r.taskLoader.LoadByBenchmark(b, r.cfg.Benchmarks[string(b)].MaxTasks)
}

// ResolveTaskRef resolves a canonical id or an unambiguous bare name.
func (r *Runner) ResolveTaskRef(ref string) (*task.Task, error) {
	tasks, err := r.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return task.ResolveRef(tasks, ref)
}

// SelectTasks picks the tasks of a run: the given refs in order, or every task
// of benchmark, or the whole catalog. Per-benchmark caps apply when refs is empty.
func (r *Runner) SelectTasks(refs []string, benchmark string) ([]*task.Task, error) {
	if len(refs) > 0 {
		all, err := r.ListTasks()
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		var selected []*task.Task
		seen := make(map[string]bool)
		for _, ref := range refs {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			t, err := task.ResolveRef(all, ref)
			if err != nil {
				return nil, fmt.Errorf("resolving task %q: %w", ref, err)
			}
			if benchmark != "" && string(t.Benchmark) != benchmark {
				return nil, fmt.Errorf("task %s is not a %s task", t.ID(), benchmark)
			}
			if !seen[t.ID()] {
				seen[t.ID()] = true
				selected = append(selected, t)
			}
		}
		return selected, nil
	}

	benchmarks := task.Benchmarks
	if benchmark != "" {
		b, err := task.ParseBenchmark(benchmark)
		if err != nil {
			return nil, err
		}
		benchmarks = []task.Benchmark{b}
	}
	var selected []*task.Task
	for _, b := range benchmarks {
		found, err := r.ListTasksByBenchmark(b)
		if err != nil {
			return nil, err
		}
		selected = append(selected, found...)
	}
	return selected, nil
}

// Weight returns a task's difficulty weight.
func (r *Runner) Weight(t *task.Task) float64 {
	page, err := r.taskLoader.ReadPage(t)
	if err != nil {
		r.logger.Debug("weighting task without its page", "task", t.ID(), "error", err)
	}
	return task.ComputeWeight(t, page).Base
}

// TaskHash hashes the files that define a task.
func (r *Runner) TaskHash(t *task.Task) string {
	var contents []byte
	if !t.Discovered {
		if data, err := r.taskLoader.ReadTaskFile(t, "task.toml"); err == nil {
			contents = append(contents, data...)
		}
	}
	if page, err := r.taskLoader.ReadPage(t); err == nil {
		contents = append(contents, page...)
	}
	return result.HashBytes(contents)
}

// EnvironmentFactory builds environments of the configured kind.
func (r *Runner) EnvironmentFactory(logWriter io.Writer) environment.Factory {
	return environment.NewFactory(environment.Options{
		Kind:          r.cfg.Worker.Environment,
		Loader:        r.taskLoader,
		DefaultSteps:  r.cfg.Harness.MaxSteps,
		BridgeCommand: r.cfg.Worker.BridgeCommand,
		BridgeArgs:    r.cfg.Worker.BridgeArgs,
		DockerImage:   r.cfg.Worker.DockerImage,
		AutoPull:      r.cfg.Worker.AutoPull,
		BenchmarkEnv:  r.cfg.BenchmarkEnv,
		CloseGrace:    r.cfg.CleanupGrace(),
		LogWriter:     logWriter,
		Logger:        r.logger,
	})
}

// NewSessionManager creates the worker's session manager.
func (r *Runner) NewSessionManager(logWriter io.Writer) *session.Manager {
	return session.NewManager(session.Options{
		Factory:  r.EnvironmentFactory(logWriter),
		Headless: r.cfg.Worker.Headless,
		MaxSteps: r.cfg.Harness.MaxSteps,
		Sweeper:  session.ProcessSweeper(r.cfg.Worker.BrowserProcesses, r.cfg.CleanupGrace(), r.logger),
		Logger:   r.logger,
	})
}

// ServerOptions returns the protocol server settings for a session manager.
func (r *Runner) ServerOptions(manager *session.Manager) (protocol.Options, error) {
	var mode observation.Mode
	if r.cfg.Observation.Mode != "" {
		m, err := observation.ParseMode(r.cfg.Observation.Mode)
		if err != nil {
			return protocol.Options{}, err
		}
		mode = m
	}
	limits := make(map[string]int)
	for name, b := range r.cfg.Benchmarks {
		if b.TokenLimit > 0 {
			limits[name] = b.TokenLimit
		}
	}
	return protocol.Options{
		Manager:           manager,
		ObservationMode:   mode,
		MaxChars:          r.cfg.Observation.MaxChars,
		IncludeScreenshot: r.cfg.Observation.IncludeScreenshot,
		TokenLimits:       limits,
		ActionTimeout:     r.cfg.ActionTimeout(),
		MaxBatch:          r.cfg.Worker.MaxBatch,
		MaxToolCalls:      r.cfg.Harness.MaxToolCalls,
		Version:           r.Version,
		Logger:            r.logger,
	}, nil
}

// WorkerOptions returns the settings of a worker serving one run.
func (r *Runner) WorkerOptions(stateDir, stateKey, listen string, logWriter io.Writer) (orchestrator.WorkerOptions, error) {
	srv, err := r.ServerOptions(r.NewSessionManager(logWriter))
	if err != nil {
		return orchestrator.WorkerOptions{}, err
	}
	return orchestrator.WorkerOptions{
		StateDir: stateDir,
		StateKey: stateKey,
		Listen:   listen,
		Server:   srv,
		Logger:   r.logger,
	}, nil
}

// RunOptions selects what a run evaluates.
type RunOptions struct {
	Participant string
	Model       string
	Tasks       []*task.Task

	OutputDir string // parent of new run directories; defaults to harness.session_dir
	ResumeDir string // continue the run in this directory

	InProcess  bool     // serve the protocol from this process instead of a worker subprocess
	WorkerArgs []string // extra flags for the worker subprocess (config, tasks dir)
	Output     io.Writer
}

// Run executes a run and writes its artifacts. It returns the run directory
// even when the run fails part way.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*result.Summary, string, error) {
	runDir, err := r.prepareRunDir(&opts)
	if err != nil {
		return nil, "", err
	}

	pcfg := r.cfg.GetParticipant(opts.Participant)
	if pcfg == nil {
		return nil, runDir, fmt.Errorf("unknown participant: %s (available: %s)",
			opts.Participant, strings.Join(r.cfg.ListParticipants(), ", "))
	}
	if len(opts.Tasks) == 0 {
		return nil, runDir, errors.New("no tasks to run")
	}

	stateDir := r.cfg.StateDir()
	stateKey := uuid.NewString()
	logPath := filepath.Join(runDir, "worker.log")

	var worker orchestrator.Worker
	if opts.InProcess {
		if _, err := r.ServerOptions(nil); err != nil {
			return nil, runDir, err
		}
		worker = orchestrator.NewInProcessWorker(func() orchestrator.WorkerOptions {
			// Options were validated above; each start gets a fresh session manager.
			wopts, _ := r.WorkerOptions(stateDir, stateKey, r.cfg.Worker.Listen, io.Discard)
			return wopts
		})
	} else {
		worker = orchestrator.NewProcessWorker(orchestrator.ProcessWorkerConfig{
			Args:     opts.WorkerArgs,
			StateDir: stateDir,
			StateKey: stateKey,
			Listen:   r.cfg.Worker.Listen,
			LogPath:  logPath,
			Logger:   r.logger,
		})
	}

	dispatcher, err := orchestrator.NewParticipant(opts.Participant, *pcfg, opts.Model, runDir, r.ResolveTaskRef, r.logger)
	if err != nil {
		return nil, runDir, err
	}

	h := r.cfg.Harness
	hardTimeout := h.TimeoutSeconds
	if pcfg.DefaultTimeout > hardTimeout {
		hardTimeout = pcfg.DefaultTimeout
	}

	orch, err := orchestrator.New(orchestrator.Options{
		RunID:       filepath.Base(runDir),
		RunDir:      runDir,
		Participant: opts.Participant,
		Model:       opts.Model,
		StateDir:    stateDir,
		StateKey:    stateKey,
		Worker:      worker,
		Dispatcher:  dispatcher,
		Limits: orchestrator.Limits{
			HardTimeout:      time.Duration(hardTimeout) * time.Second,
			Inactivity:       time.Duration(h.InactivitySeconds) * time.Second,
			FirstActionGrace: time.Duration(h.FirstActionGraceSeconds) * time.Second,
			MaxToolCalls:     h.MaxToolCalls,
		},
		PollInterval:    r.cfg.PollInterval(),
		ReadyTimeout:    time.Duration(h.ReadyTimeoutSeconds) * time.Second,
		WorkerGrace:     r.cfg.CleanupGrace(),
		DispatchRetries: h.DispatchRetries,
		StopOnError:     h.StopOnError,
		Resume:          opts.ResumeDir != "",
		Lambdas:         result.Lambdas{TokenCost: r.cfg.Scoring.LambdaC, Latency: r.cfg.Scoring.LambdaL},
		Weight:          r.Weight,
		Output:          opts.Output,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, runDir, err
	}

	summary, err := orch.Run(ctx, opts.Tasks)
	if err != nil {
		return summary, runDir, err
	}

	if err := r.attest(summary, opts.Tasks, runDir); err != nil {
		r.logger.Warn("writing attestation", "error", err)
	}
	return summary, runDir, nil
}

// prepareRunDir picks the run directory. A resumed run takes its participant,
// model and task list from the checkpoint unless the caller overrides them.
func (r *Runner) prepareRunDir(opts *RunOptions) (string, error) {
	if opts.ResumeDir != "" {
		state, err := orchestrator.LoadRunState(opts.ResumeDir)
		if err != nil {
			return "", err
		}
		if opts.Participant == "" {
			opts.Participant = state.Participant
		}
		if opts.Model == "" {
			opts.Model = state.Model
		}
		if len(opts.Tasks) == 0 {
			for _, e := range state.Tasks {
				t, err := r.ResolveTaskRef(e.TaskID)
				if err != nil {
					return "", fmt.Errorf("resuming %s: %w", e.TaskID, err)
				}
				opts.Tasks = append(opts.Tasks, t)
			}
		}
		return opts.ResumeDir, nil
	}

	parent := opts.OutputDir
	if parent == "" {
		parent = r.cfg.Harness.SessionDir
	}
	name := opts.Participant
	if opts.Model != "" {
		name += "-" + sanitize(opts.Model)
	}
	runDir := filepath.Join(parent, fmt.Sprintf("%s-%s", time.Now().Format("2006-01-02T150405"), name))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}
	return runDir, nil
}

func (r *Runner) attest(summary *result.Summary, tasks []*task.Task, runDir string) error {
	entries := make(map[string]result.TaskAttestation, len(tasks))
	for _, t := range tasks {
		entries[t.ID()] = result.TaskAttestation{TaskHash: r.TaskHash(t), Weight: r.Weight(t)}
	}
	a, err := result.NewAttestation(summary, r.Version, task.WeightVersion, entries)
	if err != nil {
		return err
	}
	return a.Save(runDir)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}
