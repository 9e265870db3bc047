package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lemon07r/webgauge/internal/procgroup"
	"github.com/lemon07r/webgauge/internal/protocol"
	"github.com/lemon07r/webgauge/internal/sharedstate"
)

// Worker is the process that owns the environment and serves the protocol.
// It announces readiness through its shared state record.
type Worker interface {
	// Start launches the worker and returns without waiting for readiness.
	Start(ctx context.Context) error
	// Done is closed when the started worker exits. It is nil before Start.
	Done() <-chan struct{}
	// Stop terminates the worker, waiting up to grace for a clean exit.
	Stop(grace time.Duration) error
}

// WorkerOptions configures a worker's protocol server.
type WorkerOptions struct {
	StateDir string
	StateKey string
	Listen   string
	Server   protocol.Options // State is filled in by ServeWorker
	Logger   *slog.Logger
}

// ServeWorker runs the protocol server until ctx is cancelled, then closes
// the active session. Readiness is announced once the listener is bound.
func ServeWorker(ctx context.Context, opts WorkerOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Server.Manager == nil {
		return errors.New("worker needs a session manager")
	}

	store := sharedstate.NewStore(opts.StateDir, opts.StateKey)
	w, err := sharedstate.NewWriter(store, opts.StateKey)
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		_ = w.SetError(fmt.Sprintf("listening on %s: %v", opts.Listen, err))
		return fmt.Errorf("listening on %s: %w", opts.Listen, err)
	}

	opts.Server.State = w
	if opts.Server.Logger == nil {
		opts.Server.Logger = logger
	}
	srv := protocol.NewServer(opts.Server)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, l)
	})
	g.Go(func() error {
		// Closing on shutdown aborts an action still running in the environment.
		<-gctx.Done()
		srv.Close(protocol.CloseParams{})
		return nil
	})

	endpoint := protocol.Endpoint(l)
	if err := w.MarkReady(endpoint, os.Getpid()); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	logger.Info("worker ready", "endpoint", endpoint, "state", store.Path())

	err = g.Wait()
	if report := opts.Server.Manager.Shutdown(); len(report.ResourceErrors) > 0 {
		_ = w.MarkCleanup(report.ResourceErrors)
	}
	return err
}

// ProcessWorkerConfig configures a worker subprocess.
type ProcessWorkerConfig struct {
	Executable string   // defaults to the running binary
	Args       []string // extra flags passed to the worker command
	StateDir   string
	StateKey   string
	Listen     string
	Env        []string
	LogPath    string
	Logger     *slog.Logger
}

// ProcessWorker runs `webgauge worker` in its own process group.
type ProcessWorker struct {
	cfg    ProcessWorkerConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	logFile *os.File
	starts  int
}

// NewProcessWorker creates a worker that is started on demand.
func NewProcessWorker(cfg ProcessWorkerConfig) *ProcessWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProcessWorker{cfg: cfg, logger: logger}
}

// Command returns the worker command line without starting it.
func (w *ProcessWorker) Command() (string, []string, error) {
	exe := w.cfg.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("locating webgauge binary: %w", err)
		}
		exe = self
	}
	args := []string{"worker",
		"--state-dir", w.cfg.StateDir,
		"--state-key", w.cfg.StateKey,
		"--listen", w.cfg.Listen,
	}
	return exe, append(args, w.cfg.Args...), nil
}

// Start launches the subprocess. Output is appended to LogPath.
func (w *ProcessWorker) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd != nil && !closed(w.done) {
		return fmt.Errorf("worker already running (pid %d)", w.cmd.Process.Pid)
	}

	exe, args, err := w.Command()
	if err != nil {
		return err
	}

	// The worker outlives the caller's context; Stop ends it.
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), w.cfg.Env...)
	procgroup.Setup(cmd)

	var logFile *os.File
	if w.cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(w.cfg.LogPath), 0o755); err != nil {
			return fmt.Errorf("creating worker log dir: %w", err)
		}
		logFile, err = os.OpenFile(w.cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening worker log: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("starting worker: %w", err)
	}

	done := make(chan struct{})
	w.cmd = cmd
	w.done = done
	w.logFile = logFile
	w.starts++
	w.logger.Info("worker started", "pid", cmd.Process.Pid, "starts", w.starts, "log", w.cfg.LogPath)

	go func() {
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		if err != nil {
			w.logger.Debug("worker exited", "pid", cmd.Process.Pid, "error", err)
		}
		close(done)
	}()
	return nil
}

// Done is closed when the current subprocess exits.
func (w *ProcessWorker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Stop terminates the process group.
func (w *ProcessWorker) Stop(grace time.Duration) error {
	w.mu.Lock()
	cmd, done := w.cmd, w.done
	w.mu.Unlock()

	if cmd == nil || closed(done) {
		return nil
	}
	procgroup.Terminate(cmd, grace, done)
	select {
	case <-done:
		return nil
	case <-time.After(grace + 5*time.Second):
		return fmt.Errorf("worker pid %d did not exit", cmd.Process.Pid)
	}
}

// InProcessWorker serves the protocol from a goroutine of the current process.
// build is called on every start so a restarted worker gets a fresh session manager.
type InProcessWorker struct {
	build func() WorkerOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewInProcessWorker creates an in-process worker.
func NewInProcessWorker(build func() WorkerOptions) *InProcessWorker {
	return &InProcessWorker{build: build}
}

// Start runs ServeWorker in the background.
func (w *InProcessWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil && !closed(w.done) {
		return errors.New("worker already running")
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	opts := w.build()
	w.cancel = cancel
	w.done = done
	w.err = nil

	go func() {
		defer close(done)
		err := ServeWorker(wctx, opts)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	}()
	return nil
}

// Done is closed when the current server goroutine returns.
func (w *InProcessWorker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Err returns the error the last server goroutine returned.
func (w *InProcessWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop cancels the server and waits for it to return.
func (w *InProcessWorker) Stop(grace time.Duration) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(grace + 5*time.Second):
		return errors.New("in-process worker did not stop")
	}
}

func closed(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
