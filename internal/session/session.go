// Package session owns the lifecycle of the one environment a worker drives.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lemon07r/webgauge/internal/action"
	"github.com/lemon07r/webgauge/internal/environment"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/task"
)

// Session is one live environment bound to one task.
// Only the Manager that created it may close it.
type Session struct {
	ID        string         `json:"session_id"`
	TaskID    string         `json:"task_id"`
	Benchmark task.Benchmark `json:"benchmark"`
	CreatedAt time.Time      `json:"created_at"`

	env    environment.Environment
	closed atomic.Bool
}

// Reset starts or restarts the task in the environment.
func (s *Session) Reset(ctx context.Context) (observation.Raw, error) {
	if s.closed.Load() {
		return observation.Raw{}, harnesserr.ErrSessionClosed
	}
	return s.env.Reset(ctx)
}

// Step applies one action.
func (s *Session) Step(ctx context.Context, a action.Action) (environment.StepResult, error) {
	if s.closed.Load() {
		return environment.StepResult{}, harnesserr.ErrSessionClosed
	}
	return s.env.Step(ctx, a)
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// CloseReport describes the outcome of closing a session.
type CloseReport struct {
	SessionID      string   `json:"session_id,omitempty"`
	Closed         bool     `json:"closed"`
	ResourceErrors []string `json:"resource_errors,omitempty"`
}

// Sweeper terminates automation processes left behind by a session that
// started at since, and returns a description of each one that survived.
type Sweeper func(ctx context.Context, since time.Time) []string

// Options configures a Manager.
type Options struct {
	Factory  environment.Factory
	Headless bool
	MaxSteps int
	Params   map[string]string
	Sweeper  Sweeper
	Logger   *slog.Logger
}

// Manager enforces at most one live session per process.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	active   *Session
	finished map[string]bool
}

// NewManager creates a manager and registers it with the exit hook.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{opts: opts, logger: logger, finished: make(map[string]bool)}
	register(m)
	return m
}

// Create validates the task reference and starts a new environment for it.
func (m *Manager) Create(ctx context.Context, taskID, benchmark string) (*Session, error) {
	b, _, err := task.ValidateRef(taskID, benchmark)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeSessionAlreadyActive,
			"session %s for %s is still active", m.active.ID, m.active.TaskID)
	}

	env, err := m.opts.Factory.New(ctx, environment.Spec{
		TaskID:    taskID,
		Benchmark: string(b),
		Headless:  m.opts.Headless,
		MaxSteps:  m.opts.MaxSteps,
		Params:    m.opts.Params,
	})
	if err != nil {
		if harnesserr.KindOf(err) != "" {
			return nil, err
		}
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err,
			"creating environment for %s", taskID)
	}

	s := &Session{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Benchmark: b,
		CreatedAt: time.Now().UTC(),
		env:       env,
	}
	m.active = s
	m.logger.Info("session created", "session", s.ID, "task", taskID, "benchmark", b)
	return s, nil
}

// Active returns the live session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close closes the session with id, or the active session when id is empty.
// Closing an unknown or already-closed session is a no-op; the report's Closed
// stays true for sessions this manager closed before.
func (m *Manager) Close(id string) CloseReport {
	m.mu.Lock()
	s := m.active
	if s == nil || (id != "" && s.ID != id) {
		closed := m.finished[id]
		m.mu.Unlock()
		return CloseReport{SessionID: id, Closed: closed}
	}
	m.active = nil
	m.finished[s.ID] = true
	m.mu.Unlock()

	return m.teardown(s)
}

// teardown runs without holding m.mu.
func (m *Manager) teardown(s *Session) CloseReport {
	report := CloseReport{SessionID: s.ID, Closed: true}
	if !s.closed.CompareAndSwap(false, true) {
		return report
	}

	if err := s.env.Close(); err != nil {
		report.ResourceErrors = append(report.ResourceErrors, fmt.Sprintf("closing environment: %v", err))
	}

	if m.opts.Sweeper != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		report.ResourceErrors = append(report.ResourceErrors, m.opts.Sweeper(ctx, s.CreatedAt)...)
		cancel()
	}

	for _, problem := range report.ResourceErrors {
		m.logger.Warn("session cleanup incomplete", "session", s.ID, "error", problem)
	}
	m.logger.Info("session closed", "session", s.ID, "task", s.TaskID)
	return report
}

// Shutdown closes the active session and removes the manager from the exit hook.
func (m *Manager) Shutdown() CloseReport {
	report := m.Close("")
	unregister(m)
	return report
}
