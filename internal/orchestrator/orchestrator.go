// Package orchestrator runs tasks against a worker and a participant, watches
// the worker's shared state record and turns each task into a scored result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lemon07r/webgauge/internal/protocol"
	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/sharedstate"
	"github.com/lemon07r/webgauge/internal/task"
)

// EventsFile is the state machine log inside a run directory.
const EventsFile = "events.jsonl"

const closeTimeout = 30 * time.Second

// Options configures a run.
type Options struct {
	RunID       string
	RunDir      string
	Participant string
	Model       string

	StateDir string
	StateKey string

	Worker     Worker
	Dispatcher Participant

	Limits          Limits
	PollInterval    time.Duration
	ReadyTimeout    time.Duration
	WorkerGrace     time.Duration
	DispatchRetries int
	StopOnError     bool
	Resume          bool

	Lambdas result.Lambdas
	Weight  func(*task.Task) float64 // nil weighs every task 1

	Output io.Writer // per-task progress; nil discards
	Logger *slog.Logger
}

// Orchestrator drives one run. It is not safe for concurrent use.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	out    io.Writer

	store  *sharedstate.Store
	wake   <-chan struct{}
	events *EventLog
	state  *RunState
	client *protocol.Client
}

// New validates options and applies defaults.
func New(opts Options) (*Orchestrator, error) {
	if opts.Worker == nil {
		return nil, errors.New("orchestrator needs a worker")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("orchestrator needs a participant")
	}
	if opts.RunDir == "" {
		return nil, errors.New("orchestrator needs a run directory")
	}
	if opts.StateKey == "" {
		return nil, errors.New("orchestrator needs a state key")
	}
	if opts.StateDir == "" {
		opts.StateDir = os.TempDir()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.WorkerGrace <= 0 {
		opts.WorkerGrace = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{
		opts:   opts,
		logger: logger,
		out:    out,
		store:  sharedstate.NewStore(opts.StateDir, opts.StateKey),
	}, nil
}

// Run executes tasks in order and returns the run summary. Task failures are
// recorded in the summary; the error is only for run-level problems such as
// an unwritable run directory.
func (o *Orchestrator) Run(ctx context.Context, tasks []*task.Task) (*result.Summary, error) {
	if err := os.MkdirAll(o.opts.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	if err := os.MkdirAll(o.opts.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	if err := o.loadState(tasks); err != nil {
		return nil, err
	}
	events, err := NewEventLog(filepath.Join(o.opts.RunDir, EventsFile), o.state.RunID)
	if err != nil {
		return nil, err
	}
	o.events = events

	watcher := sharedstate.NewWatcher(o.store, 20*time.Millisecond, o.logger)
	o.wake = watcher.C()

	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	var summary *result.Summary

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := watcher.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Debug("state watcher unavailable, polling only", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopWatch()
		var err error
		summary, err = o.runTasks(ctx, tasks)
		return err
	})
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (o *Orchestrator) loadState(tasks []*task.Task) error {
	if o.opts.Resume {
		s, err := LoadRunState(o.opts.RunDir)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if s.Entry(t.ID()) == nil {
				s.Tasks = append(s.Tasks, TaskEntry{TaskID: t.ID(), Benchmark: string(t.Benchmark), Status: task.StatusPending})
			}
		}
		s.Complete = false
		o.state = s
		return o.saveState()
	}
	runID := o.opts.RunID
	if runID == "" {
		runID = filepath.Base(o.opts.RunDir)
	}
	o.state = NewRunState(runID, o.opts.Participant, o.opts.Model, tasks)
	return o.saveState()
}

func (o *Orchestrator) saveState() error {
	return o.state.Save(o.opts.RunDir)
}

func (o *Orchestrator) transition(taskID string, next State, reason result.Reason, detail string) {
	if err := o.events.Transition(taskID, next, reason, detail); err != nil {
		o.logger.Warn("recording state transition", "task", taskID, "state", next, "error", err)
	}
}

func (o *Orchestrator) setStatus(taskID string, status task.Status, reason result.Reason) {
	if err := o.state.Set(taskID, status, reason); err != nil {
		o.logger.Warn("updating run state", "task", taskID, "error", err)
		return
	}
	if err := o.saveState(); err != nil {
		o.logger.Warn("saving run state", "error", err)
	}
}

func (o *Orchestrator) runTasks(ctx context.Context, tasks []*task.Task) (*result.Summary, error) {
	start := time.Now()
	results := make([]result.TaskResult, 0, len(tasks))
	halted := ""

	defer o.shutdownWorker()

	for i, t := range tasks {
		id := t.ID()
		entry := o.state.Entry(id)

		if entry != nil && entry.Status.Terminal() {
			if prev, err := result.LoadTaskResult(o.opts.RunDir, id); err == nil {
				o.logger.Info("skipping finished task", "task", id, "status", prev.Status)
				results = append(results, *prev)
				continue
			}
			o.logger.Warn("finished task has no result, recording it again", "task", id)
		}

		if o.events.State() != StateNotStarted {
			o.transition(id, StateNotStarted, "", "")
		}

		var r result.TaskResult
		switch {
		case entry != nil && entry.Status == task.StatusRunning:
			r = o.skipTask(t, result.ReasonCancelled, "interrupted before completion")
		case ctx.Err() != nil:
			r = o.skipTask(t, result.ReasonCancelled, "run cancelled")
		case halted != "":
			r = o.skipTask(t, result.ReasonCancelled, halted)
		default:
			r = o.runTask(ctx, t)
		}

		if err := r.Save(o.opts.RunDir); err != nil {
			o.logger.Warn("saving task result", "task", id, "error", err)
		}
		results = append(results, r)
		fmt.Fprint(o.out, result.FormatTerminal(&r, i+1, len(tasks)))

		if halted == "" && o.opts.StopOnError && (r.Reason == result.ReasonDispatchFailed || r.Reason == result.ReasonWorkerUnreachable) {
			halted = fmt.Sprintf("run halted after %s failed with %s", id, r.Reason)
			o.logger.Warn("stopping run", "task", id, "reason", r.Reason)
		}
	}

	o.transition("", StateRunComplete, "", "")

	interrupted := ctx.Err() != nil || halted != ""
	o.state.Complete = !interrupted
	if err := o.saveState(); err != nil {
		o.logger.Warn("saving run state", "error", err)
	}

	summary := result.Summarize(result.Meta{
		RunID:       o.state.RunID,
		Participant: o.state.Participant,
		Model:       o.state.Model,
		Timestamp:   o.state.StartedAt.Format(time.RFC3339),
		Lambdas:     o.opts.Lambdas,
		Interrupted: interrupted,
		Duration:    time.Since(start).Seconds(),
	}, results)
	if err := summary.Save(o.opts.RunDir); err != nil {
		return &summary, err
	}
	return &summary, nil
}

func (o *Orchestrator) weight(t *task.Task) float64 {
	if o.opts.Weight == nil {
		return 1
	}
	return o.opts.Weight(t)
}

func (o *Orchestrator) limitsFor(t *task.Task) Limits {
	lim := o.opts.Limits
	if t.Timeout > 0 {
		lim.HardTimeout = time.Duration(t.Timeout) * time.Second
	}
	return lim
}

// skipTask records a task that was never dispatched.
func (o *Orchestrator) skipTask(t *task.Task, reason result.Reason, detail string) result.TaskResult {
	id := t.ID()
	now := time.Now().UTC()
	o.transition(id, StateTaskFailed, reason, detail)
	o.setStatus(id, task.StatusFailed, reason)
	return result.Build(result.Outcome{
		TaskID:      id,
		Benchmark:   string(t.Benchmark),
		Reason:      reason,
		Weight:      o.weight(t),
		Error:       detail,
		StartedAt:   now,
		CompletedAt: now,
	}, o.opts.Lambdas)
}

// runTask dispatches one task and monitors it to a terminal state.
func (o *Orchestrator) runTask(ctx context.Context, t *task.Task) result.TaskResult {
	id := t.ID()
	lim := o.limitsFor(t)
	out := result.Outcome{
		TaskID:    id,
		Benchmark: string(t.Benchmark),
		Weight:    o.weight(t),
		StartedAt: time.Now().UTC(),
	}
	fail := func(reason result.Reason, detail string) result.TaskResult {
		o.transition(id, StateTaskFailed, reason, detail)
		o.setStatus(id, task.StatusFailed, reason)
		out.Reason = reason
		out.Error = detail
		out.CompletedAt = time.Now().UTC()
		return result.Build(out, o.opts.Lambdas)
	}

	o.setStatus(id, task.StatusRunning, "")
	logger := o.logger.With("task", id)

	if err := o.ensureWorker(ctx); err != nil {
		if ctx.Err() != nil {
			return fail(result.ReasonCancelled, "run cancelled")
		}
		logger.Error("worker unreachable", "error", err)
		return fail(result.ReasonWorkerUnreachable, err.Error())
	}

	startRec, err := o.store.Load()
	if err != nil {
		logger.Error("reading shared state", "error", err)
		return fail(result.ReasonWorkerUnreachable, err.Error())
	}
	startSnap := startRec.Snapshot()

	handle, err := o.opts.Dispatcher.Dispatch(ctx, Assignment{
		RunID:          o.state.RunID,
		TaskID:         id,
		Benchmark:      string(t.Benchmark),
		Goal:           t.Goal,
		Endpoint:       o.client.Endpoint(),
		RPCPath:        protocol.RPCPath,
		MaxToolCalls:   lim.MaxToolCalls,
		TimeoutSeconds: int(lim.HardTimeout.Seconds()),
		Model:          o.opts.Model,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fail(result.ReasonCancelled, "run cancelled")
		}
		logger.Error("dispatching task", "error", err)
		o.closeSession(logger)
		return fail(result.ReasonDispatchFailed, err.Error())
	}
	dispatchedAt := time.Now()
	o.transition(id, StateTaskDispatched, "", "")
	o.transition(id, StateMonitoring, "", "")
	logger.Info("task dispatched", "benchmark", t.Benchmark, "timeout", lim.HardTimeout)

	verdict, last := o.monitor(ctx, id, startRec, startSnap, dispatchedAt, lim, handle)
	handle.Stop()

	// Per-task fields are cleared when the session closes; counters are not.
	own := last.TaskID == id
	if own {
		out.SessionID = last.SessionID
		out.Reward = last.FinalReward
	}
	closeRes, closeErr := o.closeSession(logger)

	end := last
	if rec, err := o.store.Load(); err == nil {
		end = rec
	}
	delta := sharedstate.Delta(startSnap, end.Snapshot())
	out.Metrics = result.Metrics{
		TotalTokens:    delta.TotalTokens,
		TotalLatencyMs: delta.TotalLatencyMs,
		ActionCount:    delta.ActionCount,
		ToolCallCount:  delta.ToolCallCount,
	}

	var resource []string
	if closeRes != nil {
		resource = append(resource, closeRes.ResourceErrors...)
		if out.SessionID == "" {
			out.SessionID = closeRes.SessionID
		}
	}
	if closeErr != nil {
		resource = append(resource, fmt.Sprintf("closing session: %v", closeErr))
	}
	resource = append(resource, end.CleanupErrors...)
	out.ResourceErrors = dedupe(resource)

	out.Success = verdict.Success
	out.Reason = verdict.Reason
	out.CompletedAt = verdict.At.UTC()
	switch {
	case verdict.Reason == result.ReasonReportedError:
		out.Error = verdict.Detail
	case verdict.Reason != "":
		out.Error = verdict.Detail
		if own && last.Error != nil {
			out.Error += "\n" + *last.Error
		}
	}

	if verdict.Success {
		o.transition(id, StateTaskSucceeded, "", "")
		o.setStatus(id, task.StatusSucceeded, "")
	} else {
		o.transition(id, StateTaskFailed, verdict.Reason, verdict.Detail)
		o.setStatus(id, task.StatusFailed, verdict.Reason)
	}
	logger.Info("task finished", "success", verdict.Success, "reason", verdict.Reason,
		"tokens", delta.TotalTokens, "latency_ms", delta.TotalLatencyMs)

	return result.Build(out, o.opts.Lambdas)
}

// monitor polls the shared state record until Decide ends the task.
func (o *Orchestrator) monitor(ctx context.Context, taskID string, last sharedstate.Record, start sharedstate.Snapshot,
	dispatchedAt time.Time, lim Limits, handle Handle) (Verdict, sharedstate.Record) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	act := newActivity(dispatchedAt, start)
	participantDone := handle.Done()
	workerDone := o.opts.Worker.Done()

	sample := func() Verdict {
		if rec, err := o.store.Load(); err == nil {
			last = rec
		} else {
			o.logger.Debug("reading shared state", "task", taskID, "error", err)
		}
		now := time.Now()
		act.observe(last, now)
		return Decide(Progress{
			TaskID:       taskID,
			Record:       last,
			Start:        start,
			DispatchedAt: dispatchedAt,
			ActiveAt:     act.at,
			Now:          now,
		}, lim)
	}

	for {
		if v := sample(); v.Done {
			return v, last
		}

		select {
		case <-ctx.Done():
			return Verdict{Done: true, Reason: result.ReasonCancelled, At: time.Now(), Detail: "run cancelled"}, last
		case <-workerDone:
			if v := sample(); v.Done {
				return v, last
			}
			o.client = nil
			return Verdict{Done: true, Reason: result.ReasonWorkerUnreachable, At: time.Now(), Detail: "worker exited during the task"}, last
		case <-participantDone:
			o.logger.Debug("participant finished", "task", taskID)
			participantDone = nil
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// ensureWorker makes sure a worker is serving. An unhealthy worker is restarted once.
func (o *Orchestrator) ensureWorker(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if o.client != nil && !closed(o.opts.Worker.Done()) {
			hctx, cancel := context.WithTimeout(ctx, o.opts.ReadyTimeout)
			_, err := o.client.Health(hctx)
			cancel()
			if err == nil {
				return nil
			}
			o.logger.Warn("worker health check failed, restarting", "error", err)
			lastErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.startWorker(ctx); err != nil {
			lastErr = err
			o.logger.Warn("starting worker", "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("worker unreachable: %w", lastErr)
}

func (o *Orchestrator) startWorker(ctx context.Context) error {
	o.client = nil
	if err := o.opts.Worker.Stop(o.opts.WorkerGrace); err != nil {
		o.logger.Warn("stopping worker", "error", err)
	}
	// A stale record would announce the previous worker's endpoint.
	if err := o.store.Remove(); err != nil {
		return err
	}
	if err := o.opts.Worker.Start(ctx); err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, o.opts.ReadyTimeout)
	defer cancel()
	go func(done <-chan struct{}) {
		select {
		case <-done:
			cancel()
		case <-readyCtx.Done():
		}
	}(o.opts.Worker.Done())

	rec, err := o.store.WaitReady(readyCtx, o.opts.PollInterval, o.wake)
	if err != nil {
		_ = o.opts.Worker.Stop(o.opts.WorkerGrace)
		if rec, lerr := o.store.Load(); lerr == nil && rec.Error != nil {
			return fmt.Errorf("%w: %s", err, *rec.Error)
		}
		return err
	}
	o.client = protocol.NewClient(rec.Endpoint, protocol.ClientOptions{
		Retries: o.opts.DispatchRetries,
		Logger:  o.logger,
	})
	o.logger.Info("worker ready", "endpoint", rec.Endpoint, "pid", rec.PID)
	return nil
}

// closeSession closes whatever session the worker has open. It runs even
// after the run context is cancelled.
func (o *Orchestrator) closeSession(logger *slog.Logger) (*protocol.CloseResult, error) {
	if o.client == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	res, err := o.client.Close(ctx, "")
	if err != nil {
		logger.Warn("closing session", "error", err)
		return nil, err
	}
	for _, problem := range res.ResourceErrors {
		logger.Warn("session cleanup incomplete", "error", problem)
	}
	return res, nil
}

func (o *Orchestrator) shutdownWorker() {
	o.client = nil
	if err := o.opts.Worker.Stop(o.opts.WorkerGrace); err != nil {
		o.logger.Warn("stopping worker", "error", err)
	}
	if err := o.store.Remove(); err != nil {
		o.logger.Warn("removing shared state", "error", err)
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, s := range items {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
