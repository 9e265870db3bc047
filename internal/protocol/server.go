package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lemon07r/webgauge/internal/action"
	"github.com/lemon07r/webgauge/internal/environment"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/session"
	"github.com/lemon07r/webgauge/internal/sharedstate"
	"github.com/lemon07r/webgauge/internal/task"
)

// ServerName is reported by describe.
const ServerName = "webgauge"

// Defaults applied when Options leaves a limit unset.
const (
	DefaultActionTimeout = 30 * time.Second
	DefaultMaxBatch      = 20
)

// StateWriter is the server's side of the shared state channel.
// *sharedstate.Writer implements it.
type StateWriter interface {
	BeginTask(sessionID, taskID, benchmark string) error
	EndTask() error
	BeginCall() error
	EndCall() error
	RecordBatch(u sharedstate.BatchUpdate) error
	RecordObservation(tokens int) error
	SetError(msg string) error
	MarkToolLimitExceeded() error
	MarkCleanup(problems []string) error
}

// Options configures a Server.
type Options struct {
	Manager *session.Manager
	State   StateWriter // may be nil

	ObservationMode   observation.Mode
	MaxChars          int
	IncludeScreenshot bool
	TokenLimits       map[string]int // per-benchmark overrides of the profile token limit

	ActionTimeout time.Duration
	MaxBatch      int
	MaxToolCalls  int // 0 disables the limit
	Version       string
	Logger        *slog.Logger
}

// Server executes protocol calls against the manager's single session.
type Server struct {
	opts   Options
	logger *slog.Logger

	// execMu serializes calls that drive the environment. close only takes mu
	// so it can tear the session down while an action is still running.
	execMu sync.Mutex

	mu             sync.Mutex
	sess           *session.Session
	compressor     *observation.Compressor
	summarizer     *harnesserr.Summarizer
	lastRaw        observation.Raw
	lastActionText string
	completed      bool
	toolCalls      int

	// replayMu guards lastExec and is held for a whole execute call, so a
	// retry waits for the attempt it repeats.
	replayMu sync.Mutex
	lastExec *Response
}

// NewServer creates a server. Manager is required.
func NewServer(opts Options) *Server {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{opts: opts, logger: logger}
}

// Limits returns the enforced bounds.
func (s *Server) Limits() Limits {
	return Limits{
		MaxBatch:        s.opts.MaxBatch,
		MaxToolCalls:    s.opts.MaxToolCalls,
		ActionTimeoutMs: float64(s.opts.ActionTimeout.Milliseconds()),
	}
}

func (s *Server) state(op string, fn func(StateWriter) error) {
	if s.opts.State == nil {
		return
	}
	if err := fn(s.opts.State); err != nil {
		s.logger.Warn("updating shared state", "op", op, "error", err)
	}
}

func (s *Server) current() (*session.Session, *observation.Compressor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.sess.Closed() {
		return nil, nil
	}
	return s.sess, s.compressor
}

func notInitialized() error {
	return harnesserr.New(harnesserr.KindValidation, harnesserr.CodeNotInitialized, "initialize must be called first")
}

func (s *Server) newCompressor(b task.Benchmark) *observation.Compressor {
	profile := observation.ProfileFor(string(b))
	if limit := s.opts.TokenLimits[string(b)]; limit > 0 {
		profile.TokenLimit = limit
	}
	return observation.NewCompressor(profile, s.opts.ObservationMode, s.opts.MaxChars)
}

// Initialize starts a session for the task and returns its first observation.
// Repeating the call for the live task is a no-op; any other task is refused.
func (s *Server) Initialize(ctx context.Context, p InitializeParams) (*InitializeResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	b, _, err := task.ValidateRef(p.TaskID, p.Benchmark)
	if err != nil {
		return nil, err
	}

	if cur, comp := s.current(); cur != nil {
		if cur.TaskID != p.TaskID {
			return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeAlreadyInitialized,
				"session %s is already running %s", cur.ID, cur.TaskID)
		}
		s.mu.Lock()
		obs := comp.Compress(s.lastRaw, s.lastActionText, s.opts.IncludeScreenshot)
		s.mu.Unlock()
		s.state("observe", func(w StateWriter) error { return w.RecordObservation(obs.EstimatedTokens) })
		return &InitializeResult{
			Status:      StatusAlreadyInitialized,
			SessionID:   cur.ID,
			TaskID:      cur.TaskID,
			Benchmark:   string(cur.Benchmark),
			Goal:        obs.Goal,
			Observation: &obs,
		}, nil
	}

	sess, err := s.opts.Manager.Create(ctx, p.TaskID, string(b))
	if err != nil {
		if harnesserr.KindOf(err) == harnesserr.KindEnvironment {
			s.state("error", func(w StateWriter) error { return w.SetError(err.Error()) })
		}
		return nil, err
	}
	s.state("begin task", func(w StateWriter) error { return w.BeginTask(sess.ID, sess.TaskID, string(b)) })

	resetCtx, cancel := context.WithTimeout(ctx, s.opts.ActionTimeout)
	raw, err := sess.Reset(resetCtx)
	cancel()
	if err != nil {
		if harnesserr.KindOf(err) == "" {
			err = harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err,
				"resetting %s", sess.TaskID)
		}
		s.state("error", func(w StateWriter) error { return w.SetError(err.Error()) })
		report := s.opts.Manager.Close(sess.ID)
		if len(report.ResourceErrors) > 0 {
			s.state("cleanup", func(w StateWriter) error { return w.MarkCleanup(report.ResourceErrors) })
		}
		return nil, err
	}

	comp := s.newCompressor(b)
	obs := comp.Compress(raw, "", s.opts.IncludeScreenshot)

	s.mu.Lock()
	s.sess = sess
	s.compressor = comp
	s.summarizer = harnesserr.NewSummarizer(string(b))
	s.lastRaw = raw
	s.lastActionText = ""
	s.completed = false
	s.toolCalls = 0
	s.mu.Unlock()

	s.state("observe", func(w StateWriter) error { return w.RecordObservation(obs.EstimatedTokens) })
	s.logger.Info("task initialized", "session", sess.ID, "task", sess.TaskID, "benchmark", b)

	return &InitializeResult{
		Status:      StatusInitialized,
		SessionID:   sess.ID,
		TaskID:      sess.TaskID,
		Benchmark:   string(b),
		Goal:        raw.Goal,
		Observation: &obs,
	}, nil
}

// Observe returns the compressed form of the latest observation.
func (s *Server) Observe(_ context.Context, p ObserveParams) (*observation.Compressed, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	sess, comp := s.current()
	if sess == nil {
		return nil, notInitialized()
	}
	s.mu.Lock()
	obs := comp.Compress(s.lastRaw, s.lastActionText, p.IncludeScreenshot || s.opts.IncludeScreenshot)
	s.mu.Unlock()

	s.state("observe", func(w StateWriter) error { return w.RecordObservation(obs.EstimatedTokens) })
	return &obs, nil
}

// Execute runs a batch of actions in order. The batch stops at the first
// terminated or truncated step, the first invalid action, or the first
// environment failure; every action after the stop is reported skipped.
// A timed-out action is reported failed and the batch continues.
func (s *Server) Execute(ctx context.Context, p ExecuteParams) (*BatchResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	sess, comp := s.current()
	if sess == nil {
		return nil, notInitialized()
	}
	if len(p.Actions) == 0 {
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeEmptyBatch, "execute needs at least one action")
	}
	if len(p.Actions) > s.opts.MaxBatch {
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeBatchTooLarge,
			"batch has %d actions, limit is %d", len(p.Actions), s.opts.MaxBatch)
	}

	s.mu.Lock()
	completed, calls := s.completed, s.toolCalls
	raw, lastText, summarizer := s.lastRaw, s.lastActionText, s.summarizer
	s.mu.Unlock()

	if completed {
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeTaskCompleted,
			"task %s already completed", sess.TaskID)
	}
	if s.opts.MaxToolCalls > 0 && calls >= s.opts.MaxToolCalls {
		s.state("tool limit", func(w StateWriter) error { return w.MarkToolLimitExceeded() })
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeToolLimitExceeded,
			"task used %d of %d tool calls", calls, s.opts.MaxToolCalls)
	}

	s.state("begin call", func(w StateWriter) error { return w.BeginCall() })

	start := time.Now()
	batch := &BatchResult{BatchID: uuid.NewString(), Results: make([]ActionResult, 0, len(p.Actions))}
	var reward *float64
	stopped := false

	for i, entry := range p.Actions {
		if stopped || ctx.Err() != nil {
			batch.Results = append(batch.Results, ActionResult{Index: i, Status: ActionSkipped})
			continue
		}

		a, err := decodeAction(entry, i)
		if err != nil {
			batch.Results = append(batch.Results, ActionResult{Index: i, Status: ActionInvalid, Error: err.Error()})
			batch.Error = errorInfo(err)
			stopped = true
			continue
		}

		res := ActionResult{Index: i, Type: a.Type, Text: a.String()}
		lastText = res.Text
		stepStart := time.Now()
		out, err := s.step(ctx, sess, a)
		res.DurationMs = msSince(stepStart)

		switch {
		case harnesserr.CodeOf(err) == harnesserr.CodeActionTimeout:
			res.Status = ActionFailed
			res.Error = err.Error()
			s.logger.Warn("action timed out", "batch", batch.BatchID, "index", i, "action", res.Text)
		case err != nil:
			res.Status = ActionFailed
			res.Error = err.Error()
			batch.Error = errorInfo(err)
			stopped = true
			if !errors.Is(err, harnesserr.ErrSessionClosed) && !errors.Is(err, context.Canceled) {
				s.state("error", func(w StateWriter) error { return w.SetError(err.Error()) })
			}
		default:
			res.Status = ActionExecuted
			res.Reward = out.Reward
			res.Terminated = out.Terminated
			res.Truncated = out.Truncated
			if msg := out.Observation.LastActionError; msg != "" {
				res.Error = msg
				if lines := summarizer.Summarize(msg); len(lines) > 0 {
					res.Error = strings.Join(lines, "; ")
				}
			}
			raw = out.Observation
			batch.Executed++
			if reward == nil || out.Reward > *reward {
				r := out.Reward
				reward = &r
			}
			if out.Terminated || out.Truncated {
				batch.TaskCompleted = true
				batch.EarlyTermination = i < len(p.Actions)-1
				stopped = true
			}
		}
		batch.Results = append(batch.Results, res)
	}

	obs := comp.Compress(raw, lastText, s.opts.IncludeScreenshot)
	batch.Observation = &obs
	batch.LatencyMs = msSince(start)

	s.mu.Lock()
	if s.sess == sess {
		s.lastRaw = raw
		s.lastActionText = lastText
		s.toolCalls++
		if batch.TaskCompleted {
			s.completed = true
		}
	}
	s.mu.Unlock()

	s.state("record batch", func(w StateWriter) error {
		return w.RecordBatch(sharedstate.BatchUpdate{
			SessionID: sess.ID,
			Executed:  batch.Executed,
			LatencyMs: batch.LatencyMs,
			Tokens:    obs.EstimatedTokens,
			Completed: batch.TaskCompleted,
			Reward:    reward,
		})
	})

	s.logger.Debug("batch executed", "batch", batch.BatchID, "task", sess.TaskID,
		"executed", batch.Executed, "of", len(p.Actions), "completed", batch.TaskCompleted)
	return batch, nil
}

// step applies one action with the per-action timeout. The environment call
// keeps running in the background after a timeout; the session's next step
// waits for it inside the environment.
func (s *Server) step(ctx context.Context, sess *session.Session, a action.Action) (environment.StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, s.opts.ActionTimeout)
	defer cancel()

	type outcome struct {
		res environment.StepResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: harnesserr.New(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure,
					"environment panicked on %s: %v", a.String(), r)}
			}
		}()
		res, err := sess.Step(stepCtx, a)
		done <- outcome{res: res, err: err}
	}()

	timedOut := func() error {
		return harnesserr.New(harnesserr.KindTimeout, harnesserr.CodeActionTimeout,
			"%s did not finish within %s", a.String(), s.opts.ActionTimeout)
	}

	select {
	case o := <-done:
		if o.err == nil {
			return o.res, nil
		}
		if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return environment.StepResult{}, timedOut()
		}
		if harnesserr.KindOf(o.err) == "" && !errors.Is(o.err, context.Canceled) {
			return environment.StepResult{}, harnesserr.Wrap(harnesserr.KindEnvironment,
				harnesserr.CodeEnvironmentFailure, o.err, "%s", a.String())
		}
		return environment.StepResult{}, o.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return environment.StepResult{}, ctx.Err()
		}
		return environment.StepResult{}, timedOut()
	}
}

// Describe returns the static tool metadata.
func (s *Server) Describe() *DescribeResult {
	benchmarks := make([]string, 0, len(task.Benchmarks))
	for _, b := range task.Benchmarks {
		benchmarks = append(benchmarks, string(b))
	}
	return &DescribeResult{
		Name:       ServerName,
		Version:    s.opts.Version,
		Operations: []string{MethodInitialize, MethodObserve, MethodExecute, MethodDescribe},
		Actions:    action.Schemas(),
		Aliases:    action.Aliases(),
		Benchmarks: benchmarks,
		Limits:     s.Limits(),
	}
}

// Close tears down the session. It does not wait for a running execute call;
// the environment is closed underneath it.
func (s *Server) Close(p CloseParams) *CloseResult {
	report := s.opts.Manager.Close(p.SessionID)

	s.mu.Lock()
	ended := s.sess != nil && s.sess.ID == report.SessionID
	if ended {
		s.sess = nil
		s.compressor = nil
		s.lastRaw = observation.Raw{}
		s.lastActionText = ""
		s.completed = false
		s.toolCalls = 0
	}
	s.mu.Unlock()

	if len(report.ResourceErrors) > 0 {
		s.state("cleanup", func(w StateWriter) error { return w.MarkCleanup(report.ResourceErrors) })
	}
	if ended {
		s.state("end task", func(w StateWriter) error { return w.EndTask() })
	}
	return &CloseResult{Closed: report.Closed, SessionID: report.SessionID, ResourceErrors: report.ResourceErrors}
}

// Health reports liveness and the active task.
func (s *Server) Health() *HealthResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &HealthResult{Status: "ok", Completed: s.completed}
	if s.sess != nil && !s.sess.Closed() {
		h.SessionID = s.sess.ID
		h.TaskID = s.sess.TaskID
	}
	return h
}

// Handle dispatches one request. An execute request carrying the id of the
// previous execute call gets that call's response again without re-running
// the batch; clients reuse the id when they retry.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	if req.Method != MethodExecute || req.ID == "" {
		return s.handle(ctx, req)
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	if s.lastExec != nil && s.lastExec.ID == req.ID {
		s.logger.Debug("replaying execute response", "id", req.ID)
		return *s.lastExec
	}
	resp := s.handle(ctx, req)
	s.lastExec = &resp
	return resp
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	result, err := s.dispatch(ctx, req)
	if err != nil {
		resp.Error = errorInfo(err)
		s.logger.Debug("call failed", "method", req.Method, "id", req.ID, "error", err)
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = errorInfo(harnesserr.Wrap(harnesserr.KindProtocol, harnesserr.CodeMalformedResponse, err,
			"encoding %s result", req.Method))
		return resp
	}
	resp.Result = data
	return resp
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodInitialize:
		var p InitializeParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.Initialize(ctx, p)
	case MethodObserve:
		var p ObserveParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.Observe(ctx, p)
	case MethodExecute:
		var p ExecuteParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.Execute(ctx, p)
	case MethodDescribe:
		return s.Describe(), nil
	case MethodClose:
		var p CloseParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.Close(p), nil
	case MethodHealth:
		return s.Health(), nil
	default:
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeUnknownMethod, "unknown method %q", req.Method)
	}
}

func decodeParams(req Request, into any) error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Params, into); err != nil {
		return harnesserr.Wrap(harnesserr.KindValidation, harnesserr.CodeInvalidAction, err,
			"decoding %s params", req.Method)
	}
	return nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
