package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lemon07r/webgauge/internal/action"
	"github.com/lemon07r/webgauge/internal/config"
	"github.com/lemon07r/webgauge/internal/environment"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/protocol"
	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/session"
	"github.com/lemon07r/webgauge/internal/sharedstate"
	"github.com/lemon07r/webgauge/internal/task"
)

func ptrTime(t time.Time) *time.Time { return &t }
func ptrFloat(v float64) *float64    { return &v }
func ptrString(s string) *string     { return &s }

func TestDecide(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lim := Limits{HardTimeout: 60 * time.Second, Inactivity: 10 * time.Second, MaxToolCalls: 3}

	tests := []struct {
		name    string
		rec     sharedstate.Record
		start   sharedstate.Snapshot
		active  time.Time
		now     time.Time
		lim     Limits
		done    bool
		success bool
		reason  result.Reason
	}{
		{
			name: "running",
			rec:  sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1},
			now:  t0.Add(5 * time.Second),
		},
		{
			name: "completed with reward",
			rec: sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1, TaskCompleted: true,
				CompletedAt: ptrTime(t0.Add(2 * time.Second)), FinalReward: ptrFloat(1)},
			now:     t0.Add(3 * time.Second),
			done:    true,
			success: true,
		},
		{
			name: "completed without reward",
			rec: sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1, TaskCompleted: true,
				CompletedAt: ptrTime(t0.Add(2 * time.Second)), FinalReward: ptrFloat(0)},
			now:    t0.Add(3 * time.Second),
			done:   true,
			reason: result.ReasonUnsuccessful,
		},
		{
			name:   "inactivity",
			rec:    sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1},
			active: t0.Add(time.Second),
			now:    t0.Add(12 * time.Second),
			done:   true,
			reason: result.ReasonInactivity,
		},
		{
			name:   "in-flight call suspends inactivity",
			rec:    sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1, InFlight: 1},
			active: t0.Add(time.Second),
			now:    t0.Add(30 * time.Second),
		},
		{
			name: "first action grace",
			rec:  sharedstate.Record{},
			now:  t0.Add(15 * time.Second),
			lim:  Limits{HardTimeout: 60 * time.Second, Inactivity: 10 * time.Second, FirstActionGrace: 20 * time.Second},
		},
		{
			name: "grace never shortens the inactivity window",
			rec:  sharedstate.Record{TaskID: "miniwob.a"},
			now:  t0.Add(21 * time.Second),
			lim:  Limits{HardTimeout: 60 * time.Second, Inactivity: 30 * time.Second, FirstActionGrace: 20 * time.Second},
		},
		{
			name:   "inactivity window elapsed before first call",
			rec:    sharedstate.Record{TaskID: "miniwob.a"},
			now:    t0.Add(31 * time.Second),
			lim:    Limits{HardTimeout: 60 * time.Second, Inactivity: 30 * time.Second, FirstActionGrace: 20 * time.Second},
			done:   true,
			reason: result.ReasonInactivity,
		},
		{
			name:   "hard timeout",
			rec:    sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 5, InFlight: 1},
			now:    t0.Add(61 * time.Second),
			lim:    Limits{HardTimeout: 60 * time.Second},
			done:   true,
			reason: result.ReasonHardTimeout,
		},
		{
			name:   "reported error",
			rec:    sharedstate.Record{TaskID: "miniwob.a", Error: ptrString("boom"), ErrorAt: ptrTime(t0.Add(time.Second))},
			now:    t0.Add(2 * time.Second),
			done:   true,
			reason: result.ReasonReportedError,
		},
		{
			name:   "tool limit from worker",
			rec:    sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 3, ToolCallsExceeded: true, ExceededAt: ptrTime(t0.Add(time.Second))},
			now:    t0.Add(2 * time.Second),
			done:   true,
			reason: result.ReasonToolLimit,
		},
		{
			name:   "tool limit from delta",
			rec:    sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 9, LastActivity: ptrTime(t0.Add(time.Second))},
			start:  sharedstate.Snapshot{ToolCallCount: 5},
			now:    t0.Add(2 * time.Second),
			done:   true,
			reason: result.ReasonToolLimit,
		},
		{
			name: "completion before failure wins",
			rec: sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1, TaskCompleted: true,
				CompletedAt: ptrTime(t0.Add(60 * time.Second)), FinalReward: ptrFloat(1)},
			active:  t0.Add(59 * time.Second),
			now:     t0.Add(90 * time.Second),
			done:    true,
			success: true,
		},
		{
			name: "failure before completion wins",
			rec: sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1, TaskCompleted: true,
				CompletedAt: ptrTime(t0.Add(61 * time.Second)), FinalReward: ptrFloat(1),
				Error: ptrString("late"), ErrorAt: ptrTime(t0.Add(50 * time.Second))},
			active: t0.Add(45 * time.Second),
			now:    t0.Add(62 * time.Second),
			done:   true,
			reason: result.ReasonReportedError,
		},
		{
			name: "equal timestamps prefer inactivity",
			rec: sharedstate.Record{TaskID: "miniwob.a", ToolCallCount: 1,
				Error: ptrString("boom"), ErrorAt: ptrTime(t0.Add(20 * time.Second))},
			active: t0.Add(10 * time.Second),
			now:    t0.Add(25 * time.Second),
			done:   true,
			reason: result.ReasonInactivity,
		},
		{
			name: "another task's completion is ignored",
			rec: sharedstate.Record{TaskID: "miniwob.b", ToolCallCount: 1, TaskCompleted: true,
				CompletedAt: ptrTime(t0), FinalReward: ptrFloat(1), Error: ptrString("old")},
			now: t0.Add(time.Second),
		},
		{
			name: "unbound record's completion is ignored",
			rec: sharedstate.Record{ToolCallCount: 1, TaskCompleted: true,
				CompletedAt: ptrTime(t0), FinalReward: ptrFloat(1), ToolCallsExceeded: true, ExceededAt: ptrTime(t0)},
			now: t0.Add(time.Second),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := lim
			if tt.lim != (Limits{}) {
				l = tt.lim
			}
			active := tt.active
			if active.IsZero() {
				active = t0
			}
			v := Decide(Progress{
				TaskID:       "miniwob.a",
				Record:       tt.rec,
				Start:        tt.start,
				DispatchedAt: t0,
				ActiveAt:     active,
				Now:          tt.now,
			}, l)
			if v.Done != tt.done {
				t.Fatalf("Done = %v, want %v (verdict %+v)", v.Done, tt.done, v)
			}
			if v.Success != tt.success {
				t.Fatalf("Success = %v, want %v", v.Success, tt.success)
			}
			if v.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", v.Reason, tt.reason)
			}
		})
	}
}

func TestActivityIgnoresObservations(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	act := newActivity(t0, sharedstate.Snapshot{ToolCallCount: 2})

	// Observe only bumps tokens and last activity.
	act.observe(sharedstate.Record{ToolCallCount: 2, LastActivity: ptrTime(t0.Add(5 * time.Second))}, t0.Add(6*time.Second))
	if !act.at.Equal(t0) {
		t.Fatalf("at = %v, want %v", act.at, t0)
	}

	act.observe(sharedstate.Record{ToolCallCount: 3, LastActivity: ptrTime(t0.Add(7 * time.Second))}, t0.Add(8*time.Second))
	if want := t0.Add(7 * time.Second); !act.at.Equal(want) {
		t.Fatalf("at = %v, want %v", act.at, want)
	}
}

func TestEventLogTransitions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), EventsFile)
	log, err := NewEventLog(path, "run-1")
	if err != nil {
		t.Fatalf("NewEventLog error: %v", err)
	}

	steps := []State{StateTaskDispatched, StateMonitoring, StateTaskSucceeded, StateNotStarted, StateTaskFailed, StateRunComplete}
	for _, s := range steps {
		if err := log.Transition("miniwob.a", s, "", ""); err != nil {
			t.Fatalf("Transition(%s) error: %v", s, err)
		}
	}
	if err := log.Transition("miniwob.a", StateMonitoring, "", ""); err == nil {
		t.Fatal("expected error leaving run_complete")
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents error: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("events = %d, want %d", len(events), len(steps))
	}
	if events[0].From != StateNotStarted || events[0].Seq != 1 {
		t.Fatalf("first event = %+v, want from not_started seq 1", events[0])
	}

	resumed, err := NewEventLog(path, "run-1")
	if err != nil {
		t.Fatalf("NewEventLog error: %v", err)
	}
	if err := resumed.Transition("miniwob.b", StateTaskDispatched, "", ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	events, _ = ReadEvents(path)
	if got := events[len(events)-1].Seq; got != int64(len(steps)+1) {
		t.Fatalf("resumed seq = %d, want %d", got, len(steps)+1)
	}
}

func TestValidateStateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateNotStarted, StateTaskDispatched, true},
		{StateNotStarted, StateMonitoring, false},
		{StateTaskDispatched, StateTaskSucceeded, false},
		{StateMonitoring, StateTaskFailed, true},
		{StateTaskFailed, StateNotStarted, true},
		{StateRunComplete, StateNotStarted, false},
	}
	for _, tt := range tests {
		err := ValidateStateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Fatalf("ValidateStateTransition(%s, %s) error = %v, want ok %v", tt.from, tt.to, err, tt.ok)
		}
	}
}

func TestRunStateSet(t *testing.T) {
	t.Parallel()

	tasks := []*task.Task{{Name: "a", Benchmark: task.MiniWoB}, {Name: "b", Benchmark: task.MiniWoB}}
	s := NewRunState("r1", "scripted", "", tasks)
	if got := len(s.Pending()); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if err := s.Set("miniwob.a", task.StatusRunning, ""); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if err := s.Set("miniwob.a", task.StatusPending, ""); err == nil {
		t.Fatal("expected error moving back to pending")
	}
	if err := s.Set("miniwob.zzz", task.StatusRunning, ""); err == nil {
		t.Fatal("expected error for unknown task")
	}

	dir := t.TempDir()
	if err := s.Save(dir); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, err := LoadRunState(dir)
	if err != nil {
		t.Fatalf("LoadRunState error: %v", err)
	}
	if got := loaded.Interrupted(); len(got) != 1 || got[0] != "miniwob.a" {
		t.Fatalf("Interrupted = %v, want [miniwob.a]", got)
	}
}

func TestCommandParticipantArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.ParticipantConfig
		want []string
	}{
		{
			name: "model before prompt",
			cfg:  config.ParticipantConfig{Command: "agent", Args: []string{"run", "{prompt}"}, ModelFlag: "-m"},
			want: []string{"run", "-m", "gpt", "P"},
		},
		{
			name: "model after prompt",
			cfg:  config.ParticipantConfig{Command: "agent", Args: []string{"exec", "{prompt}"}, ModelFlag: "--model", ModelFlagPosition: "after"},
			want: []string{"exec", "P", "--model", "gpt"},
		},
		{
			name: "no placeholder",
			cfg:  config.ParticipantConfig{Command: "agent", Args: []string{"-q"}, ModelFlag: "-m"},
			want: []string{"-q", "-m", "gpt", "P"},
		},
		{
			name: "inline placeholder",
			cfg:  config.ParticipantConfig{Command: "agent", Args: []string{"--prompt={prompt}"}},
			want: []string{"--prompt=P"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &CommandParticipant{Config: tt.cfg, Model: "gpt"}
			got := p.Args("P")
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Fatalf("Args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandParticipantWarnsWhenLogUnwritable(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	dir := t.TempDir()
	// A directory in place of the log file makes os.Create fail.
	if err := os.Mkdir(filepath.Join(dir, "participant-miniwob.a.log"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	p := &CommandParticipant{
		Name:   "agent",
		Config: config.ParticipantConfig{Command: "true"},
		LogDir: dir,
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	}
	h, err := p.Dispatch(context.Background(), Assignment{TaskID: "miniwob.a", Benchmark: "miniwob"})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		h.Stop()
		t.Fatal("participant did not exit")
	}
	if !strings.Contains(buf.String(), "participant output not logged") {
		t.Fatalf("log = %q, want a warning about the log file", buf.String())
	}
}

func TestBuildPromptMentionsEndpoint(t *testing.T) {
	t.Parallel()

	prompt := BuildPrompt(Assignment{TaskID: "miniwob.a", Benchmark: "miniwob", Goal: "Click it",
		Endpoint: "http://127.0.0.1:9000", RPCPath: "/rpc", MaxToolCalls: 7})
	for _, want := range []string{"http://127.0.0.1:9000/rpc", "Click it", "at most 7 execute calls", "click"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestHTTPParticipantRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	p := &HTTPParticipant{URL: srv.URL, Retries: 3, InitialInterval: time.Millisecond}
	h, err := p.Dispatch(context.Background(), Assignment{TaskID: "miniwob.a"})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	h.Stop()
	h.Stop()
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestHTTPParticipantRejected(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	p := &HTTPParticipant{URL: srv.URL, Retries: 3, InitialInterval: time.Millisecond}
	_, err := p.Dispatch(context.Background(), Assignment{TaskID: "miniwob.a"})
	if harnesserr.CodeOf(err) != harnesserr.CodeDispatchFailed {
		t.Fatalf("code = %v, want %v (err %v)", harnesserr.CodeOf(err), harnesserr.CodeDispatchFailed, err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

const clickPage = `<html><head><title>Click</title></head><body>
<p>Press the button.</p>
<button id="go" bid="7">Go</button>
</body></html>`

func clickTask(name string) *task.Task {
	return &task.Task{
		Name:      name,
		Benchmark: task.MiniWoB,
		Goal:      "Click the Go button",
		Success:   task.SuccessRule{Click: "#go"},
		Solution:  []action.Action{{Type: action.Click, TargetID: "7"}},
	}
}

func fixtureWorker(stateDir, key string) *InProcessWorker {
	return NewInProcessWorker(func() WorkerOptions {
		manager := session.NewManager(session.Options{
			Factory: environment.FactoryFunc(func(_ context.Context, spec environment.Spec) (environment.Environment, error) {
				name := strings.TrimPrefix(spec.TaskID, spec.Benchmark+".")
				f, err := environment.NewFixture(clickTask(name), []byte(clickPage), 0)
				if err != nil {
					return nil, err
				}
				return f, nil
			}),
		})
		return WorkerOptions{
			StateDir: stateDir,
			StateKey: key,
			Listen:   "127.0.0.1:0",
			Server: protocol.Options{
				Manager:       manager,
				MaxToolCalls:  10,
				ActionTimeout: 2 * time.Second,
			},
		}
	})
}

type participantFunc func(ctx context.Context, a Assignment) (Handle, error)

func (f participantFunc) Dispatch(ctx context.Context, a Assignment) (Handle, error) {
	return f(ctx, a)
}

func idleParticipant() Participant {
	return participantFunc(func(context.Context, Assignment) (Handle, error) { return newStopHandle(), nil })
}

func newTestOrchestrator(t *testing.T, p Participant, mutate func(*Options)) (*Orchestrator, Options) {
	t.Helper()
	stateDir := t.TempDir()
	opts := Options{
		RunID:        "test-run",
		RunDir:       t.TempDir(),
		Participant:  "scripted",
		StateDir:     stateDir,
		StateKey:     "k",
		Worker:       fixtureWorker(stateDir, "k"),
		Dispatcher:   p,
		Limits:       Limits{HardTimeout: 10 * time.Second, Inactivity: 5 * time.Second, MaxToolCalls: 10},
		PollInterval: 20 * time.Millisecond,
		ReadyTimeout: 5 * time.Second,
		WorkerGrace:  time.Second,
		Lambdas:      result.Lambdas{TokenCost: 1e-4, Latency: 1e-5},
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return o, opts
}

func scripted(tasks ...*task.Task) Participant {
	return &ScriptedParticipant{Lookup: func(id string) (*task.Task, error) {
		for _, t := range tasks {
			if t.ID() == id {
				return t, nil
			}
		}
		return nil, errors.New("unknown task")
	}}
}

func TestRunScriptedSuccess(t *testing.T) {
	t.Parallel()

	tasks := []*task.Task{clickTask("click-a"), clickTask("click-b")}
	o, opts := newTestOrchestrator(t, scripted(tasks...), nil)

	summary, err := o.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if summary.Passed != 2 || summary.Total != 2 {
		t.Fatalf("passed = %d/%d, want 2/2 (results %+v)", summary.Passed, summary.Total, summary.Results)
	}
	for _, r := range summary.Results {
		if r.Metrics.ActionCount != 1 || r.Metrics.ToolCallCount != 1 {
			t.Fatalf("%s metrics = %+v, want 1 action 1 tool call", r.TaskID, r.Metrics)
		}
		if r.Metrics.TotalTokens <= 0 {
			t.Fatalf("%s tokens = %d, want > 0", r.TaskID, r.Metrics.TotalTokens)
		}
		if r.FinalScore <= 0 || r.FinalScore > 1 {
			t.Fatalf("%s final score = %v, want in (0, 1]", r.TaskID, r.FinalScore)
		}
	}
	if summary.Interrupted {
		t.Fatal("summary marked interrupted")
	}

	if _, err := result.LoadSummary(opts.RunDir); err != nil {
		t.Fatalf("LoadSummary error: %v", err)
	}
	state, err := LoadRunState(opts.RunDir)
	if err != nil {
		t.Fatalf("LoadRunState error: %v", err)
	}
	if !state.Complete {
		t.Fatal("run state not complete")
	}
	events, err := ReadEvents(filepath.Join(opts.RunDir, EventsFile))
	if err != nil {
		t.Fatalf("ReadEvents error: %v", err)
	}
	if last := events[len(events)-1]; last.State != StateRunComplete {
		t.Fatalf("last event = %s, want %s", last.State, StateRunComplete)
	}
	if _, err := os.Stat(sharedstate.NewStore(opts.StateDir, opts.StateKey).Path()); !os.IsNotExist(err) {
		t.Fatalf("state record left behind: %v", err)
	}
}

func TestRunInactivity(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, idleParticipant(), func(opts *Options) {
		opts.Limits = Limits{HardTimeout: 10 * time.Second, Inactivity: 200 * time.Millisecond}
	})

	summary, err := o.Run(context.Background(), []*task.Task{clickTask("idle")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	r := summary.Results[0]
	if r.Reason != result.ReasonInactivity || r.Status != result.StatusTimeout {
		t.Fatalf("result = %s/%s, want %s/%s", r.Status, r.Reason, result.StatusTimeout, result.ReasonInactivity)
	}
	if r.FinalScore != 0 {
		t.Fatalf("final score = %v, want 0", r.FinalScore)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatched := make(chan struct{}, 1)
	p := participantFunc(func(context.Context, Assignment) (Handle, error) {
		dispatched <- struct{}{}
		return newStopHandle(), nil
	})
	o, opts := newTestOrchestrator(t, p, nil)

	go func() {
		<-dispatched
		cancel()
	}()

	summary, err := o.Run(ctx, []*task.Task{clickTask("first"), clickTask("second")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !summary.Interrupted {
		t.Fatal("summary not marked interrupted")
	}
	for _, r := range summary.Results {
		if r.Reason != result.ReasonCancelled {
			t.Fatalf("%s reason = %q, want %q", r.TaskID, r.Reason, result.ReasonCancelled)
		}
	}
	state, err := LoadRunState(opts.RunDir)
	if err != nil {
		t.Fatalf("LoadRunState error: %v", err)
	}
	if state.Complete {
		t.Fatal("cancelled run marked complete")
	}
}

func TestRunStopOnDispatchFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := participantFunc(func(context.Context, Assignment) (Handle, error) {
		calls.Add(1)
		return nil, harnesserr.ErrDispatchFailed
	})
	o, _ := newTestOrchestrator(t, p, func(opts *Options) { opts.StopOnError = true })

	summary, err := o.Run(context.Background(), []*task.Task{clickTask("a"), clickTask("b")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}
	if r := summary.Results[0]; r.Reason != result.ReasonDispatchFailed {
		t.Fatalf("first reason = %q, want %q", r.Reason, result.ReasonDispatchFailed)
	}
	if r := summary.Results[1]; r.Reason != result.ReasonCancelled || !strings.Contains(r.Error, "run halted") {
		t.Fatalf("second = %q %q, want cancelled run halted", r.Reason, r.Error)
	}
}

func TestRunResumeSkipsFinishedTasks(t *testing.T) {
	t.Parallel()

	tasks := []*task.Task{clickTask("done"), clickTask("todo")}
	o, opts := newTestOrchestrator(t, scripted(tasks...), nil)

	// A previous process finished the first task.
	prev := NewRunState("test-run", "scripted", "", tasks)
	_ = prev.Set("miniwob.done", task.StatusRunning, "")
	_ = prev.Set("miniwob.done", task.StatusSucceeded, "")
	if err := prev.Save(opts.RunDir); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	old := result.Build(result.Outcome{TaskID: "miniwob.done", Benchmark: "miniwob", Success: true}, opts.Lambdas)
	if err := old.Save(opts.RunDir); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	o.opts.Resume = true
	summary, err := o.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if summary.Passed != 2 {
		t.Fatalf("passed = %d, want 2", summary.Passed)
	}
	if r := summary.Results[0]; r.Metrics.ToolCallCount != 0 {
		t.Fatalf("resumed task ran again: %+v", r.Metrics)
	}
}
