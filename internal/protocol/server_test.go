package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lemon07r/webgauge/internal/action"
	"github.com/lemon07r/webgauge/internal/environment"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/session"
	"github.com/lemon07r/webgauge/internal/sharedstate"
)

// scriptEnv terminates on a click of "done" and records every applied action.
type scriptEnv struct {
	mu      sync.Mutex
	applied []string
	block   chan struct{} // a click of "slow" or "slow-done" waits on it
	closes  atomic.Int32
}

func (e *scriptEnv) Reset(context.Context) (observation.Raw, error) {
	return observation.Raw{
		URL:  "http://fixture.local/miniwob/click-test",
		Goal: "Click the Done button",
		Tree: &observation.Node{Role: "RootWebArea", Name: "Click", Children: []*observation.Node{
			{BID: "done", Role: "button", Name: "Done", Tag: "button"},
		}},
	}, nil
}

func (e *scriptEnv) Step(ctx context.Context, a action.Action) (environment.StepResult, error) {
	if strings.HasPrefix(a.TargetID, "slow") && e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return environment.StepResult{}, ctx.Err()
		}
	}
	if a.TargetID == "boom" {
		return environment.StepResult{}, errors.New("page crashed")
	}

	e.mu.Lock()
	e.applied = append(e.applied, a.String())
	e.mu.Unlock()

	raw, _ := e.Reset(ctx)
	res := environment.StepResult{Observation: raw}
	if a.Type == action.Click && (a.TargetID == "done" || a.TargetID == "slow-done") {
		res.Reward = 1
		res.Terminated = true
	}
	if a.Type == action.Click && a.TargetID == "missing" {
		res.Observation.LastActionError = `Could not find element with bid "missing"`
	}
	return res, nil
}

func (e *scriptEnv) Close() error {
	e.closes.Add(1)
	return nil
}

func (e *scriptEnv) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.applied...)
}

type harness struct {
	server *Server
	env    *scriptEnv
	state  *sharedstate.Writer
}

func newHarness(t *testing.T, env *scriptEnv, mutate func(*Options)) *harness {
	t.Helper()
	manager := session.NewManager(session.Options{
		Factory: environment.FactoryFunc(func(context.Context, environment.Spec) (environment.Environment, error) {
			return env, nil
		}),
	})
	t.Cleanup(func() { manager.Shutdown() })

	w, err := sharedstate.NewWriter(sharedstate.NewStore(t.TempDir(), "test"), "test")
	if err != nil {
		t.Fatalf("NewWriter error: %v", err)
	}
	opts := Options{Manager: manager, State: w, MaxToolCalls: 5, ActionTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{server: NewServer(opts), env: env, state: w}
}

func (h *harness) initialize(t *testing.T) *InitializeResult {
	t.Helper()
	res, err := h.server.Initialize(context.Background(), InitializeParams{TaskID: "miniwob.click-test", Benchmark: "miniwob"})
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	return res
}

func rawActions(t *testing.T, items ...string) ExecuteParams {
	t.Helper()
	p := ExecuteParams{}
	for _, item := range items {
		p.Actions = append(p.Actions, json.RawMessage(item))
	}
	return p
}

func TestMalformedActionAbortsRemainder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	h.initialize(t)
	before := h.state.Record()

	batch, err := h.server.Execute(context.Background(), rawActions(t,
		`{"type":"hover","target_id":"a"}`,
		`{"type":"fill","target_id":"b"}`,
		`{"type":"click","target_id":"done"}`,
	))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	wantStatus := []string{ActionExecuted, ActionInvalid, ActionSkipped}
	for i, want := range wantStatus {
		if got := batch.Results[i].Status; got != want {
			t.Fatalf("Results[%d].Status = %q, want %q", i, got, want)
		}
	}
	if batch.Error == nil || batch.Error.Kind != harnesserr.KindValidation || batch.Error.Index == nil || *batch.Error.Index != 1 {
		t.Fatalf("batch error = %+v, want validation error at index 1", batch.Error)
	}
	if got := h.env.Applied(); len(got) != 1 {
		t.Fatalf("applied = %v, want only the first action", got)
	}

	after := h.state.Record()
	if got := after.ActionCount - before.ActionCount; got != 1 {
		t.Fatalf("action_count delta = %d, want 1", got)
	}
	if got := after.ToolCallCount - before.ToolCallCount; got != 1 {
		t.Fatalf("tool_call_count delta = %d, want 1", got)
	}
	if after.TaskCompleted {
		t.Fatal("task marked completed")
	}
}

func TestEarlyTerminationSkipsRemainder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	h.initialize(t)

	batch, err := h.server.Execute(context.Background(), rawActions(t,
		`{"type":"click","target_id":"done"}`,
		`{"type":"click","target_id":"again"}`,
		`{"type":"noop"}`,
	))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !batch.TaskCompleted || !batch.EarlyTermination {
		t.Fatalf("batch = %+v, want completed with early termination", batch)
	}
	for i := 1; i < 3; i++ {
		if batch.Results[i].Status != ActionSkipped {
			t.Fatalf("Results[%d].Status = %q, want skipped", i, batch.Results[i].Status)
		}
	}
	if got := h.env.Applied(); len(got) != 1 {
		t.Fatalf("applied = %v, want 1 action", got)
	}

	rec := h.state.Record()
	if !rec.TaskCompleted || rec.FinalReward == nil || *rec.FinalReward != 1 || rec.CompletedAt == nil {
		t.Fatalf("record = %+v, want completed with reward 1", rec)
	}
	if rec.ActionCount != 1 {
		t.Fatalf("action_count = %d, want 1", rec.ActionCount)
	}
	if rec.TotalTokens <= 0 || rec.TotalLatencyMs < 0 {
		t.Fatalf("totals = %d tokens, %v ms", rec.TotalTokens, rec.TotalLatencyMs)
	}

	_, err = h.server.Execute(context.Background(), rawActions(t, `{"type":"noop"}`))
	if harnesserr.CodeOf(err) != harnesserr.CodeTaskCompleted {
		t.Fatalf("Execute after completion error = %v, want TaskCompleted", err)
	}
}

func TestActionTimeoutContinuesBatch(t *testing.T) {
	t.Parallel()

	env := &scriptEnv{block: make(chan struct{})}
	defer close(env.block)
	h := newHarness(t, env, func(o *Options) { o.ActionTimeout = 50 * time.Millisecond })
	h.initialize(t)

	batch, err := h.server.Execute(context.Background(), rawActions(t,
		`{"type":"click","target_id":"slow"}`,
		`{"type":"click","target_id":"done"}`,
	))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if batch.Results[0].Status != ActionFailed || !strings.Contains(batch.Results[0].Error, string(harnesserr.CodeActionTimeout)) {
		t.Fatalf("Results[0] = %+v, want timed out", batch.Results[0])
	}
	if batch.Results[1].Status != ActionExecuted || !batch.TaskCompleted {
		t.Fatalf("Results[1] = %+v, want executed and completed", batch.Results[1])
	}
	if h.state.Record().Error != nil {
		t.Fatal("timeout recorded as an environment error")
	}
}

func TestEnvironmentFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	h.initialize(t)

	batch, err := h.server.Execute(context.Background(), rawActions(t,
		`{"type":"click","target_id":"boom"}`,
		`{"type":"click","target_id":"done"}`,
	))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if batch.Results[0].Status != ActionFailed || batch.Results[1].Status != ActionSkipped {
		t.Fatalf("statuses = %q, %q", batch.Results[0].Status, batch.Results[1].Status)
	}
	if batch.Error == nil || batch.Error.Kind != harnesserr.KindEnvironment {
		t.Fatalf("batch error = %+v, want environment error", batch.Error)
	}
	rec := h.state.Record()
	if rec.Error == nil || !strings.Contains(*rec.Error, "page crashed") {
		t.Fatalf("record error = %v", rec.ErrorText())
	}
}

func TestActionErrorIsSummarized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	h.initialize(t)

	batch, err := h.server.Execute(context.Background(), rawActions(t, `{"type":"click","target_id":"missing"}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	res := batch.Results[0]
	if res.Status != ActionExecuted || res.Error == "" {
		t.Fatalf("result = %+v, want executed with an error summary", res)
	}
	if batch.Observation.LastActionError == "" {
		t.Fatal("observation lost the action error")
	}
}

func TestExecuteRefusals(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, func(o *Options) {
		o.MaxBatch = 2
		o.MaxToolCalls = 1
	})

	if _, err := h.server.Execute(context.Background(), rawActions(t, `{"type":"noop"}`)); !errors.Is(err, harnesserr.ErrNotInitialized) {
		t.Fatalf("Execute before initialize error = %v, want NotInitialized", err)
	}
	if _, err := h.server.Observe(context.Background(), ObserveParams{}); !errors.Is(err, harnesserr.ErrNotInitialized) {
		t.Fatalf("Observe before initialize error = %v, want NotInitialized", err)
	}

	h.initialize(t)
	tests := []struct {
		name string
		p    ExecuteParams
		code harnesserr.Code
	}{
		{name: "empty", p: ExecuteParams{}, code: harnesserr.CodeEmptyBatch},
		{name: "too large", p: rawActions(t, `{"type":"noop"}`, `{"type":"noop"}`, `{"type":"noop"}`), code: harnesserr.CodeBatchTooLarge},
	}
	for _, tc := range tests {
		if _, err := h.server.Execute(context.Background(), tc.p); harnesserr.CodeOf(err) != tc.code {
			t.Fatalf("%s: error = %v, want %s", tc.name, err, tc.code)
		}
	}
	if got := h.state.Record().ToolCallCount; got != 0 {
		t.Fatalf("refused calls counted: tool_call_count = %d", got)
	}

	if _, err := h.server.Execute(context.Background(), rawActions(t, `{"type":"noop"}`)); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	_, err := h.server.Execute(context.Background(), rawActions(t, `{"type":"noop"}`))
	if harnesserr.CodeOf(err) != harnesserr.CodeToolLimitExceeded {
		t.Fatalf("Execute over limit error = %v, want ToolLimitExceeded", err)
	}
	if rec := h.state.Record(); !rec.ToolCallsExceeded || rec.ExceededAt == nil {
		t.Fatalf("record = %+v, want tool limit flagged", rec)
	}
}

func TestInitializeIdempotence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	first := h.initialize(t)
	if first.Status != StatusInitialized || first.Goal == "" || first.Observation == nil {
		t.Fatalf("first = %+v", first)
	}

	again := h.initialize(t)
	if again.Status != StatusAlreadyInitialized || again.SessionID != first.SessionID {
		t.Fatalf("again = %+v, want already_initialized for %s", again, first.SessionID)
	}

	_, err := h.server.Initialize(context.Background(), InitializeParams{TaskID: "miniwob.other", Benchmark: "miniwob"})
	if !errors.Is(err, harnesserr.ErrAlreadyInitialized) {
		t.Fatalf("Initialize other task error = %v, want AlreadyInitialized", err)
	}

	_, err = h.server.Initialize(context.Background(), InitializeParams{TaskID: "clicktest", Benchmark: "miniwob"})
	if !errors.Is(err, harnesserr.ErrInvalidTaskFormat) {
		t.Fatalf("Initialize bad id error = %v, want InvalidTaskFormat", err)
	}
}

func TestCloseEndsTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	first := h.initialize(t)

	res := h.server.Close(CloseParams{})
	if !res.Closed || res.SessionID != first.SessionID {
		t.Fatalf("Close = %+v", res)
	}
	again := h.server.Close(CloseParams{SessionID: first.SessionID})
	if !again.Closed {
		t.Fatalf("second Close = %+v, want closed", again)
	}
	if n := h.env.closes.Load(); n != 1 {
		t.Fatalf("environment closed %d times, want 1", n)
	}
	if h.server.Health().SessionID != "" {
		t.Fatal("health still reports a session")
	}
	if rec := h.state.Record(); rec.SessionID != "" {
		t.Fatalf("record still bound to session %s", rec.SessionID)
	}

	next, err := h.server.Initialize(context.Background(), InitializeParams{TaskID: "miniwob.other", Benchmark: "miniwob"})
	if err != nil || next.SessionID == first.SessionID {
		t.Fatalf("Initialize after close = %+v, %v", next, err)
	}
}

func TestBatchFinishingAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	env := &scriptEnv{block: make(chan struct{})}
	h := newHarness(t, env, nil)
	h.initialize(t)

	type outcome struct {
		batch *BatchResult
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		batch, err := h.server.Execute(context.Background(), rawActions(t, `{"type":"click","target_id":"slow-done"}`))
		done <- outcome{batch, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.state.Record().InFlight == 0 {
		if time.Now().After(deadline) {
			t.Fatal("execute call never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.server.Close(CloseParams{})
	close(env.block)
	o := <-done
	if o.err != nil {
		t.Fatalf("Execute error: %v", o.err)
	}

	rec := h.state.Record()
	if rec.TaskID != "" || rec.TaskCompleted || rec.FinalReward != nil {
		t.Fatalf("record after close = task %q completed %v reward %v, want unbound", rec.TaskID, rec.TaskCompleted, rec.FinalReward)
	}
	if rec.ToolCallCount != 0 || rec.InFlight != 0 {
		t.Fatalf("counters = calls %d in flight %d, want 0 0", rec.ToolCallCount, rec.InFlight)
	}

	if _, err := h.server.Initialize(context.Background(), InitializeParams{TaskID: "miniwob.other", Benchmark: "miniwob"}); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if rec := h.state.Record(); rec.TaskCompleted || rec.FinalReward != nil {
		t.Fatalf("next task starts completed: %+v", rec)
	}
}

func TestObserveIsDeterministic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, func(o *Options) { o.MaxChars = 80 })
	h.initialize(t)

	a, err := h.server.Observe(context.Background(), ObserveParams{})
	if err != nil {
		t.Fatalf("Observe error: %v", err)
	}
	b, _ := h.server.Observe(context.Background(), ObserveParams{})
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Fatalf("observations differ:\n%s\n%s", ja, jb)
	}
	if len(a.TreeSummary) > 80 {
		t.Fatalf("tree summary %d chars, budget 80", len(a.TreeSummary))
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	d := h.server.Describe()
	if len(d.Operations) != 4 {
		t.Fatalf("operations = %v, want the four participant operations", d.Operations)
	}
	found := false
	for _, s := range d.Actions {
		if s.Type == action.Fill {
			found = len(s.Required) > 0
		}
	}
	if !found {
		t.Fatal("fill schema missing required fields")
	}
	if d.Limits.MaxToolCalls != 5 {
		t.Fatalf("limits = %+v", d.Limits)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	resp := h.server.Handle(context.Background(), Request{ID: "1", Method: "teleport"})
	if resp.ID != "1" || resp.Error == nil || resp.Error.Code != harnesserr.CodeUnknownMethod {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestClientOverHTTP(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	c := NewClient(srv.URL, ClientOptions{Retries: 1, InitialInterval: time.Millisecond})
	ctx := context.Background()

	started, err := c.Initialize(ctx, "miniwob.click-test", "miniwob")
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	batch, err := c.Execute(ctx, action.Action{Type: action.Click, TargetID: "done"})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !batch.TaskCompleted {
		t.Fatalf("batch = %+v, want completed", batch)
	}

	_, err = c.Execute(ctx, action.Action{Type: action.Noop})
	if harnesserr.CodeOf(err) != harnesserr.CodeTaskCompleted {
		t.Fatalf("error = %v, want TaskCompleted passed through", err)
	}

	closed, err := c.Close(ctx, started.SessionID)
	if err != nil || !closed.Closed {
		t.Fatalf("Close = %+v, %v", closed, err)
	}
}

func TestClientRetriesUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	c := NewClient(url, ClientOptions{Retries: 2, InitialInterval: time.Millisecond})
	_, err := c.Health(context.Background())
	if !errors.Is(err, harnesserr.ErrUnreachable) {
		t.Fatalf("Health error = %v, want Unreachable", err)
	}
}

// flakyTransport delivers requests but fails reading the first n responses.
type flakyTransport struct {
	n atomic.Int32
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }
func (brokenBody) Close() error             { return nil }

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if f.n.Add(-1) >= 0 {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		resp.Body = brokenBody{}
	}
	return resp, nil
}

func TestClientRetryDoesNotRepeatExecute(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	h.initialize(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	transport := &flakyTransport{}
	transport.n.Store(1)
	c := NewClient(srv.URL, ClientOptions{
		HTTPClient:      &http.Client{Transport: transport},
		Retries:         2,
		InitialInterval: time.Millisecond,
	})

	batch, err := c.Execute(context.Background(), action.Action{Type: action.Noop})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if batch.Executed != 1 {
		t.Fatalf("executed = %d, want 1", batch.Executed)
	}
	if got := h.env.Applied(); len(got) != 1 {
		t.Fatalf("applied = %v, want one action", got)
	}
	if calls := h.state.Record().ToolCallCount; calls != 1 {
		t.Fatalf("tool calls = %d, want 1", calls)
	}
}

func TestHandleReplaysExecuteByID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	h.initialize(t)
	params := json.RawMessage(`{"actions":[{"type":"noop"}]}`)

	first := h.server.Handle(context.Background(), Request{ID: "a", Method: MethodExecute, Params: params})
	again := h.server.Handle(context.Background(), Request{ID: "a", Method: MethodExecute, Params: params})
	if first.Error != nil || string(first.Result) != string(again.Result) {
		t.Fatalf("replay = %s, want %s", again.Result, first.Result)
	}
	if n := len(h.env.Applied()); n != 1 {
		t.Fatalf("applied %d actions, want 1", n)
	}

	h.server.Handle(context.Background(), Request{ID: "b", Method: MethodExecute, Params: params})
	if n := len(h.env.Applied()); n != 2 {
		t.Fatalf("applied %d actions after a new id, want 2", n)
	}
}

func TestServeStdio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptEnv{}, nil)
	in := strings.NewReader(`{"id":"1","method":"initialize","params":{"task_id":"miniwob.click-test","benchmark":"miniwob"}}
not json
{"id":"2","method":"execute","params":{"actions":[{"type":"click","target_id":"done"}]}}
`)
	var out strings.Builder
	if err := h.server.ServeStdio(context.Background(), in, &out); err != nil {
		t.Fatalf("ServeStdio error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d responses, want 3:\n%s", len(lines), out.String())
	}
	var bad Response
	_ = json.Unmarshal([]byte(lines[1]), &bad)
	if bad.Error == nil || bad.Error.Kind != harnesserr.KindProtocol {
		t.Fatalf("malformed line response = %s", lines[1])
	}
	var last Response
	_ = json.Unmarshal([]byte(lines[2]), &last)
	var batch BatchResult
	if err := json.Unmarshal(last.Result, &batch); err != nil || !batch.TaskCompleted {
		t.Fatalf("execute response = %s", lines[2])
	}
}
