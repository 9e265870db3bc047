package sharedstate

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestWriter(t *testing.T) (*Writer, *Store) {
	t.Helper()
	store := NewStore(t.TempDir(), "k1")
	w, err := NewWriter(store, "k1")
	if err != nil {
		t.Fatalf("NewWriter error: %v", err)
	}
	return w, store
}

func reward(v float64) *float64 { return &v }

func TestWriterCreatesZeroRecord(t *testing.T) {
	t.Parallel()

	_, store := newTestWriter(t)
	r, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if r.StateKey != "k1" || r.Seq != 1 || r.Ready || r.TotalTokens != 0 || r.ToolCallCount != 0 {
		t.Fatalf("initial record = %+v", r)
	}
	if r.LastUpdate.IsZero() {
		t.Fatal("LastUpdate not set")
	}
}

func TestWriterBatchAccounting(t *testing.T) {
	t.Parallel()

	w, store := newTestWriter(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	must(w.BeginTask("s1", "miniwob.click-test", "miniwob"))
	must(w.BeginCall())
	if r := w.Record(); r.InFlight != 1 {
		t.Fatalf("InFlight = %d, want 1", r.InFlight)
	}
	must(w.RecordBatch(BatchUpdate{Executed: 2, LatencyMs: 120.5, Tokens: 40, Reward: reward(0)}))
	must(w.RecordObservation(10))
	must(w.BeginCall())
	must(w.RecordBatch(BatchUpdate{Executed: 1, LatencyMs: 30, Tokens: 20, Completed: true, Reward: reward(1)}))

	r, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if r.ActionCount != 3 || r.ToolCallCount != 2 || r.TaskToolCalls != 2 {
		t.Fatalf("counts = actions %d calls %d task calls %d, want 3 2 2", r.ActionCount, r.ToolCallCount, r.TaskToolCalls)
	}
	if r.TotalTokens != 70 || r.TotalLatencyMs != 150.5 {
		t.Fatalf("totals = tokens %d latency %v, want 70 150.5", r.TotalTokens, r.TotalLatencyMs)
	}
	if !r.TaskCompleted || r.CompletedAt == nil {
		t.Fatal("task not marked completed")
	}
	if r.FinalReward == nil || *r.FinalReward != 1 {
		t.Fatalf("FinalReward = %v, want 1", r.FinalReward)
	}
	if r.InFlight != 0 {
		t.Fatalf("InFlight = %d, want 0", r.InFlight)
	}
}

func TestWriterTotalsNeverDecrease(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t)
	if err := w.RecordBatch(BatchUpdate{Executed: 1, LatencyMs: -5, Tokens: -3}); err != nil {
		t.Fatal(err)
	}
	if err := w.RecordObservation(-1); err != nil {
		t.Fatal(err)
	}
	if r := w.Record(); r.TotalTokens != 0 || r.TotalLatencyMs != 0 {
		t.Fatalf("totals = %d, %v; want 0, 0", r.TotalTokens, r.TotalLatencyMs)
	}
}

func TestWriterBeginTaskKeepsCounters(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t)
	_ = w.BeginTask("s1", "miniwob.a", "miniwob")
	_ = w.RecordBatch(BatchUpdate{Executed: 1, Tokens: 5, Completed: true})
	_ = w.SetError("boom")
	_ = w.MarkToolLimitExceeded()
	_ = w.MarkCleanup([]string{"chromium pid 7 survived"})
	_ = w.EndTask()

	r := w.Record()
	if r.TaskID != "" || r.TaskCompleted || r.Error != nil || r.ToolCallsExceeded || r.TaskToolCalls != 0 {
		t.Fatalf("EndTask left task state: %+v", r)
	}
	if len(r.CleanupErrors) != 1 {
		t.Fatalf("CleanupErrors = %v, want kept until next task", r.CleanupErrors)
	}

	_ = w.BeginTask("s2", "miniwob.b", "miniwob")
	r = w.Record()
	if r.ActionCount != 1 || r.TotalTokens != 5 {
		t.Fatalf("counters reset by BeginTask: %+v", r)
	}
	if r.CleanupErrors != nil || r.TaskID != "miniwob.b" || r.SessionID != "s2" {
		t.Fatalf("BeginTask record = %+v", r)
	}
}

func TestWriterDropsBatchFromClosedSession(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t)
	_ = w.BeginTask("s1", "miniwob.a", "miniwob")
	_ = w.BeginCall()
	_ = w.EndTask()
	if err := w.RecordBatch(BatchUpdate{SessionID: "s1", Executed: 1, Tokens: 9, Completed: true, Reward: reward(1)}); err != nil {
		t.Fatal(err)
	}

	r := w.Record()
	if r.TaskCompleted || r.FinalReward != nil || r.ToolCallCount != 0 || r.TotalTokens != 0 {
		t.Fatalf("late batch applied: %+v", r)
	}

	_ = w.BeginTask("s2", "miniwob.b", "miniwob")
	_ = w.RecordBatch(BatchUpdate{SessionID: "s1", Completed: true, Reward: reward(1)})
	if r := w.Record(); r.TaskCompleted {
		t.Fatal("batch from s1 completed the task of s2")
	}
	_ = w.RecordBatch(BatchUpdate{SessionID: "s2", Executed: 1, Completed: true, Reward: reward(1)})
	if r := w.Record(); !r.TaskCompleted || r.ToolCallCount != 1 {
		t.Fatalf("batch from s2 not applied: %+v", r)
	}
}

func TestWriterFirstErrorWins(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t)
	_ = w.SetError("first")
	_ = w.SetError("second")
	if got := w.Record().ErrorText(); got != "first" {
		t.Fatalf("ErrorText = %q, want first", got)
	}
}

func TestStoreConcurrentReadsNeverTorn(t *testing.T) {
	t.Parallel()

	w, store := newTestWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = w.RecordBatch(BatchUpdate{Executed: 1, Tokens: 1})
		}
		cancel()
	}()

	var lastSeq int64
	for ctx.Err() == nil {
		r, err := store.Load()
		if err != nil {
			t.Fatalf("Load during writes error: %v", err)
		}
		if r.Seq < lastSeq {
			t.Fatalf("Seq went backwards: %d < %d", r.Seq, lastSeq)
		}
		if r.ActionCount != r.TotalTokens {
			t.Fatalf("inconsistent record: actions %d tokens %d", r.ActionCount, r.TotalTokens)
		}
		lastSeq = r.Seq
	}
	wg.Wait()
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()

	w, store := newTestWriter(t)
	if err := w.Remove(); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := os.Stat(store.Path()); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("record still present: %v", err)
	}
	if err := store.Remove(); err != nil {
		t.Fatalf("second Remove error: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load after Remove error = %v, want ErrNotExist", err)
	}
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir, "ready")

	go func() {
		time.Sleep(30 * time.Millisecond)
		w, err := NewWriter(store, "ready")
		if err != nil {
			return
		}
		_ = w.MarkReady("127.0.0.1:4000", 42)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := store.WaitReady(ctx, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("WaitReady error: %v", err)
	}
	if r.Endpoint != "127.0.0.1:4000" || r.PID != 42 {
		t.Fatalf("record = %+v", r)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir(), "never")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := store.WaitReady(ctx, 10*time.Millisecond, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady error = %v, want deadline exceeded", err)
	}
}

func TestDelta(t *testing.T) {
	t.Parallel()

	start := Snapshot{TotalTokens: 100, TotalLatencyMs: 1000, ActionCount: 4, ToolCallCount: 2}
	end := Snapshot{TotalTokens: 160, TotalLatencyMs: 1500, ActionCount: 7, ToolCallCount: 3}

	d := Delta(start, end)
	if d.TotalTokens != 60 || d.TotalLatencyMs != 500 || d.ActionCount != 3 || d.ToolCallCount != 1 {
		t.Fatalf("Delta = %+v", d)
	}

	restarted := Snapshot{TotalTokens: 10, ActionCount: 1, ToolCallCount: 1}
	if got := Delta(start, restarted); got != restarted {
		t.Fatalf("Delta after restart = %+v, want %+v", got, restarted)
	}

	if sum := d.Add(d); sum.ActionCount != 6 || sum.TotalTokens != 120 {
		t.Fatalf("Add = %+v", sum)
	}
}

func TestWatcherWakesOnReplace(t *testing.T) {
	t.Parallel()

	w, store := newTestWriter(t)
	watcher := NewWatcher(store, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		// Keep writing until the watcher has registered and reported a change.
		_ = w.RecordObservation(1)
		select {
		case <-watcher.C():
			cancel()
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Fatalf("Watch error = %v, want context.Canceled", err)
			}
			return
		case <-deadline:
			t.Fatal("watcher never fired")
		case <-tick.C:
		}
	}
}
