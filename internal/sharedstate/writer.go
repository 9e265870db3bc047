package sharedstate

import (
	"fmt"
	"sync"
	"time"
)

// Writer is the single writer of a record. Every mutation bumps Seq and
// replaces the file before returning.
type Writer struct {
	mu    sync.Mutex
	store *Store
	rec   Record
	now   func() time.Time
}

// NewWriter creates the record for key with zero counters.
func NewWriter(store *Store, key string) (*Writer, error) {
	w := &Writer{store: store, rec: Record{StateKey: key}, now: time.Now}
	if err := w.commit(); err != nil {
		return nil, err
	}
	return w, nil
}

// Record returns a copy of the current record.
func (w *Writer) Record() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec
}

func (w *Writer) update(fn func(r *Record, now time.Time)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.rec, w.now().UTC())
	return w.commit()
}

func (w *Writer) commit() error {
	w.rec.Seq++
	w.rec.LastUpdate = w.now().UTC()
	if err := w.store.Save(w.rec); err != nil {
		return fmt.Errorf("updating shared state: %w", err)
	}
	return nil
}

// MarkReady announces the worker's endpoint.
func (w *Writer) MarkReady(endpoint string, pid int) error {
	return w.update(func(r *Record, _ time.Time) {
		r.Ready = true
		r.Endpoint = endpoint
		r.PID = pid
	})
}

// BeginTask records a new session and clears per-task progress. Counters carry over.
func (w *Writer) BeginTask(sessionID, taskID, benchmark string) error {
	return w.update(func(r *Record, now time.Time) {
		r.SessionID = sessionID
		r.TaskID = taskID
		r.Benchmark = benchmark
		resetTask(r)
		r.CleanupErrors = nil
		r.LastActivity = &now
	})
}

// EndTask forgets the session after it closed.
func (w *Writer) EndTask() error {
	return w.update(func(r *Record, _ time.Time) {
		r.SessionID = ""
		r.TaskID = ""
		r.Benchmark = ""
		resetTask(r)
	})
}

func resetTask(r *Record) {
	r.TaskToolCalls = 0
	r.InFlight = 0
	r.LastActivity = nil
	r.TaskCompleted = false
	r.CompletedAt = nil
	r.FinalReward = nil
	r.Error = nil
	r.ErrorAt = nil
	r.ToolCallsExceeded = false
	r.ExceededAt = nil
}

// BeginCall marks a tool call in flight. Inactivity is not measured while calls are in flight.
func (w *Writer) BeginCall() error {
	return w.update(func(r *Record, now time.Time) {
		r.InFlight++
		r.LastActivity = &now
	})
}

// EndCall marks a refused or failed call finished without counting it.
func (w *Writer) EndCall() error {
	return w.update(func(r *Record, now time.Time) {
		if r.InFlight > 0 {
			r.InFlight--
		}
		r.LastActivity = &now
	})
}

// BatchUpdate is what one processed execute call adds to the record.
type BatchUpdate struct {
	SessionID string
	Executed  int
	LatencyMs float64
	Tokens    int
	Completed bool
	Reward    *float64
}

// RecordBatch counts a processed execute call and ends it. A batch from a
// session that has since closed is dropped; its task is already decided.
func (w *Writer) RecordBatch(u BatchUpdate) error {
	return w.update(func(r *Record, now time.Time) {
		if u.SessionID != "" && u.SessionID != r.SessionID {
			return
		}
		if r.InFlight > 0 {
			r.InFlight--
		}
		r.ActionCount += u.Executed
		r.ToolCallCount++
		r.TaskToolCalls++
		r.TotalLatencyMs += max(u.LatencyMs, 0)
		r.TotalTokens += max(u.Tokens, 0)
		r.LastActivity = &now

		if u.Reward != nil && (r.FinalReward == nil || *u.Reward > *r.FinalReward) {
			reward := *u.Reward
			r.FinalReward = &reward
		}
		if u.Completed && !r.TaskCompleted {
			r.TaskCompleted = true
			r.CompletedAt = &now
		}
	})
}

// RecordObservation adds the tokens of an observation sent outside execute.
func (w *Writer) RecordObservation(tokens int) error {
	return w.update(func(r *Record, now time.Time) {
		r.TotalTokens += max(tokens, 0)
		r.LastActivity = &now
	})
}

// SetError records an environment failure for the current task. The first error wins.
func (w *Writer) SetError(msg string) error {
	return w.update(func(r *Record, now time.Time) {
		if r.Error != nil {
			return
		}
		r.Error = &msg
		r.ErrorAt = &now
	})
}

// MarkToolLimitExceeded flags a call refused for exceeding the tool call limit.
func (w *Writer) MarkToolLimitExceeded() error {
	return w.update(func(r *Record, now time.Time) {
		if r.ToolCallsExceeded {
			return
		}
		r.ToolCallsExceeded = true
		r.ExceededAt = &now
	})
}

// MarkCleanup records teardown problems from closing the session.
func (w *Writer) MarkCleanup(problems []string) error {
	return w.update(func(r *Record, _ time.Time) {
		r.CleanupErrors = append(r.CleanupErrors, problems...)
	})
}

// Remove deletes the record file.
func (w *Writer) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Remove()
}
