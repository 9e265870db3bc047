// Package sharedstate is the cross-process progress record a worker writes and
// the orchestrator polls. The record lives in a JSON file replaced atomically on
// every write, so readers see either the previous or the next state, never a torn one.
package sharedstate

import "time"

// Record is the worker's progress as seen by the orchestrator.
// Counters are cumulative for the worker's lifetime; per-task fields are reset by BeginTask.
type Record struct {
	StateKey string `json:"state_key"`
	Seq      int64  `json:"seq"`

	// Worker liveness.
	Ready    bool   `json:"ready"`
	Endpoint string `json:"endpoint,omitempty"`
	PID      int    `json:"pid,omitempty"`

	// Current session.
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Benchmark string `json:"benchmark,omitempty"`

	// Running totals.
	TotalTokens    int     `json:"total_tokens"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
	ActionCount    int     `json:"action_count"`
	ToolCallCount  int     `json:"tool_call_count"`

	// Per-task progress.
	TaskToolCalls     int        `json:"task_tool_calls"`
	InFlight          int        `json:"in_flight"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
	TaskCompleted     bool       `json:"task_completed"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	FinalReward       *float64   `json:"final_reward,omitempty"`
	Error             *string    `json:"error,omitempty"`
	ErrorAt           *time.Time `json:"error_at,omitempty"`
	ToolCallsExceeded bool       `json:"tool_calls_exceeded"`
	ExceededAt        *time.Time `json:"exceeded_at,omitempty"`

	// Teardown.
	CleanupErrors []string `json:"cleanup_errors,omitempty"`

	LastUpdate time.Time `json:"last_update_ts"`
}

// Snapshot is the subset of counters used for per-task deltas.
type Snapshot struct {
	TotalTokens    int       `json:"total_tokens"`
	TotalLatencyMs float64   `json:"total_latency_ms"`
	ActionCount    int       `json:"action_count"`
	ToolCallCount  int       `json:"tool_call_count"`
	At             time.Time `json:"at"`
}

// Snapshot captures the record's counters.
func (r Record) Snapshot() Snapshot {
	return Snapshot{
		TotalTokens:    r.TotalTokens,
		TotalLatencyMs: r.TotalLatencyMs,
		ActionCount:    r.ActionCount,
		ToolCallCount:  r.ToolCallCount,
		At:             r.LastUpdate,
	}
}

// Delta returns the counters accumulated between start and end.
// A worker restart resets its counters; a negative difference means end
// belongs to a fresh worker and is returned as is.
func Delta(start, end Snapshot) Snapshot {
	d := Snapshot{
		TotalTokens:    end.TotalTokens - start.TotalTokens,
		TotalLatencyMs: end.TotalLatencyMs - start.TotalLatencyMs,
		ActionCount:    end.ActionCount - start.ActionCount,
		ToolCallCount:  end.ToolCallCount - start.ToolCallCount,
		At:             end.At,
	}
	if d.TotalTokens < 0 || d.TotalLatencyMs < 0 || d.ActionCount < 0 || d.ToolCallCount < 0 {
		return end
	}
	return d
}

// Add sums two snapshots, keeping the later timestamp.
func (s Snapshot) Add(o Snapshot) Snapshot {
	at := s.At
	if o.At.After(at) {
		at = o.At
	}
	return Snapshot{
		TotalTokens:    s.TotalTokens + o.TotalTokens,
		TotalLatencyMs: s.TotalLatencyMs + o.TotalLatencyMs,
		ActionCount:    s.ActionCount + o.ActionCount,
		ToolCallCount:  s.ToolCallCount + o.ToolCallCount,
		At:             at,
	}
}

// ErrorText returns the recorded error or "".
func (r Record) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Serving reports whether the worker has announced a reachable endpoint.
func (r Record) Serving() bool {
	return r.Ready && r.Endpoint != ""
}
