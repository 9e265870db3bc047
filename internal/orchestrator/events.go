package orchestrator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lemon07r/webgauge/internal/result"
)

// State is a step of the per-task state machine.
type State string

const (
	StateNotStarted     State = "not_started"
	StateTaskDispatched State = "task_dispatched"
	StateMonitoring     State = "monitoring"
	StateTaskSucceeded  State = "task_succeeded"
	StateTaskFailed     State = "task_failed"
	StateRunComplete    State = "run_complete"
)

var allowedStates = map[State]map[State]struct{}{
	StateNotStarted: {
		StateTaskDispatched: {},
		StateTaskFailed:     {},
		StateRunComplete:    {},
	},
	StateTaskDispatched: {
		StateMonitoring: {},
		StateTaskFailed: {},
	},
	StateMonitoring: {
		StateTaskSucceeded: {},
		StateTaskFailed:    {},
	},
	StateTaskSucceeded: {
		StateNotStarted:  {},
		StateRunComplete: {},
	},
	StateTaskFailed: {
		StateNotStarted:  {},
		StateRunComplete: {},
	},
	StateRunComplete: {},
}

// ValidateStateTransition returns an error when the state machine may not move from one state to another.
func ValidateStateTransition(from, to State) error {
	next, ok := allowedStates[from]
	if !ok {
		return fmt.Errorf("invalid state: %q", from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	return nil
}

// Event is one line of events.jsonl.
type Event struct {
	Seq    int64         `json:"seq"`
	TS     time.Time     `json:"ts"`
	RunID  string        `json:"run_id"`
	TaskID string        `json:"task_id,omitempty"`
	From   State         `json:"from,omitempty"`
	State  State         `json:"state"`
	Reason result.Reason `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// EventLog appends state machine transitions to a JSON-lines file.
type EventLog struct {
	mu    sync.Mutex
	path  string
	runID string
	seq   int64
	state State
	now   func() time.Time
}

// NewEventLog opens the log at path. Existing events are kept; a resumed
// run continues the sequence after the last recorded event.
func NewEventLog(path, runID string) (*EventLog, error) {
	l := &EventLog{path: path, runID: runID, state: StateNotStarted, now: time.Now}
	events, err := ReadEvents(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if n := len(events); n > 0 {
		l.seq = events[n-1].Seq
	}
	return l, nil
}

// State returns the machine's current state.
func (l *EventLog) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves the machine to next and records the event.
// Invalid transitions are rejected without writing.
func (l *EventLog) Transition(taskID string, next State, reason result.Reason, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ValidateStateTransition(l.state, next); err != nil {
		return err
	}
	l.seq++
	ev := Event{
		Seq:    l.seq,
		TS:     l.now().UTC(),
		RunID:  l.runID,
		TaskID: taskID,
		From:   l.state,
		State:  next,
		Reason: reason,
		Detail: detail,
	}
	if err := AppendEventJSONL(l.path, ev); err != nil {
		return err
	}
	l.state = next
	return nil
}

// AppendEventJSONL appends one event to the log at path.
func AppendEventJSONL(path string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadEvents reads every event from the log at path.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", lineNo, err)
		}
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}
