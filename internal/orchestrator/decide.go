package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/sharedstate"
)

// Limits bound one task.
type Limits struct {
	HardTimeout      time.Duration
	Inactivity       time.Duration
	FirstActionGrace time.Duration // extends the inactivity window before the first tool call
	MaxToolCalls     int
}

// Progress is what the poll loop knows about a task at one sample.
type Progress struct {
	TaskID       string
	Record       sharedstate.Record
	Start        sharedstate.Snapshot
	DispatchedAt time.Time
	ActiveAt     time.Time // last observed tool call progress
	Now          time.Time
}

// Verdict is the decision for one sample. Done is false while the task is still running.
type Verdict struct {
	Done    bool
	Success bool
	Reason  result.Reason
	At      time.Time
	Detail  string
}

type failure struct {
	reason result.Reason
	at     time.Time
	detail string
}

// failureRank orders failures that carry the same timestamp.
var failureRank = map[result.Reason]int{
	result.ReasonInactivity:    0,
	result.ReasonReportedError: 1,
	result.ReasonToolLimit:     2,
	result.ReasonHardTimeout:   3,
}

// Decide evaluates one sample. Every condition carries the time it became
// true; completion wins only when it happened no later than the earliest failure.
func Decide(p Progress, lim Limits) Verdict {
	rec := p.Record
	// Per-task fields count only while the record is bound to this task.
	own := rec.TaskID != "" && rec.TaskID == p.TaskID
	calls := sharedstate.Delta(p.Start, rec.Snapshot()).ToolCallCount

	var failures []failure

	if rec.InFlight == 0 {
		window := lim.Inactivity
		if calls == 0 {
			window = max(window, lim.FirstActionGrace)
		}
		active := p.ActiveAt
		if active.IsZero() {
			active = p.DispatchedAt
		}
		if window > 0 {
			if deadline := active.Add(window); p.Now.After(deadline) {
				failures = append(failures, failure{result.ReasonInactivity, deadline,
					fmt.Sprintf("no tool call progress for %s", window)})
			}
		}
	}

	if own && rec.Error != nil {
		failures = append(failures, failure{result.ReasonReportedError, timeOr(rec.ErrorAt, p.Now), *rec.Error})
	}

	switch {
	case own && rec.ToolCallsExceeded:
		failures = append(failures, failure{result.ReasonToolLimit, timeOr(rec.ExceededAt, p.Now),
			fmt.Sprintf("tool call limit of %d exceeded", lim.MaxToolCalls)})
	case lim.MaxToolCalls > 0 && calls > lim.MaxToolCalls:
		failures = append(failures, failure{result.ReasonToolLimit, timeOr(rec.LastActivity, p.Now),
			fmt.Sprintf("%d tool calls exceed the limit of %d", calls, lim.MaxToolCalls)})
	}

	if lim.HardTimeout > 0 {
		if deadline := p.DispatchedAt.Add(lim.HardTimeout); p.Now.After(deadline) {
			failures = append(failures, failure{result.ReasonHardTimeout, deadline,
				fmt.Sprintf("task exceeded %s", lim.HardTimeout)})
		}
	}

	sort.SliceStable(failures, func(i, j int) bool {
		if !failures[i].at.Equal(failures[j].at) {
			return failures[i].at.Before(failures[j].at)
		}
		return failureRank[failures[i].reason] < failureRank[failures[j].reason]
	})

	if own && rec.TaskCompleted {
		completedAt := timeOr(rec.CompletedAt, p.Now)
		if len(failures) == 0 || !completedAt.After(failures[0].at) {
			v := Verdict{Done: true, At: completedAt}
			if rec.FinalReward != nil && *rec.FinalReward > 0 {
				v.Success = true
				return v
			}
			v.Reason = result.ReasonUnsuccessful
			v.Detail = "task ended without a positive reward"
			return v
		}
	}

	if len(failures) > 0 {
		f := failures[0]
		return Verdict{Done: true, Reason: f.reason, At: f.at, Detail: f.detail}
	}
	return Verdict{}
}

func timeOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

// activity tracks when a task last made tool call progress: a counted call
// or a call in flight. Refused calls do not count.
type activity struct {
	at    time.Time
	calls int
}

func newActivity(dispatchedAt time.Time, start sharedstate.Snapshot) *activity {
	return &activity{at: dispatchedAt, calls: start.ToolCallCount}
}

func (a *activity) observe(rec sharedstate.Record, now time.Time) {
	if rec.ToolCallCount == a.calls && rec.InFlight == 0 {
		return
	}
	a.calls = rec.ToolCallCount
	seen := timeOr(rec.LastActivity, now)
	if seen.After(a.at) {
		a.at = seen
	}
}
