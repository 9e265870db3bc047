package task

import "fmt"

// Status tracks a task's progress through a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusSucceeded: {},
		StatusFailed:    {},
	},
	StatusSucceeded: {},
	StatusFailed:    {},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ValidateTransition returns an error when moving from one status to another is not allowed.
func ValidateTransition(from, to Status) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid task transition %s -> %s", from, to)
	}
	return nil
}
