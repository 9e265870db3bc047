package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/task"
)

// RunStateFile is the resume checkpoint inside a run directory.
const RunStateFile = "run-state.json"

// TaskEntry is one task's progress in a run.
type TaskEntry struct {
	TaskID    string        `json:"task_id"`
	Benchmark string        `json:"benchmark"`
	Status    task.Status   `json:"status"`
	Reason    result.Reason `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RunState is the checkpoint written after every task transition.
type RunState struct {
	RunID       string      `json:"run_id"`
	Participant string      `json:"participant"`
	Model       string      `json:"model,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	Tasks       []TaskEntry `json:"tasks"`
	Complete    bool        `json:"complete"`
}

// NewRunState lists tasks as pending.
func NewRunState(runID, participant, model string, tasks []*task.Task) *RunState {
	s := &RunState{
		RunID:       runID,
		Participant: participant,
		Model:       model,
		StartedAt:   time.Now().UTC(),
		Tasks:       make([]TaskEntry, 0, len(tasks)),
	}
	for _, t := range tasks {
		s.Tasks = append(s.Tasks, TaskEntry{TaskID: t.ID(), Benchmark: string(t.Benchmark), Status: task.StatusPending})
	}
	return s
}

// LoadRunState reads the checkpoint of a run directory.
func LoadRunState(dir string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(dir, RunStateFile))
	if err != nil {
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing run state: %w", err)
	}
	return &s, nil
}

// Save writes the checkpoint into dir.
func (s *RunState) Save(dir string) error {
	if err := result.WriteJSONAtomic(filepath.Join(dir, RunStateFile), s); err != nil {
		return fmt.Errorf("writing run state: %w", err)
	}
	return nil
}

// Entry returns the entry for taskID, or nil.
func (s *RunState) Entry(taskID string) *TaskEntry {
	for i := range s.Tasks {
		if s.Tasks[i].TaskID == taskID {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Set moves a task to status. Status only moves forward.
func (s *RunState) Set(taskID string, status task.Status, reason result.Reason) error {
	e := s.Entry(taskID)
	if e == nil {
		return fmt.Errorf("task %s is not part of run %s", taskID, s.RunID)
	}
	if err := task.ValidateTransition(e.Status, status); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	e.Status = status
	e.Reason = reason
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Pending returns the ids of tasks that have not started.
func (s *RunState) Pending() []string {
	var ids []string
	for _, e := range s.Tasks {
		if e.Status == task.StatusPending {
			ids = append(ids, e.TaskID)
		}
	}
	return ids
}

// Interrupted returns the ids of tasks left running by a previous process.
func (s *RunState) Interrupted() []string {
	var ids []string
	for _, e := range s.Tasks {
		if e.Status == task.StatusRunning {
			ids = append(ids, e.TaskID)
		}
	}
	return ids
}
