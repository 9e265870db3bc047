// Package result scores tasks and writes run artifacts.
package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	harnesserr "github.com/lemon07r/webgauge/internal/errors"
)

// Status is the final status of a task.
type Status string

const (
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// StatusEmoji maps status values to their emoji representations.
var StatusEmoji = map[Status]string{
	StatusPass:      "✅",
	StatusFail:      "❌",
	StatusTimeout:   "⏱️",
	StatusError:     "⚠️",
	StatusCancelled: "⏹️",
}

// Reason tags why a task failed.
type Reason string

const (
	ReasonInactivity        Reason = "inactivity_timeout"
	ReasonHardTimeout       Reason = "hard_timeout"
	ReasonReportedError     Reason = "reported_error"
	ReasonToolLimit         Reason = "tool_call_limit_exceeded"
	ReasonCancelled         Reason = "cancelled"
	ReasonDispatchFailed    Reason = "dispatch_failed"
	ReasonWorkerUnreachable Reason = "worker_unreachable"
	ReasonUnsuccessful      Reason = "unsuccessful"
)

// DetermineStatus maps a task outcome to its status.
func DetermineStatus(success bool, reason Reason) Status {
	if success && reason == "" {
		return StatusPass
	}
	switch reason {
	case ReasonInactivity, ReasonHardTimeout:
		return StatusTimeout
	case ReasonReportedError, ReasonDispatchFailed, ReasonWorkerUnreachable:
		return StatusError
	case ReasonCancelled:
		return StatusCancelled
	default:
		return StatusFail
	}
}

// Metrics are the cost figures attributed to one task.
type Metrics struct {
	TotalTokens    int     `json:"total_tokens"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
	ActionCount    int     `json:"action_count"`
	ToolCallCount  int     `json:"tool_call_count"`
}

// Outcome is what the orchestrator knows when a task ends.
type Outcome struct {
	TaskID         string
	Benchmark      string
	Success        bool
	Reason         Reason
	Reward         *float64
	Metrics        Metrics
	Weight         float64
	SessionID      string
	Error          string
	ResourceErrors []string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// TaskResult is the persisted record of one task.
type TaskResult struct {
	TaskID         string   `json:"task_id"`
	Benchmark      string   `json:"benchmark"`
	Status         Status   `json:"status"`
	Success        bool     `json:"success"`
	Reason         Reason   `json:"failure_reason,omitempty"`
	Reward         *float64 `json:"final_reward,omitempty"`
	Metrics        Metrics  `json:"metrics"`
	Score                   // token_penalty, latency_penalty, efficiency, final_score
	Lambdas        Lambdas  `json:"lambdas"`
	Weight         float64  `json:"weight"`
	SessionID      string   `json:"session_id,omitempty"`
	Error          string   `json:"error,omitempty"`
	ErrorSummary   []string `json:"error_summary,omitempty"`
	ResourceErrors []string `json:"resource_errors,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration_seconds"`
}

// Build scores an outcome. A task with a failure reason is never a success.
func Build(o Outcome, l Lambdas) TaskResult {
	success := o.Success && o.Reason == ""
	r := TaskResult{
		TaskID:         o.TaskID,
		Benchmark:      o.Benchmark,
		Status:         DetermineStatus(success, o.Reason),
		Success:        success,
		Reason:         o.Reason,
		Reward:         o.Reward,
		Metrics:        o.Metrics,
		Score:          Compute(success, o.Metrics.TotalTokens, o.Metrics.TotalLatencyMs, l),
		Lambdas:        l,
		Weight:         o.Weight,
		SessionID:      o.SessionID,
		Error:          o.Error,
		ResourceErrors: o.ResourceErrors,
		StartedAt:      o.StartedAt,
		CompletedAt:    o.CompletedAt,
	}
	if r.Weight <= 0 {
		r.Weight = 1
	}
	if o.Error != "" {
		r.ErrorSummary = harnesserr.NewSummarizer(o.Benchmark).Summarize(o.Error)
	}
	if !o.StartedAt.IsZero() && o.CompletedAt.After(o.StartedAt) {
		r.Duration = o.CompletedAt.Sub(o.StartedAt).Seconds()
	}
	return r
}

// Dir returns the directory holding the task's artifacts inside a run directory.
func Dir(runDir, taskID string) string {
	return filepath.Join(runDir, "tasks", taskID)
}

// Save writes result.json and report.md into the task's directory.
func (r *TaskResult) Save(runDir string) error {
	dir := Dir(runDir, r.TaskID)
	if err := WriteJSONAtomic(filepath.Join(dir, "result.json"), r); err != nil {
		return fmt.Errorf("writing result.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(r.GenerateMarkdown()), 0o644); err != nil {
		return fmt.Errorf("writing report.md: %w", err)
	}
	return nil
}

// LoadTaskResult reads a task's result.json.
func LoadTaskResult(runDir, taskID string) (*TaskResult, error) {
	data, err := os.ReadFile(filepath.Join(Dir(runDir, taskID), "result.json"))
	if err != nil {
		return nil, fmt.Errorf("reading result.json: %w", err)
	}
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing result.json: %w", err)
	}
	return &r, nil
}

// GenerateMarkdown renders a human-readable task report.
func (r *TaskResult) GenerateMarkdown() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# webgauge Report: %s\n\n", r.TaskID)
	fmt.Fprintf(&sb, "**Status:** %s %s\n\n", StatusEmoji[r.Status], strings.ToUpper(string(r.Status)))
	if r.Reason != "" {
		fmt.Fprintf(&sb, "**Failure Reason:** %s\n\n", r.Reason)
	}
	fmt.Fprintf(&sb, "**Benchmark:** %s\n\n", r.Benchmark)
	fmt.Fprintf(&sb, "**Final Score:** %.4f\n\n", r.FinalScore)
	if r.Reward != nil {
		fmt.Fprintf(&sb, "**Final Reward:** %.2f\n\n", *r.Reward)
	}
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(&sb, "**Started:** %s\n\n", r.StartedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "**Completed:** %s\n\n", r.CompletedAt.Format(time.RFC3339))
	}

	sb.WriteString("---\n\n")
	sb.WriteString("## Metrics\n\n")
	fmt.Fprintf(&sb, "- **Tokens:** %d\n", r.Metrics.TotalTokens)
	fmt.Fprintf(&sb, "- **Latency:** %.1f ms\n", r.Metrics.TotalLatencyMs)
	fmt.Fprintf(&sb, "- **Actions:** %d\n", r.Metrics.ActionCount)
	fmt.Fprintf(&sb, "- **Tool Calls:** %d\n\n", r.Metrics.ToolCallCount)

	sb.WriteString("## Score\n\n")
	fmt.Fprintf(&sb, "- **Token Penalty:** %.4f (λC=%g)\n", r.TokenPenalty, r.Lambdas.TokenCost)
	fmt.Fprintf(&sb, "- **Latency Penalty:** %.4f (λL=%g)\n", r.LatencyPenalty, r.Lambdas.Latency)
	fmt.Fprintf(&sb, "- **Efficiency:** %.4f\n", r.Efficiency)
	fmt.Fprintf(&sb, "- **Weight:** %.2f\n\n", r.Weight)

	if len(r.ErrorSummary) > 0 {
		sb.WriteString("## Error Summary\n\n")
		for _, e := range r.ErrorSummary {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
		sb.WriteString("\n")
	}
	if len(r.ResourceErrors) > 0 {
		sb.WriteString("## Resource Errors\n\n")
		for _, e := range r.ResourceErrors {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

var (
	passStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
)

func statusStyle(s Status) lipgloss.Style {
	switch s {
	case StatusPass:
		return passStyle
	case StatusTimeout, StatusCancelled:
		return warnStyle
	default:
		return failStyle
	}
}

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// FormatTerminal returns the one-task progress block printed after each task.
func FormatTerminal(r *TaskResult, index, total int) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder

	status := strings.ToUpper(string(r.Status))
	if r.Reason != "" {
		status += " (" + string(r.Reason) + ")"
	}
	fmt.Fprintf(&sb, " [%d/%d] %s %s\n", index, total, r.TaskID, statusStyle(r.Status).Render(status))
	fmt.Fprintf(&sb, "   %s %.4f  %s %d  %s %.0fms  %s %d\n",
		labelStyle.Render("score"), r.FinalScore,
		labelStyle.Render("tokens"), r.Metrics.TotalTokens,
		labelStyle.Render("latency"), r.Metrics.TotalLatencyMs,
		labelStyle.Render("actions"), r.Metrics.ActionCount)
	for _, e := range r.ErrorSummary {
		fmt.Fprintf(&sb, "   • %s\n", e)
	}
	for _, e := range r.ResourceErrors {
		fmt.Fprintf(&sb, "   %s %s\n", warnStyle.Render("resource:"), e)
	}
	return sb.String()
}

// FormatFinalResult returns the run summary printed at the end of a run.
func FormatFinalResult(s *Summary) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(rule + "\n")
	sb.WriteString(" " + titleStyle.Render("RUN SUMMARY") + "\n")
	sb.WriteString(rule + "\n\n")

	if s.Interrupted {
		sb.WriteString(" " + warnStyle.Render("INTERRUPTED") + "\n\n")
	}
	fmt.Fprintf(&sb, " Participant:    %s\n", s.Participant)
	if s.Model != "" {
		fmt.Fprintf(&sb, " Model:          %s\n", s.Model)
	}
	fmt.Fprintf(&sb, " Passed:         %s\n", passStyle.Render(fmt.Sprintf("%d", s.Passed)))
	fmt.Fprintf(&sb, " Failed:         %s\n", failStyle.Render(fmt.Sprintf("%d", s.Failed)))
	fmt.Fprintf(&sb, " Total:          %d\n", s.Total)
	fmt.Fprintf(&sb, " Success Rate:   %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(&sb, " Average Score:  %.4f\n", s.AverageScore)
	fmt.Fprintf(&sb, " Weighted Score: %.4f\n", s.WeightedScore)
	if s.ResourceErrors > 0 {
		fmt.Fprintf(&sb, " Resource Errors: %s\n", warnStyle.Render(fmt.Sprintf("%d", s.ResourceErrors)))
	}
	sb.WriteString("\n")

	return sb.String()
}

// WriteJSONAtomic writes v as indented JSON by replacing path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
