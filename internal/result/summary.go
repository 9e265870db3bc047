package result

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Aggregate summarizes a group of task results.
type Aggregate struct {
	Passed         int     `json:"passed"`
	Failed         int     `json:"failed"`
	Total          int     `json:"total"`
	SuccessRate    float64 `json:"success_rate"`
	AverageScore   float64 `json:"average_score"`
	TotalTokens    int     `json:"total_tokens"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
}

// Meta describes the run a summary belongs to.
type Meta struct {
	RunID       string
	Participant string
	Model       string
	Timestamp   string
	Lambdas     Lambdas
	Interrupted bool
	Duration    float64
}

// Summary is the aggregate artifact of a run.
type Summary struct {
	RunID          string               `json:"run_id"`
	Participant    string               `json:"participant"`
	Model          string               `json:"model,omitempty"`
	Timestamp      string               `json:"timestamp"`
	Lambdas        Lambdas              `json:"lambdas"`
	Results        []TaskResult         `json:"results"`
	Passed         int                  `json:"passed"`
	Failed         int                  `json:"failed"`
	Total          int                  `json:"total"`
	SuccessRate    float64              `json:"success_rate"`
	AverageScore   float64              `json:"average_score"`
	WeightedScore  float64              `json:"weighted_score"`
	TotalTokens    int                  `json:"total_tokens"`
	TotalLatencyMs float64              `json:"total_latency_ms"`
	ByBenchmark    map[string]Aggregate `json:"by_benchmark,omitempty"`
	ByReason       map[Reason]int       `json:"by_reason,omitempty"`
	ResourceErrors int                  `json:"resource_errors"`
	Interrupted    bool                 `json:"interrupted,omitempty"`
	Duration       float64              `json:"duration_seconds,omitempty"`
}

// Summarize aggregates task results. The weighted score is sum(weight*score)/sum(weight).
func Summarize(meta Meta, results []TaskResult) Summary {
	s := Summary{
		RunID:       meta.RunID,
		Participant: meta.Participant,
		Model:       meta.Model,
		Timestamp:   meta.Timestamp,
		Lambdas:     meta.Lambdas,
		Results:     results,
		Interrupted: meta.Interrupted,
		Duration:    meta.Duration,
		ByBenchmark: make(map[string]Aggregate),
		ByReason:    make(map[Reason]int),
	}
	if s.Results == nil {
		s.Results = []TaskResult{}
	}

	var scoreSum, weighted, weights float64
	scores := make(map[string]float64)
	for _, r := range results {
		agg := s.ByBenchmark[r.Benchmark]
		if r.Success {
			s.Passed++
			agg.Passed++
		} else {
			s.Failed++
			agg.Failed++
		}
		agg.Total++
		agg.TotalTokens += r.Metrics.TotalTokens
		agg.TotalLatencyMs += r.Metrics.TotalLatencyMs
		s.ByBenchmark[r.Benchmark] = agg
		scores[r.Benchmark] += r.FinalScore

		if r.Reason != "" {
			s.ByReason[r.Reason]++
		}
		s.ResourceErrors += len(r.ResourceErrors)
		s.TotalTokens += r.Metrics.TotalTokens
		s.TotalLatencyMs += r.Metrics.TotalLatencyMs

		scoreSum += r.FinalScore
		w := r.Weight
		if w <= 0 {
			w = 1
		}
		weighted += w * r.FinalScore
		weights += w
	}

	s.Total = len(results)
	if s.Total > 0 {
		s.SuccessRate = float64(s.Passed) / float64(s.Total)
		s.AverageScore = scoreSum / float64(s.Total)
	}
	if weights > 0 {
		s.WeightedScore = weighted / weights
	}
	for b, agg := range s.ByBenchmark {
		if agg.Total > 0 {
			agg.SuccessRate = float64(agg.Passed) / float64(agg.Total)
			agg.AverageScore = scores[b] / float64(agg.Total)
		}
		s.ByBenchmark[b] = agg
	}
	return s
}

// Save writes summary.json and report.md into dir.
func (s *Summary) Save(dir string) error {
	if err := WriteJSONAtomic(filepath.Join(dir, "summary.json"), s); err != nil {
		return fmt.Errorf("writing summary.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(s.GenerateMarkdown()), 0o644); err != nil {
		return fmt.Errorf("writing report.md: %w", err)
	}
	return nil
}

// LoadSummary reads summary.json from a run directory.
func LoadSummary(dir string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		return nil, fmt.Errorf("reading summary.json: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing summary.json: %w", err)
	}
	return &s, nil
}

// GenerateMarkdown renders the run report.
func (s *Summary) GenerateMarkdown() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# webgauge Run Report: %s\n\n", s.RunID)
	fmt.Fprintf(&sb, "**Participant:** %s\n\n", s.Participant)
	if s.Model != "" {
		fmt.Fprintf(&sb, "**Model:** %s\n\n", s.Model)
	}
	fmt.Fprintf(&sb, "**Timestamp:** %s\n\n", s.Timestamp)
	if s.Interrupted {
		sb.WriteString("**Interrupted:** yes\n\n")
	}
	fmt.Fprintf(&sb, "**Success Rate:** %.1f%% (%d/%d)\n\n", s.SuccessRate*100, s.Passed, s.Total)
	fmt.Fprintf(&sb, "**Average Score:** %.4f\n\n", s.AverageScore)
	fmt.Fprintf(&sb, "**Weighted Score:** %.4f\n\n", s.WeightedScore)
	fmt.Fprintf(&sb, "**Lambdas:** λC=%g λL=%g\n\n", s.Lambdas.TokenCost, s.Lambdas.Latency)

	sb.WriteString("---\n\n")
	sb.WriteString("## Tasks\n\n")
	sb.WriteString("| Task | Status | Reason | Score | Tokens | Latency (ms) | Actions |\n")
	sb.WriteString("|------|--------|--------|-------|--------|--------------|---------|\n")
	for _, r := range s.Results {
		reason := string(r.Reason)
		if reason == "" {
			reason = "—"
		}
		fmt.Fprintf(&sb, "| %s | %s %s | %s | %.4f | %d | %.1f | %d |\n",
			r.TaskID, StatusEmoji[r.Status], r.Status, reason, r.FinalScore,
			r.Metrics.TotalTokens, r.Metrics.TotalLatencyMs, r.Metrics.ActionCount)
	}
	sb.WriteString("\n")

	if len(s.ByBenchmark) > 0 {
		sb.WriteString("## By Benchmark\n\n")
		sb.WriteString("| Benchmark | Passed | Total | Success Rate | Average Score |\n")
		sb.WriteString("|-----------|--------|-------|--------------|---------------|\n")
		names := make([]string, 0, len(s.ByBenchmark))
		for b := range s.ByBenchmark {
			names = append(names, b)
		}
		sort.Strings(names)
		for _, b := range names {
			agg := s.ByBenchmark[b]
			fmt.Fprintf(&sb, "| %s | %d | %d | %.1f%% | %.4f |\n", b, agg.Passed, agg.Total, agg.SuccessRate*100, agg.AverageScore)
		}
		sb.WriteString("\n")
	}

	var resource []string
	for _, r := range s.Results {
		for _, e := range r.ResourceErrors {
			resource = append(resource, r.TaskID+": "+e)
		}
	}
	if len(resource) > 0 {
		sb.WriteString("## Resource Errors\n\n")
		for _, e := range resource {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Comparison holds a side-by-side comparison of runs.
type Comparison struct {
	Runs       []ComparisonRun               `json:"runs"`
	TaskMatrix map[string]map[string]float64 `json:"task_matrix"`
	BestRun    string                        `json:"best_run"`
	BestScore  float64                       `json:"best_weighted_score"`
}

// ComparisonRun is one entry in a comparison table.
type ComparisonRun struct {
	ID            string  `json:"id"`
	Participant   string  `json:"participant"`
	Model         string  `json:"model,omitempty"`
	SuccessRate   float64 `json:"success_rate"`
	AverageScore  float64 `json:"average_score"`
	WeightedScore float64 `json:"weighted_score"`
	Passed        int     `json:"passed"`
	Total         int     `json:"total"`
	TotalTokens   int     `json:"total_tokens"`
}

// Compare builds a comparison of summaries. The matrix holds each task's final score per run.
func Compare(summaries []Summary) Comparison {
	c := Comparison{TaskMatrix: make(map[string]map[string]float64)}
	for i, s := range summaries {
		id := s.Participant
		if s.Model != "" {
			id += "/" + s.Model
		}
		if s.RunID != "" {
			id += "@" + s.RunID
		} else {
			id += fmt.Sprintf("#%d", i+1)
		}

		c.Runs = append(c.Runs, ComparisonRun{
			ID:            id,
			Participant:   s.Participant,
			Model:         s.Model,
			SuccessRate:   s.SuccessRate,
			AverageScore:  s.AverageScore,
			WeightedScore: s.WeightedScore,
			Passed:        s.Passed,
			Total:         s.Total,
			TotalTokens:   s.TotalTokens,
		})
		if c.BestRun == "" || s.WeightedScore > c.BestScore {
			c.BestScore = s.WeightedScore
			c.BestRun = id
		}
		for _, r := range s.Results {
			if c.TaskMatrix[r.TaskID] == nil {
				c.TaskMatrix[r.TaskID] = make(map[string]float64)
			}
			c.TaskMatrix[r.TaskID][id] = r.FinalScore
		}
	}
	return c
}

// WriteReport writes the comparison as markdown tables.
func (c Comparison) WriteReport(w io.Writer) {
	fmt.Fprintf(w, "### Participant Comparison\n\n")
	fmt.Fprintf(w, "| Run | Success Rate | Average Score | Weighted Score | Passed | Tokens |\n")
	fmt.Fprintf(w, "|-----|--------------|---------------|----------------|--------|--------|\n")
	for _, r := range c.Runs {
		best := ""
		if r.ID == c.BestRun {
			best = " 🏆"
		}
		fmt.Fprintf(w, "| %s%s | %.1f%% | %.4f | %.4f | %d/%d | %d |\n",
			r.ID, best, r.SuccessRate*100, r.AverageScore, r.WeightedScore, r.Passed, r.Total, r.TotalTokens)
	}
	fmt.Fprintln(w)

	if len(c.TaskMatrix) == 0 {
		return
	}
	fmt.Fprintf(w, "### Task Matrix\n\n")
	fmt.Fprintf(w, "| Task |")
	for _, r := range c.Runs {
		fmt.Fprintf(w, " %s |", r.ID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "|------|")
	for range c.Runs {
		fmt.Fprintf(w, "------|")
	}
	fmt.Fprintln(w)

	tasks := make([]string, 0, len(c.TaskMatrix))
	for t := range c.TaskMatrix {
		tasks = append(tasks, t)
	}
	sort.Strings(tasks)
	for _, t := range tasks {
		fmt.Fprintf(w, "| %s |", t)
		for _, r := range c.Runs {
			score, ok := c.TaskMatrix[t][r.ID]
			if !ok {
				fmt.Fprintf(w, " — |")
				continue
			}
			fmt.Fprintf(w, " %.3f |", score)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
}
