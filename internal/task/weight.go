package task

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
)

// WeightVersion identifies the weighting methodology version for attestation.
const WeightVersion = "1.0"

// Weight holds computed difficulty factors for a task.
type Weight struct {
	Base           float64 `json:"base"`
	Interactive    float64 `json:"interactive"`
	RequiredFields float64 `json:"required_fields"`
	StepBudget     float64 `json:"step_budget"`
	BenchmarkBonus float64 `json:"benchmark_bonus"`
}

// interactiveSelector matches elements an agent can act on.
const interactiveSelector = "a[href], button, input, select, textarea, [role=button], [role=link], [role=checkbox], [role=tab], [onclick]"

// ComputeWeight calculates a task's difficulty weight from its page and success rule:
//   - interactive element count (more distractors to choose between)
//   - fields the success rule requires to be filled
//   - a tight step budget
//   - benchmark family (full-site benchmarks are harder than MiniWoB widgets)
func ComputeWeight(t *Task, page []byte) Weight {
	w := Weight{
		Base: 1.0,
	}

	// 40 interactive elements = 0.5 bonus, capped at 0.5
	w.Interactive = min(float64(countInteractive(page))/80.0, 0.5)
	w.Base += w.Interactive

	// 0.1 per required field, capped at 0.4
	w.RequiredFields = min(float64(len(t.Success.Fields))*0.1, 0.4)
	if t.Success.Answer != "" {
		w.RequiredFields = min(w.RequiredFields+0.1, 0.4)
	}
	w.Base += w.RequiredFields

	// Fewer allowed steps than the default leaves no room for exploration
	defaultSteps := 10
	if t.MaxSteps > 0 && t.MaxSteps < defaultSteps {
		w.StepBudget = float64(defaultSteps-t.MaxSteps) / float64(defaultSteps) * 0.3
		w.Base += w.StepBudget
	}

	switch t.Benchmark {
	case WebArena, VisualWebArena, WorkArena:
		w.BenchmarkBonus = 0.3
	case AssistantBench, WebLINX:
		w.BenchmarkBonus = 0.2
	}
	w.Base += w.BenchmarkBonus

	return w
}

// countInteractive counts actionable elements in an HTML page.
func countInteractive(page []byte) int {
	if len(page) == 0 {
		return 0
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return 0
	}
	return doc.Find(interactiveSelector).Length()
}
