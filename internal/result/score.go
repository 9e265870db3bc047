package result

import "math"

// Lambdas are the run-level penalty weights.
type Lambdas struct {
	TokenCost float64 `json:"lambda_c" toml:"lambda_c"`
	Latency   float64 `json:"lambda_l" toml:"lambda_l"`
}

// Score is the efficiency breakdown of one task.
type Score struct {
	TokenPenalty   float64 `json:"token_penalty"`
	LatencyPenalty float64 `json:"latency_penalty"`
	Efficiency     float64 `json:"efficiency"`
	FinalScore     float64 `json:"final_score"`
}

// Compute scores a task:
//
//	token_penalty   = λC * ln(max(tokens, 1))
//	latency_penalty = λL * latency_ms / 1000
//	efficiency      = clamp(1 - token_penalty - latency_penalty, 0, 1)
//	final_score     = efficiency if success, else 0
func Compute(success bool, tokens int, latencyMs float64, l Lambdas) Score {
	s := Score{
		TokenPenalty:   l.TokenCost * math.Log(float64(max(tokens, 1))),
		LatencyPenalty: l.Latency * (max(latencyMs, 0) / 1000),
	}
	s.Efficiency = clamp(1-s.TokenPenalty-s.LatencyPenalty, 0, 1)
	if success {
		s.FinalScore = s.Efficiency
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
