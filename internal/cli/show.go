package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/result"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show <run-dir | task-dir>",
	Short: "Display run or task results",
	Long: `Shows the results of a previous run, or of one task inside it.

Example:
  webgauge show sessions/2026-10-19T101500-scripted
  webgauge show sessions/2026-10-19T101500-scripted/tasks/miniwob.click-test
  webgauge show sessions/2026-10-19T101500-scripted --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		if _, err := os.Stat(filepath.Join(path, "summary.json")); err == nil {
			summary, err := result.LoadSummary(path)
			if err != nil {
				return err
			}
			if showJSON {
				return printJSON(summary)
			}
			displayRun(summary, path)
			return nil
		}

		data, err := os.ReadFile(filepath.Join(path, "result.json"))
		if err != nil {
			return fmt.Errorf("reading results: %w", err)
		}
		var r result.TaskResult
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("parsing result.json: %w", err)
		}
		if showJSON {
			return printJSON(&r)
		}
		displayTask(&r, path)
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "output as JSON")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayRun(s *result.Summary, path string) {
	fmt.Print(result.FormatFinalResult(s))

	fmt.Println(" ─────────────────────────────────────────────────────────")
	fmt.Println(" TASKS")
	fmt.Println(" ─────────────────────────────────────────────────────────")
	for _, r := range s.Results {
		line := fmt.Sprintf(" %s %-36s %-9s score %.4f", result.StatusEmoji[r.Status], r.TaskID, r.Status, r.FinalScore)
		if r.Reason != "" {
			line += "  (" + string(r.Reason) + ")"
		}
		fmt.Println(line)
	}
	fmt.Println()

	if len(s.ByReason) > 0 {
		fmt.Println(" ─────────────────────────────────────────────────────────")
		fmt.Println(" FAILURE REASONS")
		fmt.Println(" ─────────────────────────────────────────────────────────")
		reasons := make([]string, 0, len(s.ByReason))
		for reason := range s.ByReason {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Printf(" %-28s %d\n", reason, s.ByReason[result.Reason(reason)])
		}
		fmt.Println()
	}

	fmt.Println(" ─────────────────────────────────────────────────────────")
	fmt.Println(" FILES")
	fmt.Println(" ─────────────────────────────────────────────────────────")
	fmt.Printf(" Report:      %s/report.md\n", path)
	fmt.Printf(" Summary:     %s/summary.json\n", path)
	fmt.Printf(" Events:      %s/events.jsonl\n", path)
	fmt.Printf(" Attestation: %s/attestation.json\n", path)
	fmt.Println()
}

func displayTask(r *result.TaskResult, path string) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf(" TASK: %s\n", r.TaskID)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf(" Status:     %s %s\n", result.StatusEmoji[r.Status], strings.ToUpper(string(r.Status)))
	if r.Reason != "" {
		fmt.Printf(" Reason:     %s\n", r.Reason)
	}
	if r.Reward != nil {
		fmt.Printf(" Reward:     %g\n", *r.Reward)
	}
	fmt.Printf(" Score:      %.4f (efficiency %.4f, weight %.2f)\n", r.FinalScore, r.Efficiency, r.Weight)
	fmt.Printf(" Tokens:     %d\n", r.Metrics.TotalTokens)
	fmt.Printf(" Latency:    %.0fms\n", r.Metrics.TotalLatencyMs)
	fmt.Printf(" Actions:    %d in %d tool calls\n", r.Metrics.ActionCount, r.Metrics.ToolCallCount)
	fmt.Printf(" Duration:   %.1fs\n", r.Duration)
	if !r.StartedAt.IsZero() {
		fmt.Printf(" Started:    %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	if len(r.ErrorSummary) > 0 || r.Error != "" {
		fmt.Println(" ─────────────────────────────────────────────────────────")
		fmt.Println(" ERRORS")
		fmt.Println(" ─────────────────────────────────────────────────────────")
		if len(r.ErrorSummary) == 0 {
			fmt.Printf("   • %s\n", r.Error)
		}
		for _, e := range r.ErrorSummary {
			fmt.Printf("   • %s\n", e)
		}
		fmt.Println()
	}
	if len(r.ResourceErrors) > 0 {
		fmt.Println(" ─────────────────────────────────────────────────────────")
		fmt.Println(" RESOURCE ERRORS")
		fmt.Println(" ─────────────────────────────────────────────────────────")
		for _, e := range r.ResourceErrors {
			fmt.Printf("   • %s\n", e)
		}
		fmt.Println()
	}

	fmt.Printf(" Report: %s/report.md\n\n", path)
}
