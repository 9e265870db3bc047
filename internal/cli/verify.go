package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/task"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <run-dir>",
	Short: "Verify integrity of a run directory",
	Long: `Verifies the integrity of a run by checking hashes.

This command checks:
  1. Results hash - ensures summary.json wasn't modified after generation
  2. Task hashes - ensures task pages match your catalog (same harness)
  3. Weight version - ensures difficulty weights were computed the same way

No tasks are re-run; this only validates hash integrity.

Examples:
  webgauge verify ./sessions/2026-10-19T101500-my-agent
  webgauge verify /path/to/submission`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runDir := args[0]

		attestation, err := result.LoadAttestation(runDir)
		if err != nil {
			return err
		}
		summary, err := result.LoadSummary(runDir)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println(" WEBGAUGE - Run Verification")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		fmt.Printf(" Participant: %s\n", attestation.Run.Participant)
		if attestation.Run.Model != "" {
			fmt.Printf(" Model:       %s\n", attestation.Run.Model)
		}
		fmt.Printf(" Timestamp:   %s\n", attestation.Run.Timestamp)
		fmt.Printf(" Harness:     %s (weights %s)\n", attestation.Harness.Version, attestation.Harness.WeightVersion)
		fmt.Printf(" Tasks:       %d\n", len(attestation.Tasks))
		fmt.Println()

		passed := 0
		failed := 0
		warnings := 0

		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Verifying Results Integrity")
		fmt.Println("─────────────────────────────────────────────────────────────")

		computed, err := result.ResultsHash(summary)
		if err != nil {
			return err
		}
		if computed == attestation.Integrity.ResultsHash {
			fmt.Println(" ✓ Results hash matches - summary.json is unmodified")
			passed++
		} else {
			fmt.Println(" ✗ Results hash MISMATCH - summary.json may have been tampered with")
			fmt.Printf("   Expected: %s\n", attestation.Integrity.ResultsHash)
			fmt.Printf("   Got:      %s\n", computed)
			failed++
		}
		fmt.Println()

		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Verifying Task Hashes")
		fmt.Println("─────────────────────────────────────────────────────────────")

		r := newRunner()
		allTasks, err := r.ListTasks()
		if err != nil {
			return fmt.Errorf("loading tasks: %w", err)
		}
		taskMap := make(map[string]*task.Task, len(allTasks))
		for _, t := range allTasks {
			taskMap[t.ID()] = t
		}

		ids := make([]string, 0, len(attestation.Tasks))
		for id := range attestation.Tasks {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		taskMatches := 0
		taskMismatches := 0
		taskMissing := 0
		for _, taskID := range ids {
			taskAttest := attestation.Tasks[taskID]
			t := taskMap[taskID]
			if t == nil {
				fmt.Printf(" ? %s - not found in this harness version\n", taskID)
				taskMissing++
				continue
			}

			ours := r.TaskHash(t)
			if ours == taskAttest.TaskHash {
				taskMatches++
			} else {
				fmt.Printf(" ✗ %s - hash mismatch (different task version)\n", taskID)
				fmt.Printf("     theirs: %s\n", taskAttest.TaskHash)
				fmt.Printf("     ours:   %s\n", ours)
				taskMismatches++
			}
		}

		if taskMismatches == 0 && taskMissing == 0 {
			fmt.Printf(" ✓ All %d task hashes match - same task versions used\n", taskMatches)
			passed++
		} else {
			if taskMismatches > 0 {
				fmt.Printf(" ✗ %d task(s) have different hashes\n", taskMismatches)
				failed++
			}
			if taskMissing > 0 {
				fmt.Printf(" ? %d task(s) not found in this harness\n", taskMissing)
				warnings++
			}
			if taskMatches > 0 {
				fmt.Printf(" ✓ %d task(s) match\n", taskMatches)
			}
		}
		fmt.Println()

		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Version Compatibility")
		fmt.Println("─────────────────────────────────────────────────────────────")

		if attestation.Harness.Version == Version {
			fmt.Printf(" ✓ Harness version matches (%s)\n", Version)
			passed++
		} else {
			fmt.Printf(" ! Harness version differs (theirs: %s, yours: %s)\n",
				attestation.Harness.Version, Version)
			fmt.Println("   Task hashes may differ due to version mismatch")
			warnings++
		}
		if attestation.Harness.WeightVersion == task.WeightVersion {
			fmt.Printf(" ✓ Weight version matches (%s)\n", task.WeightVersion)
			passed++
		} else {
			fmt.Printf(" ! Weight version differs (theirs: %s, yours: %s)\n",
				attestation.Harness.WeightVersion, task.WeightVersion)
			warnings++
		}
		fmt.Println()

		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println(" VERIFICATION SUMMARY")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		if failed == 0 {
			fmt.Printf(" ✓ PASSED: %d checks passed", passed)
			if warnings > 0 {
				fmt.Printf(", %d warnings", warnings)
			}
			fmt.Println()
			fmt.Println()
			fmt.Println(" The run appears to be authentic and unmodified.")
		} else {
			fmt.Printf(" ✗ FAILED: %d checks failed, %d passed", failed, passed)
			if warnings > 0 {
				fmt.Printf(", %d warnings", warnings)
			}
			fmt.Println()
			fmt.Println()
			fmt.Println(" The run may have been tampered with or uses different task versions.")
		}

		fmt.Println()
		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Claimed Results")
		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Printf(" Success Rate:   %.1f%% (%d/%d)\n", summary.SuccessRate*100, summary.Passed, summary.Total)
		fmt.Printf(" Weighted Score: %.4f\n", summary.WeightedScore)
		fmt.Println()

		if failed > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}
