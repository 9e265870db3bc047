package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/result"
)

var compareOutputFile string

var compareCmd = &cobra.Command{
	Use:   "compare <dir> [dir...]",
	Short: "Compare multiple runs side-by-side",
	Long: `Compare two or more run directories and produce a side-by-side
comparison table showing success rates, weighted scores, and per-task scores.`,
	Example: `  webgauge compare sessions/*-agent-a sessions/*-agent-b
  webgauge compare ./run-a ./run-b ./run-c -o comparison.json`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var summaries []result.Summary
		for _, dir := range args {
			s, err := result.LoadSummary(dir)
			if err != nil {
				return fmt.Errorf("loading summary from %s: %w", dir, err)
			}
			summaries = append(summaries, *s)
		}

		comparison := result.Compare(summaries)

		if compareOutputFile != "" {
			if err := result.WriteJSONAtomic(compareOutputFile, comparison); err != nil {
				return fmt.Errorf("writing comparison: %w", err)
			}
			fmt.Printf(" Comparison saved to: %s\n\n", compareOutputFile)
		}

		comparison.WriteReport(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	compareCmd.Flags().StringVarP(&compareOutputFile, "output", "o", "", "write comparison JSON to file")
}
