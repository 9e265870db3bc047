package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/task"
)

var (
	listBenchmark string
	listJSON      bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available tasks",
	Long:  `Lists the task catalog, optionally filtered by benchmark.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := newRunner()

		var taskList []*task.Task
		var err error
		if listBenchmark != "" {
			b, perr := task.ParseBenchmark(listBenchmark)
			if perr != nil {
				return perr
			}
			taskList, err = r.Loader().LoadByBenchmark(b, 0)
		} else {
			taskList, err = r.ListTasks()
		}
		if err != nil {
			return err
		}

		if listJSON {
			return outputJSON(taskList)
		}

		return outputTable(taskList)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listBenchmark, "benchmark", "b", "", "filter by benchmark (miniwob, webarena, ...)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
}

func outputJSON(tasks []*task.Task) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tasks)
}

func outputTable(taskList []*task.Task) error {
	if len(taskList) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBENCHMARK\tDIFFICULTY\tGOAL")
	fmt.Fprintln(w, "--\t---------\t----------\t----")

	for _, t := range taskList {
		goal := t.Goal
		if len(goal) > 50 {
			goal = goal[:47] + "..."
		}
		difficulty := t.Difficulty
		if difficulty == "" {
			difficulty = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID(), t.Benchmark, difficulty, goal)
	}

	return w.Flush()
}
