package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/config"
	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/runner"
	"github.com/lemon07r/webgauge/internal/task"
)

var (
	runParticipant string
	runModel       string
	runTasks       string
	runBenchmark   string
	runOutput      string
	runResume      string
	runFormat      string
	runInProcess   bool
	runDryRun      bool
	runOverrides   overrides
)

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Evaluate a participant on a set of tasks",
	Long: `Runs the selected tasks one at a time. Each task gets a fresh browser
session in the worker process; the participant receives a task message with the
protocol endpoint and drives the session through it.

Tasks are picked from positional arguments and --tasks, or from a benchmark
(--benchmark), or the whole catalog. Per-benchmark max_tasks caps apply when
no task is named.

Examples:
  webgauge run miniwob.click-test
  webgauge run -b miniwob -p scripted
  webgauge run -b webarena -p my-agent --model gpt-5 --inactivity 15
  webgauge run --resume sessions/2026-10-19T101500-my-agent`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workerArgs := append(baseWorkerArgs(), runOverrides.apply(cmd, cfg)...)
		r := newRunner()

		format := runFormat
		if format == "" {
			format = cfg.Harness.OutputFormat
		}
		switch format {
		case "all", "text", "json":
		default:
			return fmt.Errorf("unknown output format %q (valid: all, text, json)", format)
		}

		var selected []*task.Task
		refs := append(append([]string(nil), args...), splitList(runTasks)...)
		if runResume == "" || len(refs) > 0 || runBenchmark != "" {
			var err error
			selected, err = r.SelectTasks(refs, runBenchmark)
			if err != nil {
				return err
			}
			if len(selected) == 0 {
				return fmt.Errorf("no tasks match the specified filters")
			}
		}

		participant := runParticipant
		if runResume != "" && !cmd.Flags().Changed("participant") {
			participant = ""
		}

		if runDryRun {
			printRunPlan(participant, selected)
			return nil
		}

		ctx, cancel := interruptContext()
		defer cancel()

		var out io.Writer = os.Stdout
		if format != "all" {
			out = io.Discard
		}
		summary, runDir, err := r.Run(ctx, runner.RunOptions{
			Participant: participant,
			Model:       runModel,
			Tasks:       selected,
			OutputDir:   runOutput,
			ResumeDir:   runResume,
			InProcess:   runInProcess,
			WorkerArgs:  workerArgs,
			Output:      out,
		})

		if summary != nil {
			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(summary); encErr != nil {
					return encErr
				}
			} else {
				fmt.Print(result.FormatFinalResult(summary))
				fmt.Printf(" Results saved to: %s\n", runDir)
				if summary.Interrupted {
					fmt.Printf(" Resume with: webgauge run --resume %s\n", runDir)
				}
				fmt.Println()
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return &exitError{code: 130}
			}
			return err
		}
		if summary.Interrupted {
			return &exitError{code: 130}
		}
		if summary.Failed > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

// interruptContext returns a context cancelled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, closing the current session...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// exitError is a sentinel error for non-zero exit codes.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// overrides are per-invocation replacements for config values.
type overrides struct {
	timeout      int
	maxToolCalls int
	inactivity   int
	headless     bool
	stopOnError  bool
	lambdaC      float64
	lambdaL      float64
}

func (o *overrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&o.timeout, "timeout", 0, "hard timeout per task in seconds (default from config)")
	f.IntVar(&o.maxToolCalls, "max-tool-calls", 0, "tool calls allowed per task (default from config)")
	f.IntVar(&o.inactivity, "inactivity", 0, "inactivity window in seconds (default from config)")
	f.BoolVar(&o.headless, "headless", true, "run the browser headless")
	f.BoolVar(&o.stopOnError, "stop-on-error", false, "cancel remaining tasks after a dispatch or worker failure")
	f.Float64Var(&o.lambdaC, "lambda-c", 0, "token penalty weight (default from config)")
	f.Float64Var(&o.lambdaL, "lambda-l", 0, "latency penalty weight per second (default from config)")
}

// apply writes the flags the user set into c and returns the flags the
// worker subprocess needs to see the same values.
func (o *overrides) apply(cmd *cobra.Command, c *config.Config) []string {
	f := cmd.Flags()
	var workerArgs []string
	if f.Changed("timeout") && o.timeout > 0 {
		c.Harness.TimeoutSeconds = o.timeout
	}
	if f.Changed("max-tool-calls") && o.maxToolCalls > 0 {
		c.Harness.MaxToolCalls = o.maxToolCalls
		workerArgs = append(workerArgs, "--max-tool-calls", strconv.Itoa(o.maxToolCalls))
	}
	if f.Changed("inactivity") && o.inactivity > 0 {
		c.Harness.InactivitySeconds = o.inactivity
	}
	if f.Changed("headless") {
		c.Worker.Headless = o.headless
		workerArgs = append(workerArgs, "--headless="+strconv.FormatBool(o.headless))
	}
	if f.Changed("stop-on-error") {
		c.Harness.StopOnError = o.stopOnError
	}
	if f.Changed("lambda-c") {
		c.Scoring.LambdaC = o.lambdaC
	}
	if f.Changed("lambda-l") {
		c.Scoring.LambdaL = o.lambdaL
	}
	return workerArgs
}

// baseWorkerArgs forwards the global flags to the worker subprocess.
func baseWorkerArgs() []string {
	var args []string
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if tasksDir != "" {
		args = append(args, "--tasks-dir", tasksDir)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return args
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printRunPlan(participant string, selected []*task.Task) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println(" WEBGAUGE - Dry Run")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	if participant == "" {
		participant = "(from checkpoint)"
	}
	fmt.Printf(" Participant:  %s\n", participant)
	if runModel != "" {
		fmt.Printf(" Model:        %s\n", runModel)
	}
	fmt.Printf(" Environment:  %s\n", cfg.Worker.Environment)
	fmt.Printf(" Timeout:      %ds (inactivity %ds, first action %ds)\n",
		cfg.Harness.TimeoutSeconds, cfg.Harness.InactivitySeconds, cfg.Harness.FirstActionGraceSeconds)
	fmt.Printf(" Tool calls:   %d per task\n", cfg.Harness.MaxToolCalls)
	fmt.Printf(" Scoring:      lambda_c=%g lambda_l=%g\n", cfg.Scoring.LambdaC, cfg.Scoring.LambdaL)
	if runResume != "" {
		fmt.Printf(" Resume:       %s\n", runResume)
	}
	fmt.Println()
	if len(selected) == 0 {
		fmt.Println(" Tasks: from checkpoint")
		fmt.Println()
		return
	}
	fmt.Printf(" Tasks (%d):\n", len(selected))
	for i, t := range selected {
		fmt.Printf("   %d. %s\n", i+1, t.ID())
	}
	fmt.Println()
}

func init() {
	runCmd.Flags().StringVarP(&runParticipant, "participant", "p", "scripted", "participant to evaluate")
	runCmd.Flags().StringVar(&runModel, "model", "", "model passed to the participant")
	runCmd.Flags().StringVar(&runTasks, "tasks", "", "comma-separated task ids")
	runCmd.Flags().StringVarP(&runBenchmark, "benchmark", "b", "", "run the tasks of one benchmark")
	runCmd.Flags().StringVar(&runOutput, "output", "", "parent directory for run output (default from config)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume an interrupted run directory")
	runCmd.Flags().StringVar(&runFormat, "format", "", "terminal output: all, text or json (default from config)")
	runCmd.Flags().BoolVar(&runInProcess, "in-process", false, "serve the protocol from this process instead of a worker")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "show the plan without running")
	runOverrides.register(runCmd)
}
