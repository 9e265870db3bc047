package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/runner"
)

// BatchConfig is the top-level structure of a batch TOML file.
type BatchConfig struct {
	Defaults BatchDefaults `toml:"defaults"`
	Runs     []BatchRun    `toml:"runs"`
}

// BatchDefaults holds default settings applied to all runs unless overridden.
type BatchDefaults struct {
	Benchmark string `toml:"benchmark"`
	Tasks     string `toml:"tasks"`
	Timeout   int    `toml:"timeout"`
	Repeat    int    `toml:"repeat"`
	InProcess bool   `toml:"in_process"`
}

// BatchRun defines a single run entry in the batch config.
type BatchRun struct {
	Participant string `toml:"participant"`
	Model       string `toml:"model"`
	Timeout     int    `toml:"timeout"`
	Repeat      int    `toml:"repeat"`
}

// batchEntry is one run of a batch after defaults are applied.
type batchEntry struct {
	Participant string `json:"participant"`
	Model       string `json:"model,omitempty"`
	Timeout     int    `json:"timeout"`
	Repeat      int    `json:"repeat"`
	RunDir      string `json:"run_dir,omitempty"`
	Error       string `json:"error,omitempty"`
}

// batchState is written to batch.json in the umbrella directory after every run.
type batchState struct {
	StartedAt   string       `json:"started_at"`
	Config      string       `json:"config"`
	Runs        []batchEntry `json:"runs"`
	Interrupted bool         `json:"interrupted,omitempty"`
}

var (
	batchFile   string
	batchRepeat int
	batchDryRun bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run multiple participant configurations from a TOML file",
	Long: `Execute multiple participant/model configurations defined in a TOML file.
Each run produces its own output directory under a shared umbrella directory,
and runs of different configurations are compared at the end.

The TOML file supports defaults that apply to all runs, with per-run overrides:

  [defaults]
  benchmark = "miniwob"
  timeout = 120
  repeat = 1

  [[runs]]
  participant = "my-agent"
  model = "model-a"

  [[runs]]
  participant = "my-agent"
  model = "model-b"
  timeout = 300`,
	Example: `  webgauge batch -f runs.toml
  webgauge batch -f runs.toml --repeat 3
  webgauge batch -f runs.toml --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		batchCfg, err := loadBatchConfig(batchFile)
		if err != nil {
			return err
		}

		repeat := 1
		if batchRepeat > 1 {
			repeat = batchRepeat
		} else if batchCfg.Defaults.Repeat > 1 {
			repeat = batchCfg.Defaults.Repeat
		}
		entries := batchCfg.plan(repeat, cfg.Harness.TimeoutSeconds)

		for _, e := range entries {
			if cfg.GetParticipant(e.Participant) == nil {
				return fmt.Errorf("unknown participant: %s (available: %s)",
					e.Participant, strings.Join(cfg.ListParticipants(), ", "))
			}
		}

		r := newRunner()
		selected, err := r.SelectTasks(splitList(batchCfg.Defaults.Tasks), batchCfg.Defaults.Benchmark)
		if err != nil {
			return err
		}
		if len(selected) == 0 {
			return fmt.Errorf("no tasks match the specified filters")
		}

		if batchDryRun {
			fmt.Println()
			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			fmt.Println(" WEBGAUGE - Batch Dry Run")
			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			fmt.Println()
			fmt.Printf(" Config:  %s\n", batchFile)
			fmt.Printf(" Tasks:   %d\n", len(selected))
			fmt.Printf(" Runs:    %d\n", len(entries))
			fmt.Println()
			for i, e := range entries {
				fmt.Printf(" %d. Participant: %s", i+1, e.Participant)
				if e.Model != "" {
					fmt.Printf(", Model: %s", e.Model)
				}
				fmt.Printf(", Timeout: %ds, Repeat: %d\n", e.Timeout, e.Repeat)
			}
			fmt.Println()
			return nil
		}

		ctx, cancel := interruptContext()
		defer cancel()

		timestamp := time.Now().Format("2006-01-02T150405")
		umbrellaDir := filepath.Join(cfg.Harness.SessionDir, "batch-"+timestamp)
		if err := os.MkdirAll(umbrellaDir, 0o755); err != nil {
			return fmt.Errorf("creating umbrella directory: %w", err)
		}
		state := batchState{StartedAt: timestamp, Config: batchFile, Runs: entries}

		workerArgs := baseWorkerArgs()
		var summaries []result.Summary
		for i := range state.Runs {
			e := &state.Runs[i]
			if ctx.Err() != nil {
				state.Interrupted = true
				break
			}

			cfg.Harness.TimeoutSeconds = e.Timeout
			summary, runDir, err := r.Run(ctx, runner.RunOptions{
				Participant: e.Participant,
				Model:       e.Model,
				Tasks:       selected,
				OutputDir:   filepath.Join(umbrellaDir, fmt.Sprintf("%02d", i+1)),
				InProcess:   batchCfg.Defaults.InProcess,
				WorkerArgs:  workerArgs,
				Output:      os.Stdout,
			})
			e.RunDir = runDir
			if err != nil {
				logger.Warn("run failed", "participant", e.Participant, "model", e.Model, "repeat", e.Repeat, "error", err)
				e.Error = err.Error()
			}
			if summary != nil {
				fmt.Print(result.FormatFinalResult(summary))
				summaries = append(summaries, *summary)
				if summary.Interrupted {
					state.Interrupted = true
				}
			}
			if err := result.WriteJSONAtomic(filepath.Join(umbrellaDir, "batch.json"), state); err != nil {
				logger.Warn("writing batch state", "error", err)
			}
		}
		if err := result.WriteJSONAtomic(filepath.Join(umbrellaDir, "batch.json"), state); err != nil {
			logger.Warn("writing batch state", "error", err)
		}

		if len(summaries) > 1 {
			if err := writeBatchComparison(umbrellaDir, summaries); err != nil {
				logger.Warn("writing comparison", "error", err)
			}
		}

		fmt.Printf("\n Batch results saved to: %s\n\n", umbrellaDir)
		if state.Interrupted {
			return &exitError{code: 130}
		}
		return nil
	},
}

func loadBatchConfig(path string) (*BatchConfig, error) {
	if path == "" {
		return nil, errors.New("--file is required")
	}
	var batchCfg BatchConfig
	if _, err := toml.DecodeFile(path, &batchCfg); err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	if len(batchCfg.Runs) == 0 {
		return nil, errors.New("no runs defined in batch file")
	}
	for i, run := range batchCfg.Runs {
		if run.Participant == "" {
			return nil, fmt.Errorf("run %d: participant is required", i+1)
		}
	}
	return &batchCfg, nil
}

// plan expands the runs into one entry per repetition. A run's own repeat
// and timeout win over the batch-wide values.
func (b *BatchConfig) plan(repeat, defaultTimeout int) []batchEntry {
	timeout := defaultTimeout
	if b.Defaults.Timeout > 0 {
		timeout = b.Defaults.Timeout
	}

	var entries []batchEntry
	for _, run := range b.Runs {
		t := timeout
		if run.Timeout > 0 {
			t = run.Timeout
		}
		n := repeat
		if run.Repeat > 0 {
			n = run.Repeat
		}
		for rep := 1; rep <= n; rep++ {
			entries = append(entries, batchEntry{
				Participant: run.Participant,
				Model:       run.Model,
				Timeout:     t,
				Repeat:      rep,
			})
		}
	}
	return entries
}

func writeBatchComparison(dir string, summaries []result.Summary) error {
	comparison := result.Compare(summaries)
	if err := result.WriteJSONAtomic(filepath.Join(dir, "comparison.json"), comparison); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("# webgauge Batch Comparison\n\n")
	comparison.WriteReport(&buf)
	if err := os.WriteFile(filepath.Join(dir, "comparison.md"), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing comparison.md: %w", err)
	}
	return nil
}

func init() {
	batchCmd.Flags().StringVarP(&batchFile, "file", "f", "", "path to batch TOML file (required)")
	batchCmd.Flags().IntVar(&batchRepeat, "repeat", 1, "repeat each configuration N times")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "show what would be run without executing")
	_ = batchCmd.MarkFlagRequired("file")
}
