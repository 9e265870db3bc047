// Package cli provides the command-line interface for webgauge.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/config"
	"github.com/lemon07r/webgauge/internal/runner"
	"github.com/lemon07r/webgauge/internal/session"
	"github.com/lemon07r/webgauge/tasks"
)

var (
	cfgFile  string
	tasksDir string
	verbose  bool
	cfg      *config.Config
	logger   *slog.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "webgauge",
	Short: "Evaluation harness for web-automation agents",
	Long: `webgauge evaluates web-automation agents on browser benchmarks.

A worker process owns the browser environment and serves a small action
protocol (initialize, observe, execute, describe). The participant agent
drives it; the harness watches a shared progress record, decides when each
task ends and scores it for success and efficiency.

Features:
  - MiniWoB, WebArena, VisualWebArena, WorkArena, AssistantBench, WebLINX
  - Token-bounded observations tuned per benchmark
  - Batched actions with early termination
  - Inactivity, hard timeout and tool-call limits per task
  - Resumable runs with blake3 attestations`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		// Benchmark URLs usually live in .env; variables already set win.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("loading .env", "error", err)
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		return nil
	},
}

// Execute runs the root command. Sessions still open in this process are
// closed before exiting, whatever the outcome.
func Execute() {
	err := rootCmd.Execute()
	session.CloseAll()
	if err == nil {
		return
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./webgauge.toml)")
	rootCmd.PersistentFlags().StringVar(&tasksDir, "tasks-dir", "", "external tasks directory (replaces the embedded catalog)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(versionCmd)
}

// newRunner builds a runner over the embedded catalog (or --tasks-dir).
func newRunner() *runner.Runner {
	r := runner.NewRunner(cfg, tasks.FS, tasksDir, logger)
	r.Version = Version
	return r
}

// Version information (set by build flags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("webgauge version %s\n", Version)
		fmt.Printf("  commit: %s\n", Commit)
		fmt.Printf("  built:  %s\n", BuildDate)
	},
}
