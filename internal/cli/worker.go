package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/orchestrator"
	"github.com/lemon07r/webgauge/internal/protocol"
	"github.com/lemon07r/webgauge/internal/session"
)

var (
	workerStateDir     string
	workerStateKey     string
	workerListen       string
	workerStdio        bool
	workerMaxToolCalls int
	workerHeadless     bool
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Serve the action protocol for one run",
	Long: `Owns the browser environment and serves the action protocol on a loopback
listener. Readiness and per-task progress are published through the shared
state record named by --state-key. Started by 'webgauge run'.

With --stdio the protocol is served one JSON request per line on stdin and
stdout, without a shared state record.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("max-tool-calls") {
			cfg.Harness.MaxToolCalls = workerMaxToolCalls
		}
		if cmd.Flags().Changed("headless") {
			cfg.Worker.Headless = workerHeadless
		}
		r := newRunner()

		if workerStdio {
			// A blocked stdin read cannot be cancelled, so signals close the
			// session and exit directly.
			stop := session.CloseOnSignal()
			defer stop()

			opts, err := r.ServerOptions(r.NewSessionManager(os.Stderr))
			if err != nil {
				return err
			}
			return protocol.NewServer(opts).ServeStdio(context.Background(), os.Stdin, os.Stdout)
		}

		if workerStateKey == "" {
			return fmt.Errorf("--state-key is required")
		}
		stateDir := workerStateDir
		if stateDir == "" {
			stateDir = cfg.StateDir()
		}
		listen := workerListen
		if listen == "" {
			listen = cfg.Worker.Listen
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts, err := r.WorkerOptions(stateDir, workerStateKey, listen, os.Stderr)
		if err != nil {
			return err
		}
		logger.Debug("worker starting", "state_dir", stateDir, "listen", listen, "environment", cfg.Worker.Environment)
		return orchestrator.ServeWorker(ctx, opts)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerStateDir, "state-dir", "", "directory of the shared state record (default from config)")
	workerCmd.Flags().StringVar(&workerStateKey, "state-key", "", "shared state record key")
	workerCmd.Flags().StringVar(&workerListen, "listen", "", "loopback listen address (default from config)")
	workerCmd.Flags().BoolVar(&workerStdio, "stdio", false, "serve JSON lines on stdin/stdout")
	workerCmd.Flags().IntVar(&workerMaxToolCalls, "max-tool-calls", 0, "tool calls allowed per task (default from config)")
	workerCmd.Flags().BoolVar(&workerHeadless, "headless", true, "run the browser headless")
}
