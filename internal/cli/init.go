package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/config"
)

var (
	initOutput string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Writes a webgauge.toml holding the default settings and example
participants, ready to edit.

Example:
  webgauge init
  webgauge init -o ~/.config/webgauge/config.toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := writeStarterConfig(initOutput, initForce); err != nil {
			return err
		}

		fmt.Printf("Wrote %s\n", initOutput)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Add your agent under [participants.<name>]")
		fmt.Println("  2. Put benchmark URLs (MINIWOB_URL, WA_SHOPPING, ...) in .env")
		fmt.Println("  3. Run: webgauge run -b miniwob -p <name>")

		return nil
	},
}

// starterConfig is the default config plus example participants.
func starterConfig() config.Config {
	c := config.Default
	c.Harness.StateDir = ""
	c.Benchmarks = map[string]config.BenchmarkConfig{
		"miniwob":  {MaxTasks: 50},
		"webarena": {TokenLimit: 5000},
	}
	c.Participants = map[string]config.ParticipantConfig{
		"my-agent": {
			Command:        "my-agent",
			Args:           []string{"run", "{prompt}"},
			ModelFlag:      "--model",
			Env:            map[string]string{"AGENT_LOG_LEVEL": "info"},
			DefaultTimeout: 300,
		},
		"my-service": {
			URL: "http://127.0.0.1:9000/tasks",
		},
	}
	return c
}

func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# webgauge configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(starterConfig()); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "webgauge.toml", "config file to write")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}
