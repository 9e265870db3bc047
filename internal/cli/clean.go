package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/environment"
	"github.com/lemon07r/webgauge/internal/sharedstate"
)

var (
	cleanForce      bool
	cleanState      bool
	cleanSessions   bool
	cleanContainers bool
	cleanAll        bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up run output and leftovers of interrupted runs",
	Long: `Remove shared state records left by workers that no longer run, the
session directory holding run output, and bridge containers left by the
docker environment.

By default, shows what would be deleted and asks for confirmation.
Use --force to skip confirmation.

Examples:
  webgauge clean                  # Stale shared state records
  webgauge clean --sessions       # The session directory
  webgauge clean --containers     # Leftover bridge containers
  webgauge clean --all            # Everything
  webgauge clean --force          # Skip confirmation prompts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cleanState && !cleanSessions && !cleanContainers && !cleanAll {
			cleanState = true
		}
		if cleanAll {
			cleanState = true
			cleanSessions = true
			cleanContainers = true
		}

		var toDelete []string
		if cleanState {
			stale, err := staleStateFiles(cmd.Context(), cfg.StateDir())
			if err != nil {
				return fmt.Errorf("finding state records: %w", err)
			}
			toDelete = append(toDelete, stale...)
		}
		if cleanSessions {
			if info, err := os.Stat(cfg.Harness.SessionDir); err == nil && info.IsDir() {
				toDelete = append(toDelete, cfg.Harness.SessionDir)
			}
		}

		var docker *environment.DockerClient
		var containers []string
		if cleanContainers {
			var err error
			docker, err = environment.NewDockerClient()
			if err != nil {
				fmt.Printf("Skipping containers: %v\n", err)
			} else {
				defer func() { _ = docker.Close() }()
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				containers, err = docker.ListSessionContainers(ctx)
				cancel()
				if err != nil {
					fmt.Printf("Skipping containers: %v\n", err)
				}
			}
		}

		if len(toDelete) == 0 && len(containers) == 0 {
			fmt.Println("Nothing to clean.")
			return nil
		}

		fmt.Println("The following will be deleted:")
		fmt.Println()
		for _, path := range toDelete {
			fmt.Printf("  %s\n", path)
		}
		for _, id := range containers {
			fmt.Printf("  container %s\n", shortID(id))
		}
		fmt.Println()

		if !cleanForce {
			fmt.Print("Delete these? [y/N] ")
			reader := bufio.NewReader(os.Stdin)
			response, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "y" && response != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		deleted := 0
		for _, path := range toDelete {
			if err := os.RemoveAll(path); err != nil {
				fmt.Printf("  Failed to delete %s: %v\n", path, err)
			} else {
				fmt.Printf("  Deleted %s\n", path)
				deleted++
			}
		}
		for _, id := range containers {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := docker.RemoveContainer(ctx, id, true)
			cancel()
			if err != nil {
				fmt.Printf("  Failed to remove container %s: %v\n", shortID(id), err)
			} else {
				fmt.Printf("  Removed container %s\n", shortID(id))
				deleted++
			}
		}

		fmt.Printf("\nCleaned up %d items.\n", deleted)
		return nil
	},
}

// staleStateFiles returns the shared state records in dir whose worker is
// gone. Unreadable records count as stale.
func staleStateFiles(ctx context.Context, dir string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	matches, err := filepath.Glob(filepath.Join(dir, sharedstate.FilePrefix+"*.json"))
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, path := range matches {
		key := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), sharedstate.FilePrefix), ".json")
		rec, err := sharedstate.NewStore(dir, key).Load()
		if err != nil || rec.PID <= 0 {
			stale = append(stale, path)
			continue
		}
		alive, err := process.PidExistsWithContext(ctx, int32(rec.PID))
		if err == nil && !alive {
			stale = append(stale, path)
		}
	}
	return stale, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "skip confirmation prompts")
	cleanCmd.Flags().BoolVar(&cleanState, "state", false, "clean stale shared state records")
	cleanCmd.Flags().BoolVar(&cleanSessions, "sessions", false, "clean the session directory")
	cleanCmd.Flags().BoolVar(&cleanContainers, "containers", false, "remove leftover bridge containers")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "clean everything")
}
