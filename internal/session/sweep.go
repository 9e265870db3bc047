package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/lemon07r/webgauge/internal/procgroup"
)

// ProcessSweeper returns a Sweeper that terminates browser processes named in names.
// Candidates are descendants of this process plus detached processes created
// after the session started whose environment carries this process's owner
// marker. Each gets SIGTERM, then SIGKILL after grace.
func ProcessSweeper(names []string, grace time.Duration, logger *slog.Logger) Sweeper {
	return func(ctx context.Context, since time.Time) []string {
		if len(names) == 0 {
			return nil
		}
		procs, err := sweepCandidates(ctx, int32(os.Getpid()), since, procgroup.OwnerMarker(), names)
		if err != nil {
			logger.Debug("process sweep skipped", "error", err)
			return nil
		}
		return terminateAll(ctx, procs, grace, logger)
	}
}

func sweepCandidates(ctx context.Context, self int32, since time.Time, marker string, names []string) ([]*process.Process, error) {
	seen := map[int32]bool{self: true}
	var out []*process.Process

	root, err := process.NewProcessWithContext(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("inspecting own process: %w", err)
	}
	for _, p := range descendants(ctx, root) {
		if seen[p.Pid] {
			continue
		}
		if name, err := p.NameWithContext(ctx); err == nil && matchesName(name, names) {
			seen[p.Pid] = true
			out = append(out, p)
		}
	}

	marked, err := markedProcesses(ctx, since, marker, names)
	if err != nil {
		return out, nil
	}
	for _, p := range marked {
		if !seen[p.Pid] {
			seen[p.Pid] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// markedProcesses lists processes named in names, created at or after since,
// whose environment contains marker. Processes whose environment cannot be
// read are never included.
func markedProcesses(ctx context.Context, since time.Time, marker string, names []string) ([]*process.Process, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	sinceMs := since.UnixMilli()
	var out []*process.Process
	for _, p := range all {
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil || created < sinceMs {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !matchesName(name, names) {
			continue
		}
		env, err := p.EnvironWithContext(ctx)
		if err != nil || !slices.Contains(env, marker) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	out := append([]*process.Process(nil), children...)
	for _, c := range children {
		out = append(out, descendants(ctx, c)...)
	}
	return out
}

func matchesName(name string, names []string) bool {
	name = strings.ToLower(name)
	for _, n := range names {
		if n != "" && strings.Contains(name, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// terminateAll signals every process, waits up to grace, kills survivors and
// reports the ones still running afterwards.
func terminateAll(ctx context.Context, procs []*process.Process, grace time.Duration, logger *slog.Logger) []string {
	for _, p := range procs {
		if err := p.TerminateWithContext(ctx); err != nil {
			logger.Debug("terminate failed", "pid", p.Pid, "error", err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && anyRunning(ctx, procs) {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}

	var survivors []string
	for _, p := range procs {
		if !running(ctx, p) {
			continue
		}
		logger.Warn("killing process that ignored terminate", "pid", p.Pid)
		_ = p.KillWithContext(ctx)
		time.Sleep(20 * time.Millisecond)
		if running(ctx, p) {
			name, _ := p.NameWithContext(ctx)
			survivors = append(survivors, fmt.Sprintf("process %s (pid %d) survived cleanup", name, p.Pid))
		}
	}
	return survivors
}

func anyRunning(ctx context.Context, procs []*process.Process) bool {
	for _, p := range procs {
		if running(ctx, p) {
			return true
		}
	}
	return false
}

func running(ctx context.Context, p *process.Process) bool {
	ok, err := p.IsRunningWithContext(ctx)
	if err != nil || !ok {
		return false
	}
	// A killed child stays as a zombie until reaped; treat that as gone.
	status, err := p.StatusWithContext(ctx)
	if err == nil && len(status) > 0 && status[0] == process.Zombie {
		return false
	}
	return true
}
