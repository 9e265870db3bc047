//go:build !windows

package procgroup

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestTerminateKillsGroup(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30")
	Setup(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("sh not available: %v", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	start := time.Now()
	Terminate(cmd, 2*time.Second, exited)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process group still running after Terminate")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("Terminate took %v", elapsed)
	}
}

func TestSetupCancelKillsGroup(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "sleep", "30")
	Setup(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Wait returned nil after cancellation, want kill error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled command did not exit")
	}
}

func TestTerminateNilCommand(t *testing.T) {
	t.Parallel()

	Terminate(nil, time.Second, nil)
	Terminate(&exec.Cmd{}, time.Second, nil)
}
