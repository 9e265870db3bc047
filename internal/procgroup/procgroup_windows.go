//go:build windows

// Package procgroup runs child processes in their own process group and tears the whole group down.
package procgroup

import (
	"os/exec"
	"time"
)

// Setup is a no-op on Windows. Context cancellation still kills the direct child.
func Setup(_ *exec.Cmd) {}

// Terminate kills the direct child process.
func Terminate(cmd *exec.Cmd, _ time.Duration, _ <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
