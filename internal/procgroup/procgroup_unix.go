//go:build !windows

// Package procgroup runs child processes in their own process group and tears the whole group down.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Setup configures cmd to run in its own process group so the entire tree
// (bridge, browser, agent tools) can be killed together. Cancelling the
// command's context kills the group.
func Setup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// Terminate sends SIGTERM to cmd's process group, waits up to grace for
// exited to close, then sends SIGKILL. A nil exited channel waits the full grace.
func Terminate(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	if grace > 0 {
		select {
		case <-exited:
		case <-time.After(grace):
		}
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
