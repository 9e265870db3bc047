package session

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var exitHook = struct {
	mu       sync.Mutex
	managers map[*Manager]struct{}
}{managers: make(map[*Manager]struct{})}

func register(m *Manager) {
	exitHook.mu.Lock()
	exitHook.managers[m] = struct{}{}
	exitHook.mu.Unlock()
}

func unregister(m *Manager) {
	exitHook.mu.Lock()
	delete(exitHook.managers, m)
	exitHook.mu.Unlock()
}

// CloseAll closes the active session of every live manager. The CLI calls it
// on every exit path, including os.Exit after a fatal error.
func CloseAll() []CloseReport {
	exitHook.mu.Lock()
	managers := make([]*Manager, 0, len(exitHook.managers))
	for m := range exitHook.managers {
		managers = append(managers, m)
	}
	exitHook.mu.Unlock()

	var reports []CloseReport
	for _, m := range managers {
		if r := m.Close(""); r.Closed {
			reports = append(reports, r)
		}
	}
	return reports
}

// CloseOnSignal closes every session when the process receives SIGINT or
// SIGTERM, then exits with 128+signal. The returned func stops listening.
func CloseOnSignal() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			CloseAll()
			code := 130
			if sig == syscall.SIGTERM {
				code = 143
			}
			os.Exit(code)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}
