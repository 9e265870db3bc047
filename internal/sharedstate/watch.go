package sharedstate

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns record file replacements into wake-ups for a polling reader.
// Events are hints only: readers still poll on their own interval, since
// notifications can be dropped or unavailable on some filesystems.
type Watcher struct {
	dir      string
	name     string
	debounce time.Duration
	wake     chan struct{}
	logger   *slog.Logger
}

// NewWatcher creates a watcher for the store's record file.
func NewWatcher(store *Store, debounce time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      filepath.Dir(store.Path()),
		name:     filepath.Base(store.Path()),
		debounce: debounce,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// C receives after the record changes. Bursts collapse into one receive.
func (w *Watcher) C() <-chan struct{} {
	return w.wake
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.notify)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("state watcher error", "error", err)
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// isRelevantEvent matches writes to the record file itself. An atomic replace
// shows up as a create or rename onto the record name.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != w.name {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
