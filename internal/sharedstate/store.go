package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FilePrefix starts every record file name.
const FilePrefix = "webgauge-state-"

// Store reads and replaces one record file.
type Store struct {
	path string
}

// NewStore returns the store for key under dir.
func NewStore(dir, key string) *Store {
	return &Store{path: filepath.Join(dir, FilePrefix+key+".json")}
}

// Path returns the record file path.
func (s *Store) Path() string {
	return s.path
}

// Save writes r to a temporary file in the same directory and renames it over the record.
func (s *Store) Save(r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state record: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".webgauge-state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Load reads the record. A missing record returns an error matching fs.ErrNotExist.
func (s *Store) Load() (Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Record{}, fmt.Errorf("reading state record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("parsing state record %s: %w", s.path, err)
	}
	return r, nil
}

// Remove deletes the record. Removing a missing record is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing state record: %w", err)
	}
	return nil
}

// WaitReady polls until the worker has announced an endpoint.
// A receive on wake triggers an early re-read; wake may be nil.
func (s *Store) WaitReady(ctx context.Context, interval time.Duration, wake <-chan struct{}) (Record, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Missing or unreadable records mean the worker has not written yet.
		if r, err := s.Load(); err == nil && r.Serving() {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return Record{}, fmt.Errorf("waiting for worker ready: %w", ctx.Err())
		case <-ticker.C:
		case <-wake:
		}
	}
}
