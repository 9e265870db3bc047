// Package task provides task identifiers, the fixture catalog and task loading for webgauge.
package task

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/lemon07r/webgauge/internal/action"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
)

// Benchmark represents a supported benchmark family.
type Benchmark string

const (
	MiniWoB        Benchmark = "miniwob"
	WebArena       Benchmark = "webarena"
	VisualWebArena Benchmark = "visualwebarena"
	WorkArena      Benchmark = "workarena"
	AssistantBench Benchmark = "assistantbench"
	WebLINX        Benchmark = "weblinx"
)

// Benchmarks lists every supported benchmark in display order.
var Benchmarks = []Benchmark{MiniWoB, WebArena, VisualWebArena, WorkArena, AssistantBench, WebLINX}

// String returns the string representation of a Benchmark.
func (b Benchmark) String() string {
	return string(b)
}

// ParseBenchmark converts a string to a Benchmark.
func ParseBenchmark(s string) (Benchmark, error) {
	b := Benchmark(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Benchmarks {
		if b == known {
			return b, nil
		}
	}
	return "", harnesserr.New(harnesserr.KindValidation, harnesserr.CodeUnknownBenchmark,
		"unknown benchmark %q", s)
}

// ParseID splits a task identifier of the form "<benchmark>.<name>".
// The name may itself contain dots (e.g. "workarena.servicenow.order-ipad").
func ParseID(id string) (Benchmark, string, error) {
	prefix, name, ok := strings.Cut(strings.TrimSpace(id), ".")
	if !ok || prefix == "" || name == "" || strings.ContainsAny(id, " \t\n/") {
		return "", "", harnesserr.New(harnesserr.KindValidation, harnesserr.CodeInvalidTaskFormat,
			"task id %q must have the form <benchmark>.<name>", id)
	}
	b, err := ParseBenchmark(prefix)
	if err != nil {
		return "", "", err
	}
	return b, name, nil
}

// ValidateRef checks a task id against an optional declared benchmark.
// An empty benchmark takes the id's prefix.
func ValidateRef(taskID, benchmark string) (Benchmark, string, error) {
	b, name, err := ParseID(taskID)
	if err != nil {
		return "", "", err
	}
	if benchmark != "" && !strings.EqualFold(strings.TrimSpace(benchmark), string(b)) {
		return "", "", harnesserr.New(harnesserr.KindValidation, harnesserr.CodeBenchmarkMismatch,
			"task %q belongs to benchmark %q, not %q", taskID, b, benchmark)
	}
	return b, name, nil
}

// Task represents a single catalog task.
type Task struct {
	Name        string          `json:"name"                  toml:"name"`
	Benchmark   Benchmark       `json:"benchmark"             toml:"benchmark"`
	Goal        string          `json:"goal"                  toml:"goal"`
	Description string          `json:"description,omitempty" toml:"description,omitempty"`
	Difficulty  string          `json:"difficulty,omitempty"  toml:"difficulty,omitempty"`
	Page        string          `json:"page,omitempty"        toml:"page,omitempty"`
	MaxSteps    int             `json:"max_steps,omitempty"   toml:"max_steps,omitempty"`
	Timeout     int             `json:"timeout,omitempty"     toml:"timeout,omitempty"`
	Success     SuccessRule     `json:"success"               toml:"success"`
	Solution    []action.Action `json:"solution,omitempty"    toml:"solution,omitempty"`

	// Discovered marks tasks found as bare pages without a task.toml.
	Discovered bool `json:"discovered,omitempty" toml:"-"`
}

// SuccessRule describes when the fixture environment ends an episode with a positive reward.
type SuccessRule struct {
	Click  string            `json:"click,omitempty"  toml:"click,omitempty"`  // selector whose click ends the episode
	Fields map[string]string `json:"fields,omitempty" toml:"fields,omitempty"` // selector -> required value at that time
	Answer string            `json:"answer,omitempty" toml:"answer,omitempty"` // expected send_msg_to_user text
}

// Empty reports whether no success condition is defined.
func (r SuccessRule) Empty() bool {
	return r.Click == "" && r.Answer == ""
}

// ID returns the canonical task identifier in the form "<benchmark>.<name>".
func (t *Task) ID() string {
	return fmt.Sprintf("%s.%s", t.Benchmark, t.Name)
}

// Validate checks that required task fields are present.
func (t *Task) Validate() error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if _, err := ParseBenchmark(string(t.Benchmark)); err != nil {
		return err
	}
	if _, _, err := ParseID(t.ID()); err != nil {
		return err
	}
	if t.Discovered {
		return nil
	}
	if t.Page == "" {
		return fmt.Errorf("task %s has no page", t.ID())
	}
	if t.Goal == "" {
		return fmt.Errorf("task %s has no goal", t.ID())
	}
	if t.Success.Empty() {
		return fmt.Errorf("task %s has no success rule", t.ID())
	}
	for i, a := range t.Solution {
		if err := action.Validate(a, i); err != nil {
			return fmt.Errorf("task %s solution: %w", t.ID(), err)
		}
	}
	return nil
}

// Loader handles loading tasks from embedded or external sources.
type Loader struct {
	embeddedFS  fs.FS
	externalDir string
}

// NewLoader creates a new task loader.
// If externalDir is provided, it takes precedence over embedded tasks.
func NewLoader(embeddedFS fs.FS, externalDir string) *Loader {
	return &Loader{
		embeddedFS:  embeddedFS,
		externalDir: externalDir,
	}
}

func (l *Loader) fsys() fs.FS {
	if l.externalDir != "" {
		return os.DirFS(l.externalDir)
	}
	return l.embeddedFS
}

// LoadAll loads all available tasks, sorted by id.
func (l *Loader) LoadAll() ([]*Task, error) {
	fsys := l.fsys()
	if fsys == nil {
		return nil, nil
	}

	var tasks []*Task
	for _, b := range Benchmarks {
		found, err := loadBenchmark(fsys, b, l.externalDir != "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, found...)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ID() < tasks[j].ID()
	})

	return tasks, nil
}

// loadBenchmark reads <benchmark>/<name>/task.toml entries and bare <benchmark>/*.html pages.
// Unparseable entries in an external directory are skipped; in the embedded catalog they are errors.
func loadBenchmark(fsys fs.FS, b Benchmark, lenient bool) ([]*Task, error) {
	entries, err := fs.ReadDir(fsys, string(b))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if lenient {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s tasks: %w", b, err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if !entry.IsDir() {
			if path.Ext(entry.Name()) == ".html" {
				tasks = append(tasks, &Task{
					Name:       strings.TrimSuffix(entry.Name(), ".html"),
					Benchmark:  b,
					Page:       entry.Name(),
					Discovered: true,
				})
			}
			continue
		}

		taskPath := path.Join(string(b), entry.Name(), "task.toml")
		data, err := fs.ReadFile(fsys, taskPath)
		if err != nil {
			continue
		}

		var t Task
		if err := toml.Unmarshal(data, &t); err != nil {
			if lenient {
				continue
			}
			return nil, fmt.Errorf("parsing %s: %w", taskPath, err)
		}
		if t.Name == "" {
			t.Name = entry.Name()
		}
		if t.Benchmark == "" {
			t.Benchmark = b
		}
		if err := t.Validate(); err != nil {
			if lenient {
				continue
			}
			return nil, fmt.Errorf("invalid task %s: %w", taskPath, err)
		}

		tasks = append(tasks, &t)
	}

	return tasks, nil
}

// Load loads a specific task by canonical id.
func (l *Loader) Load(id string) (*Task, error) {
	tasks, err := l.LoadAll()
	if err != nil {
		return nil, err
	}
	return ResolveRef(tasks, id)
}

// LoadByBenchmark loads the tasks of one benchmark, capped at max when max > 0.
func (l *Loader) LoadByBenchmark(b Benchmark, max int) ([]*Task, error) {
	all, err := l.LoadAll()
	if err != nil {
		return nil, err
	}

	var filtered []*Task
	for _, t := range all {
		if t.Benchmark == b {
			filtered = append(filtered, t)
		}
	}
	if max > 0 && len(filtered) > max {
		filtered = filtered[:max]
	}

	return filtered, nil
}

// GetTaskDir returns the directory holding a task's files, relative to the loader's root.
func (l *Loader) GetTaskDir(t *Task) string {
	if t.Discovered {
		return string(t.Benchmark)
	}
	return path.Join(string(t.Benchmark), t.Name)
}

// ReadTaskFile reads a file from a task's directory.
func (l *Loader) ReadTaskFile(t *Task, filename string) ([]byte, error) {
	fsys := l.fsys()
	if fsys == nil {
		return nil, fmt.Errorf("no task source configured")
	}
	return fs.ReadFile(fsys, path.Join(l.GetTaskDir(t), filename))
}

// ReadPage reads the task's HTML page.
func (l *Loader) ReadPage(t *Task) ([]byte, error) {
	if t.Page == "" {
		return nil, fmt.Errorf("task %s has no page", t.ID())
	}
	return l.ReadTaskFile(t, t.Page)
}

// ResolveRef resolves a task reference which can be either:
//   - canonical ID: "<benchmark>.<name>"
//   - bare name: "<name>" (must be unambiguous within tasks)
func ResolveRef(tasks []*Task, ref string) (*Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("task reference is empty")
	}

	if b, name, err := ParseID(ref); err == nil {
		for _, t := range tasks {
			if t.Benchmark == b && t.Name == name {
				return t, nil
			}
		}
		return nil, fmt.Errorf("task not found: %s", ref)
	}

	var matches []*Task
	for _, t := range tasks {
		if t.Name == ref {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("task not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, t := range matches {
			ids = append(ids, t.ID())
		}
		sort.Strings(ids)
		return nil, fmt.Errorf("task name %q is ambiguous; use one of: %s", ref, strings.Join(ids, ", "))
	}
}
