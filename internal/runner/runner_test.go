package runner

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/lemon07r/webgauge/internal/config"
	"github.com/lemon07r/webgauge/internal/result"
	"github.com/lemon07r/webgauge/internal/task"
	"github.com/lemon07r/webgauge/tasks"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default
	cfg.Harness.SessionDir = t.TempDir()
	cfg.Harness.StateDir = t.TempDir()
	cfg.Harness.PollIntervalMs = 20
	cfg.Harness.ReadyTimeoutSeconds = 5
	cfg.Harness.TimeoutSeconds = 20
	cfg.Worker.BrowserProcesses = nil
	cfg.Benchmarks = map[string]config.BenchmarkConfig{"miniwob": {MaxTasks: 2}}
	return &cfg
}

func TestSelectTasks(t *testing.T) {
	t.Parallel()

	r := NewRunner(testConfig(t), tasks.FS, "", nil)

	all, err := r.SelectTasks(nil, "")
	if err != nil {
		t.Fatalf("SelectTasks error: %v", err)
	}
	mini := 0
	for _, tk := range all {
		if tk.Benchmark == task.MiniWoB {
			mini++
		}
	}
	if mini != 2 {
		t.Fatalf("miniwob tasks = %d, want 2 (max_tasks)", mini)
	}

	picked, err := r.SelectTasks([]string{"click-test", "miniwob.click-test", "webarena.order-total"}, "")
	if err != nil {
		t.Fatalf("SelectTasks error: %v", err)
	}
	if len(picked) != 2 || picked[0].ID() != "miniwob.click-test" {
		t.Fatalf("picked = %v, want [miniwob.click-test webarena.order-total]", ids(picked))
	}

	if _, err := r.SelectTasks([]string{"webarena.order-total"}, "miniwob"); err == nil {
		t.Fatal("expected benchmark mismatch error")
	}
	if _, err := r.SelectTasks(nil, "nope"); err == nil {
		t.Fatal("expected unknown benchmark error")
	}
}

func ids(ts []*task.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID())
	}
	return out
}

func TestTaskHashChangesWithPage(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"miniwob/a/task.toml": {Data: []byte("goal = \"g\"\npage = \"page.html\"\n[success]\nclick = \"#b\"\n")},
		"miniwob/a/page.html": {Data: []byte(`<html><body><button id="b">B</button></body></html>`)},
	}
	r := NewRunner(testConfig(t), fsys, "", nil)
	tk, err := r.ResolveTaskRef("miniwob.a")
	if err != nil {
		t.Fatalf("ResolveTaskRef error: %v", err)
	}
	before := r.TaskHash(tk)
	if !strings.HasPrefix(before, "blake3:") {
		t.Fatalf("hash = %q, want blake3 prefix", before)
	}

	fsys["miniwob/a/page.html"] = &fstest.MapFile{Data: []byte(`<html><body><button id="b">C</button></body></html>`)}
	if after := r.TaskHash(tk); after == before {
		t.Fatal("hash did not change with the page")
	}
	if w := r.Weight(tk); w < 1 {
		t.Fatalf("weight = %v, want >= 1", w)
	}
}

func TestRunScriptedInProcess(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r := NewRunner(cfg, tasks.FS, "", nil)
	r.Version = "test"

	selected, err := r.SelectTasks([]string{"miniwob.click-test", "miniwob.enter-text", "webarena.order-total"}, "")
	if err != nil {
		t.Fatalf("SelectTasks error: %v", err)
	}

	summary, runDir, err := r.Run(context.Background(), RunOptions{
		Participant: "scripted",
		Tasks:       selected,
		InProcess:   true,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if summary.Passed != len(selected) {
		t.Fatalf("passed = %d/%d, results %+v", summary.Passed, summary.Total, summary.Results)
	}
	if !strings.HasPrefix(runDir, cfg.Harness.SessionDir) {
		t.Fatalf("run dir = %s, want under %s", runDir, cfg.Harness.SessionDir)
	}

	a, err := result.LoadAttestation(runDir)
	if err != nil {
		t.Fatalf("LoadAttestation error: %v", err)
	}
	loaded, err := result.LoadSummary(runDir)
	if err != nil {
		t.Fatalf("LoadSummary error: %v", err)
	}
	hash, err := result.ResultsHash(loaded)
	if err != nil {
		t.Fatalf("ResultsHash error: %v", err)
	}
	if hash != a.Integrity.ResultsHash {
		t.Fatalf("results hash = %s, want %s", hash, a.Integrity.ResultsHash)
	}
	if got := len(a.Tasks); got != len(selected) {
		t.Fatalf("attested tasks = %d, want %d", got, len(selected))
	}
}

func TestRunUnknownParticipant(t *testing.T) {
	t.Parallel()

	r := NewRunner(testConfig(t), tasks.FS, "", nil)
	tk, err := r.ResolveTaskRef("miniwob.click-test")
	if err != nil {
		t.Fatalf("ResolveTaskRef error: %v", err)
	}
	_, _, err = r.Run(context.Background(), RunOptions{Participant: "nobody", Tasks: []*task.Task{tk}, InProcess: true})
	if err == nil || !strings.Contains(err.Error(), "unknown participant") {
		t.Fatalf("err = %v, want unknown participant", err)
	}
}
