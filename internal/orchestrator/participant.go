package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lemon07r/webgauge/internal/action"
	"github.com/lemon07r/webgauge/internal/config"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/procgroup"
	"github.com/lemon07r/webgauge/internal/protocol"
	"github.com/lemon07r/webgauge/internal/task"
)

// Assignment is the task message delivered to a participant.
type Assignment struct {
	RunID          string `json:"run_id"`
	TaskID         string `json:"task_id"`
	Benchmark      string `json:"benchmark"`
	Goal           string `json:"goal"`
	Endpoint       string `json:"endpoint"`
	RPCPath        string `json:"rpc_path"`
	MaxToolCalls   int    `json:"max_tool_calls"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Model          string `json:"model,omitempty"`
}

// Participant delivers tasks to the agent under evaluation.
type Participant interface {
	Dispatch(ctx context.Context, a Assignment) (Handle, error)
}

// Handle is a dispatched task on the participant's side.
type Handle interface {
	// Done is closed when the participant stops working on the task by itself.
	Done() <-chan struct{}
	// Stop ends the participant's work on the task. It is safe to call more than once.
	Stop()
}

// BuildPrompt renders the task message for command participants.
func BuildPrompt(a Assignment) string {
	return fmt.Sprintf(`You are completing a web task called "%s".

TASK INFO:
- Benchmark: %s
- Goal:      %s

TOOLS:
The browser is driven through a JSON API at %s%s.
Send POST requests of the form {"id": "1", "method": "<method>", "params": {...}}.
- initialize {"task_id": %q, "benchmark": %q} starts the task and returns the first observation.
- observe {} returns the current page.
- execute {"actions": [...]} runs a batch of actions and returns the new page.
- describe {} lists the action schemas.

ACTIONS (target_id is the number in [brackets] in the observation):
%s
RULES:
- You may make at most %d execute calls.
- A batch stops at the first action that ends the task.
- Report answers with send_msg_to_user.`,
		a.TaskID, a.Benchmark, a.Goal, a.Endpoint, a.RPCPath,
		a.TaskID, a.Benchmark, action.Describe(), a.MaxToolCalls)
}

// NewParticipant returns the transport for a configured participant.
// lookup resolves tasks for the scripted participant.
func NewParticipant(name string, cfg config.ParticipantConfig, model, logDir string, lookup func(string) (*task.Task, error), logger *slog.Logger) (Participant, error) {
	switch cfg.Transport() {
	case "command":
		return &CommandParticipant{Name: name, Config: cfg, Model: model, LogDir: logDir, Logger: logger}, nil
	case "http":
		return &HTTPParticipant{URL: cfg.URL, Logger: logger}, nil
	case "scripted":
		if lookup == nil {
			return nil, errors.New("scripted participant needs a task catalog")
		}
		return &ScriptedParticipant{Lookup: lookup, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("participant %s has no transport", name)
	}
}

// CommandParticipant runs an agent CLI per task with the prompt in its arguments.
type CommandParticipant struct {
	Name   string
	Config config.ParticipantConfig
	Model  string
	LogDir string
	Grace  time.Duration
	Logger *slog.Logger
}

// Args returns the command arguments for a prompt.
func (p *CommandParticipant) Args(prompt string) []string {
	var modelArgs []string
	if p.Model != "" && p.Config.ModelFlag != "" {
		modelArgs = []string{p.Config.ModelFlag, p.Model}
	}

	var args []string
	placed := false
	for _, arg := range p.Config.Args {
		if arg == "{prompt}" {
			if p.Config.ModelFlagPosition != "after" {
				args = append(args, modelArgs...)
			}
			args = append(args, prompt)
			if p.Config.ModelFlagPosition == "after" {
				args = append(args, modelArgs...)
			}
			placed = true
			continue
		}
		args = append(args, strings.ReplaceAll(arg, "{prompt}", prompt))
	}
	if !placed {
		args = append(args, modelArgs...)
		args = append(args, prompt)
	}
	return args
}

// Dispatch starts the agent in its own process group.
func (p *CommandParticipant) Dispatch(_ context.Context, a Assignment) (Handle, error) {
	if a.Model == "" {
		a.Model = p.Model
	}
	cmd := exec.Command(p.Config.Command, p.Args(BuildPrompt(a))...)
	cmd.Env = os.Environ()
	for k, v := range p.Config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"WEBGAUGE_ENDPOINT="+a.Endpoint,
		"WEBGAUGE_RPC_URL="+a.Endpoint+a.RPCPath,
		"WEBGAUGE_TASK_ID="+a.TaskID,
		"WEBGAUGE_BENCHMARK="+a.Benchmark,
		"WEBGAUGE_MAX_TOOL_CALLS="+strconv.Itoa(a.MaxToolCalls),
	)
	procgroup.Setup(cmd)

	var logFile *os.File
	if p.LogDir != "" {
		if err := os.MkdirAll(p.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating participant log dir: %w", err)
		}
		path := filepath.Join(p.LogDir, "participant-"+a.TaskID+".log")
		f, err := os.Create(path)
		if err != nil {
			if p.Logger != nil {
				p.Logger.Warn("participant output not logged", "task", a.TaskID, "path", path, "error", err)
			}
		} else {
			logFile = f
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, harnesserr.Wrap(harnesserr.KindProtocol, harnesserr.CodeDispatchFailed, err,
			"starting participant %s", p.Name)
	}

	h := &commandHandle{cmd: cmd, done: make(chan struct{}), grace: p.Grace}
	if h.grace <= 0 {
		h.grace = 2 * time.Second
	}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		if err != nil && p.Logger != nil {
			p.Logger.Debug("participant exited", "task", a.TaskID, "error", err)
		}
		close(h.done)
	}()
	return h, nil
}

type commandHandle struct {
	cmd   *exec.Cmd
	done  chan struct{}
	grace time.Duration
	once  sync.Once
}

func (h *commandHandle) Done() <-chan struct{} { return h.done }

func (h *commandHandle) Stop() {
	h.once.Do(func() {
		if !closed(h.done) {
			procgroup.Terminate(h.cmd, h.grace, h.done)
		}
	})
}

// HTTPParticipant posts the assignment to an agent's endpoint.
type HTTPParticipant struct {
	URL             string
	Client          *http.Client
	Retries         int
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// Dispatch delivers the assignment, retrying transport failures and 5xx replies.
func (p *HTTPParticipant) Dispatch(ctx context.Context, a Assignment) (Handle, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling assignment: %w", err)
	}
	hc := p.Client
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	retries := p.Retries
	if retries <= 0 {
		retries = 3
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("participant replied %s", resp.Status)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("participant rejected task: %s", resp.Status))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if p.Logger != nil {
			p.Logger.Warn("retrying task dispatch", "task", a.TaskID, "error", err, "wait", wait)
		}
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, harnesserr.Wrap(harnesserr.KindProtocol, harnesserr.CodeDispatchFailed, err,
			"dispatching %s to %s", a.TaskID, p.URL)
	}
	return newStopHandle(), nil
}

// stopHandle is a participant that works remotely; it is done only when stopped.
type stopHandle struct {
	done chan struct{}
	once sync.Once
}

func newStopHandle() *stopHandle { return &stopHandle{done: make(chan struct{})} }

func (h *stopHandle) Done() <-chan struct{} { return h.done }

func (h *stopHandle) Stop() { h.once.Do(func() { close(h.done) }) }

// ScriptedParticipant replays a task's reference solution through the protocol.
type ScriptedParticipant struct {
	Lookup    func(taskID string) (*task.Task, error)
	BatchSize int // actions per execute call; 0 sends one action per call
	Logger    *slog.Logger
}

// Dispatch starts the replay in the background.
func (p *ScriptedParticipant) Dispatch(ctx context.Context, a Assignment) (Handle, error) {
	t, err := p.Lookup(a.TaskID)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.KindValidation, harnesserr.CodeDispatchFailed, err,
			"looking up %s", a.TaskID)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &scriptedHandle{cancel: cancel, done: make(chan struct{})}
	client := protocol.NewClient(a.Endpoint, protocol.ClientOptions{Retries: 2, Logger: p.Logger})

	go func() {
		defer close(h.done)
		if err := p.replay(rctx, client, t, a); err != nil && rctx.Err() == nil && p.Logger != nil {
			p.Logger.Debug("scripted replay stopped", "task", a.TaskID, "error", err)
		}
	}()
	return h, nil
}

func (p *ScriptedParticipant) replay(ctx context.Context, c *protocol.Client, t *task.Task, a Assignment) error {
	if _, err := c.Initialize(ctx, a.TaskID, a.Benchmark); err != nil {
		return err
	}
	size := max(p.BatchSize, 1)
	for i := 0; i < len(t.Solution); i += size {
		batch := t.Solution[i:min(i+size, len(t.Solution))]
		res, err := c.Execute(ctx, batch...)
		if err != nil {
			return err
		}
		if res.TaskCompleted {
			return nil
		}
		if res.Error != nil {
			return fmt.Errorf("batch %s: %s", res.BatchID, res.Error.Message)
		}
	}
	return nil
}

type scriptedHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *scriptedHandle) Done() <-chan struct{} { return h.done }

func (h *scriptedHandle) Stop() {
	h.cancel()
	<-h.done
}
