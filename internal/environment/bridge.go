package environment

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lemon07r/webgauge/internal/action"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/procgroup"
)

// Bridge operations.
const (
	opReset = "reset"
	opStep  = "step"
	opClose = "close"
)

// DefaultCloseGrace bounds how long a bridge gets to exit after a close request.
const DefaultCloseGrace = 5 * time.Second

// maxLine bounds one reply; DOM observations of large pages run to megabytes.
const maxLine = 64 << 20

type bridgeRequest struct {
	ID         string            `json:"id"`
	Op         string            `json:"op"`
	TaskID     string            `json:"task_id,omitempty"`
	Benchmark  string            `json:"benchmark,omitempty"`
	Headless   bool              `json:"headless,omitempty"`
	MaxSteps   int               `json:"max_steps,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Action     *action.Action    `json:"action,omitempty"`
	ActionText string            `json:"action_text,omitempty"`
}

type bridgeObservation struct {
	Tree            *observation.Node `json:"tree,omitempty"`
	URL             string            `json:"url"`
	Goal            string            `json:"goal"`
	HTML            string            `json:"html,omitempty"`
	Screenshot      []byte            `json:"screenshot,omitempty"`
	LastActionError string            `json:"last_action_error,omitempty"`
	FocusedBID      string            `json:"focused_bid,omitempty"`
}

type bridgeReply struct {
	ID          string             `json:"id"`
	Observation *bridgeObservation `json:"observation,omitempty"`
	Reward      float64            `json:"reward"`
	Terminated  bool               `json:"terminated"`
	Truncated   bool               `json:"truncated"`
	Info        map[string]any     `json:"info,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func (o *bridgeObservation) raw() observation.Raw {
	if o == nil {
		return observation.Raw{}
	}
	raw := observation.Raw{
		Tree:            o.Tree,
		URL:             o.URL,
		Goal:            o.Goal,
		HTML:            o.HTML,
		Screenshot:      o.Screenshot,
		LastActionError: o.LastActionError,
		FocusedBID:      o.FocusedBID,
	}
	if raw.Tree == nil && raw.HTML != "" {
		if tree, err := observation.FromHTML([]byte(raw.HTML), raw.FocusedBID); err == nil {
			raw.Tree = tree
		}
	}
	return raw
}

// Bridge drives an environment speaking newline-delimited JSON over a pair of streams.
// Each request carries an id and the bridge answers with the same id.
type Bridge struct {
	spec     Spec
	w        io.WriteCloser
	teardown func() error
	logger   *slog.Logger
	grace    time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan bridgeReply
	readErr error

	exited    chan struct{}
	isClosed  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewBridge starts reading replies from r. teardown runs once on Close after
// the close request and w have been handled.
func NewBridge(spec Spec, r io.Reader, w io.WriteCloser, teardown func() error, grace time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if grace <= 0 {
		grace = DefaultCloseGrace
	}
	b := &Bridge{
		spec:     spec,
		w:        w,
		teardown: teardown,
		logger:   logger,
		grace:    grace,
		pending:  make(map[string]chan bridgeReply),
		exited:   make(chan struct{}),
	}
	go b.read(r)
	return b
}

func (b *Bridge) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var reply bridgeReply
		if err := json.Unmarshal(line, &reply); err != nil {
			b.logger.Warn("discarding malformed bridge line", "error", err)
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[reply.ID]
		delete(b.pending, reply.ID)
		b.mu.Unlock()

		if !ok {
			b.logger.Debug("discarding reply for unknown request", "id", reply.ID)
			continue
		}
		ch <- reply
	}

	b.mu.Lock()
	b.readErr = scanner.Err()
	if b.readErr == nil {
		b.readErr = io.EOF
	}
	b.mu.Unlock()
	close(b.exited)
}

func (b *Bridge) call(ctx context.Context, req bridgeRequest) (bridgeReply, error) {
	req.ID = uuid.NewString()
	ch := make(chan bridgeReply, 1)

	b.mu.Lock()
	select {
	case <-b.exited:
		err := b.readErr
		b.mu.Unlock()
		return bridgeReply{}, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err, "bridge exited")
	default:
	}
	b.pending[req.ID] = ch
	b.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		b.forget(req.ID)
		return bridgeReply{}, fmt.Errorf("encoding bridge request: %w", err)
	}
	line = append(line, '\n')

	b.writeMu.Lock()
	_, err = b.w.Write(line)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(req.ID)
		return bridgeReply{}, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err, "writing %s request", req.Op)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, harnesserr.New(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, "%s: %s", req.Op, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		b.forget(req.ID)
		return bridgeReply{}, ctx.Err()
	case <-b.exited:
		b.forget(req.ID)
		// The reply may have been delivered just before the reader exited.
		select {
		case reply := <-ch:
			return reply, nil
		default:
		}
		return bridgeReply{}, harnesserr.New(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure,
			"bridge exited during %s", req.Op)
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Reset starts the task and returns the first observation.
func (b *Bridge) Reset(ctx context.Context) (observation.Raw, error) {
	if b.closed() {
		return observation.Raw{}, harnesserr.ErrSessionClosed
	}
	reply, err := b.call(ctx, bridgeRequest{
		Op:        opReset,
		TaskID:    b.spec.TaskID,
		Benchmark: b.spec.Benchmark,
		Headless:  b.spec.Headless,
		MaxSteps:  b.spec.MaxSteps,
		Params:    b.spec.Params,
	})
	if err != nil {
		return observation.Raw{}, err
	}
	return reply.Observation.raw(), nil
}

// Step sends one action.
func (b *Bridge) Step(ctx context.Context, a action.Action) (StepResult, error) {
	if b.closed() {
		return StepResult{}, harnesserr.ErrSessionClosed
	}
	a = action.Normalize(a)
	reply, err := b.call(ctx, bridgeRequest{Op: opStep, Action: &a, ActionText: a.String()})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Observation: reply.Observation.raw(),
		Reward:      reply.Reward,
		Terminated:  reply.Terminated,
		Truncated:   reply.Truncated,
		Info:        reply.Info,
	}, nil
}

// Close asks the bridge to shut down and releases its resources. It is idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.isClosed.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), b.grace)
		defer cancel()

		if _, err := b.call(ctx, bridgeRequest{Op: opClose}); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			b.logger.Debug("bridge close request failed", "error", err)
		}
		if err := b.w.Close(); err != nil {
			b.logger.Debug("closing bridge input", "error", err)
		}
		if b.teardown != nil {
			b.closeErr = b.teardown()
		}
	})
	return b.closeErr
}

func (b *Bridge) closed() bool {
	return b.isClosed.Load()
}

// BridgeConfig configures a bridge subprocess.
type BridgeConfig struct {
	Command    string
	Args       []string
	Dir        string
	Env        []string
	Stderr     io.Writer
	CloseGrace time.Duration
	Logger     *slog.Logger
}

// StartBridge launches the bridge command in its own process group.
func StartBridge(ctx context.Context, cfg BridgeConfig, spec Spec) (*Bridge, error) {
	if cfg.Command == "" {
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeEnvironmentFailure, "bridge command is not configured")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// The process outlives ctx; Close owns its lifetime.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, procgroup.OwnerMarker())
	cmd.Stderr = cfg.Stderr
	procgroup.Setup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating bridge stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err,
			"starting bridge %s", cfg.Command)
	}

	waited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(waited)
	}()

	teardown := func() error {
		procgroup.Terminate(cmd, cfg.CloseGrace, waited)
		<-waited
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			return fmt.Errorf("waiting for bridge: %w", waitErr)
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		_ = stdin.Close()
		_ = teardown()
		return nil, err
	}

	cfg.Logger.Debug("bridge started", "command", cfg.Command, "pid", cmd.Process.Pid, "task", spec.TaskID)
	return NewBridge(spec, stdout, stdin, teardown, cfg.CloseGrace, cfg.Logger), nil
}
