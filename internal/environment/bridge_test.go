package environment

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/lemon07r/webgauge/internal/action"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
)

// fakeBridge answers bridge requests in process. respond returns the reply
// for a request, or false to stop serving without answering.
type fakeBridge struct {
	requests chan bridgeRequest
}

func startFakeBridge(t *testing.T, respond func(req bridgeRequest) (bridgeReply, bool)) (*Bridge, *fakeBridge) {
	t.Helper()

	reqR, reqW := io.Pipe()
	repR, repW := io.Pipe()
	fb := &fakeBridge{requests: make(chan bridgeRequest, 16)}

	go func() {
		defer func() { _ = repW.Close() }()
		scanner := bufio.NewScanner(reqR)
		enc := json.NewEncoder(repW)
		for scanner.Scan() {
			var req bridgeRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			fb.requests <- req
			reply, ok := respond(req)
			if !ok {
				return
			}
			// A stray reply for a request nobody made is ignored.
			_ = enc.Encode(bridgeReply{ID: "stray"})
			reply.ID = req.ID
			if err := enc.Encode(reply); err != nil {
				return
			}
		}
	}()

	teardown := func() error {
		_ = reqR.Close()
		return nil
	}
	b := NewBridge(Spec{TaskID: "miniwob.click-test", Benchmark: "miniwob"}, repR, reqW, teardown, time.Second, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b, fb
}

func TestBridgeResetAndStep(t *testing.T) {
	t.Parallel()

	b, fb := startFakeBridge(t, func(req bridgeRequest) (bridgeReply, bool) {
		switch req.Op {
		case opReset:
			return bridgeReply{Observation: &bridgeObservation{
				URL:  "http://localhost/click-test",
				Goal: "Click the button",
				HTML: `<body><button bid="7">Go</button></body>`,
			}}, true
		case opStep:
			reward := 0.0
			if req.Action != nil && req.Action.Type == action.Click && req.Action.TargetID == "7" {
				reward = 1
			}
			return bridgeReply{Reward: reward, Terminated: reward > 0, Observation: &bridgeObservation{URL: "http://localhost/done"}}, true
		default:
			return bridgeReply{}, true
		}
	})

	obs, err := b.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if obs.Tree == nil {
		t.Fatal("Reset should build a tree from html when the bridge sends none")
	}
	if got := (<-fb.requests); got.TaskID != "miniwob.click-test" || got.Benchmark != "miniwob" {
		t.Fatalf("reset request = %+v", got)
	}

	res, err := b.Step(context.Background(), action.Action{Type: "type", TargetID: "7", Value: "x"})
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if res.Reward != 0 {
		t.Fatalf("fill reward = %v, want 0", res.Reward)
	}
	if got := <-fb.requests; got.ActionText != "fill('7', 'x')" {
		t.Fatalf("action_text = %q, want normalized fill", got.ActionText)
	}

	res, err = b.Step(context.Background(), action.Action{Type: action.Click, TargetID: "7"})
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if !res.Terminated || res.Reward != 1 || res.Observation.URL != "http://localhost/done" {
		t.Fatalf("click result = %+v", res)
	}
}

func TestBridgeReportsRemoteError(t *testing.T) {
	t.Parallel()

	b, _ := startFakeBridge(t, func(req bridgeRequest) (bridgeReply, bool) {
		return bridgeReply{Error: "browser crashed"}, true
	})

	_, err := b.Reset(context.Background())
	if harnesserr.CodeOf(err) != harnesserr.CodeEnvironmentFailure || !strings.Contains(err.Error(), "browser crashed") {
		t.Fatalf("Reset error = %v, want EnvironmentFailure with remote message", err)
	}
}

func TestBridgeExitDuringCall(t *testing.T) {
	t.Parallel()

	b, _ := startFakeBridge(t, func(req bridgeRequest) (bridgeReply, bool) {
		return bridgeReply{}, false
	})

	_, err := b.Step(context.Background(), action.Action{Type: action.Noop})
	if harnesserr.CodeOf(err) != harnesserr.CodeEnvironmentFailure {
		t.Fatalf("Step error = %v, want EnvironmentFailure", err)
	}
	if _, err := b.Step(context.Background(), action.Action{Type: action.Noop}); harnesserr.CodeOf(err) != harnesserr.CodeEnvironmentFailure {
		t.Fatalf("Step after exit error = %v, want EnvironmentFailure", err)
	}
}

func TestBridgeContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	b, _ := startFakeBridge(t, func(req bridgeRequest) (bridgeReply, bool) {
		if req.Op == opStep {
			<-release
		}
		return bridgeReply{}, true
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Step(ctx, action.Action{Type: action.Noop})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Step error = %v, want deadline exceeded", err)
	}
}

func TestBridgeCloseIdempotent(t *testing.T) {
	t.Parallel()

	b, fb := startFakeBridge(t, func(req bridgeRequest) (bridgeReply, bool) {
		return bridgeReply{}, true
	})

	if err := b.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if got := <-fb.requests; got.Op != opClose {
		t.Fatalf("first request = %q, want close", got.Op)
	}
	if _, err := b.Reset(context.Background()); !errors.Is(err, harnesserr.ErrSessionClosed) {
		t.Fatalf("Reset after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestStartBridgeSubprocess(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// Echo a reply with the request id for every line read.
	script := `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
  printf '{"id":"%s","observation":{"url":"about:blank","goal":"g"}}\n' "$id"
done`
	b, err := StartBridge(context.Background(), BridgeConfig{
		Command:    "sh",
		Args:       []string{"-c", script},
		CloseGrace: time.Second,
	}, Spec{TaskID: "miniwob.click-test", Benchmark: "miniwob"})
	if err != nil {
		t.Fatalf("StartBridge error: %v", err)
	}

	obs, err := b.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if obs.URL != "about:blank" {
		t.Fatalf("URL = %q, want about:blank", obs.URL)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestStartBridgeRequiresCommand(t *testing.T) {
	t.Parallel()

	if _, err := StartBridge(context.Background(), BridgeConfig{}, Spec{}); err == nil {
		t.Fatal("StartBridge without a command should fail")
	}
}
