// Package protocol is the tool-invocation channel between a participant's
// executor and the worker that owns the environment. Requests and responses are
// JSON objects carried over loopback HTTP (POST /rpc) or newline-delimited stdio.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/lemon07r/webgauge/internal/action"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
)

// Methods. The first four are advertised to participants; close and health
// are supervisor control operations.
const (
	MethodInitialize = "initialize"
	MethodObserve    = "observe"
	MethodExecute    = "execute"
	MethodDescribe   = "describe"
	MethodClose      = "close"
	MethodHealth     = "health"
)

// Request is one call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries either a result or an error.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the wire form of a classified error.
type ErrorInfo struct {
	Kind    harnesserr.Kind `json:"kind"`
	Code    harnesserr.Code `json:"code"`
	Message string          `json:"message"`
	Index   *int            `json:"index,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return e.toError().Error()
}

func (e *ErrorInfo) toError() *harnesserr.Error {
	idx := harnesserr.NoIndex
	if e.Index != nil {
		idx = *e.Index
	}
	return &harnesserr.Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Index: idx}
}

// errorInfo converts any error to its wire form. Unclassified errors become environment failures.
func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	e, ok := harnesserr.As(err)
	if !ok {
		return &ErrorInfo{Kind: harnesserr.KindEnvironment, Code: harnesserr.CodeEnvironmentFailure, Message: err.Error()}
	}
	info := &ErrorInfo{Kind: e.Kind, Code: e.Code, Message: e.Message}
	if e.Err != nil {
		info.Message += ": " + e.Err.Error()
	}
	if e.Index != harnesserr.NoIndex {
		idx := e.Index
		info.Index = &idx
	}
	return info
}

// InitializeParams starts a session for a task.
type InitializeParams struct {
	TaskID    string `json:"task_id"`
	Benchmark string `json:"benchmark"`
}

// Initialize statuses.
const (
	StatusInitialized        = "initialized"
	StatusAlreadyInitialized = "already_initialized"
)

// InitializeResult reports the session and the first observation.
type InitializeResult struct {
	Status      string                  `json:"status"`
	SessionID   string                  `json:"session_id"`
	TaskID      string                  `json:"task_id"`
	Benchmark   string                  `json:"benchmark"`
	Goal        string                  `json:"goal"`
	Observation *observation.Compressed `json:"observation,omitempty"`
}

// ObserveParams asks for the current observation.
type ObserveParams struct {
	IncludeScreenshot bool `json:"include_screenshot,omitempty"`
}

// ExecuteParams carries a batch of actions. Actions are decoded lazily so a
// malformed entry only fails when the batch reaches it.
type ExecuteParams struct {
	Actions []json.RawMessage `json:"actions"`
}

// Per-action statuses.
const (
	ActionExecuted = "executed"
	ActionFailed   = "failed"
	ActionInvalid  = "invalid"
	ActionSkipped  = "skipped"
)

// ActionResult is the outcome of one action in a batch.
type ActionResult struct {
	Index      int     `json:"index"`
	Type       string  `json:"type,omitempty"`
	Text       string  `json:"text,omitempty"`
	Status     string  `json:"status"`
	Reward     float64 `json:"reward"`
	Terminated bool    `json:"terminated"`
	Truncated  bool    `json:"truncated"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// BatchResult is the outcome of an execute call.
type BatchResult struct {
	BatchID          string                  `json:"batch_id"`
	Results          []ActionResult          `json:"results"`
	Observation      *observation.Compressed `json:"observation,omitempty"`
	Executed         int                     `json:"executed"`
	LatencyMs        float64                 `json:"latency_ms"`
	EarlyTermination bool                    `json:"early_termination"`
	TaskCompleted    bool                    `json:"task_completed"`
	Error            *ErrorInfo              `json:"error,omitempty"`
}

// Limits are the server's enforced bounds.
type Limits struct {
	MaxBatch        int     `json:"max_batch"`
	MaxToolCalls    int     `json:"max_tool_calls"`
	ActionTimeoutMs float64 `json:"action_timeout_ms"`
}

// DescribeResult is the static tool metadata.
type DescribeResult struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Operations []string          `json:"operations"`
	Actions    []action.Schema   `json:"actions"`
	Aliases    map[string]string `json:"aliases,omitempty"`
	Benchmarks []string          `json:"benchmarks"`
	Limits     Limits            `json:"limits"`
}

// CloseParams selects the session to close; empty closes the active one.
type CloseParams struct {
	SessionID string `json:"session_id,omitempty"`
}

// CloseResult reports the teardown.
type CloseResult struct {
	Closed         bool     `json:"closed"`
	SessionID      string   `json:"session_id,omitempty"`
	ResourceErrors []string `json:"resource_errors,omitempty"`
}

// HealthResult reports liveness.
type HealthResult struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Completed bool   `json:"completed"`
}

// decodeAction parses one raw batch entry.
func decodeAction(raw json.RawMessage, index int) (action.Action, error) {
	var a action.Action
	if err := json.Unmarshal(raw, &a); err != nil {
		var syntax *json.SyntaxError
		msg := err.Error()
		if errors.As(err, &syntax) {
			msg = "malformed action: " + msg
		}
		return action.Action{}, harnesserr.Validation(harnesserr.CodeInvalidAction, index, "%s", msg)
	}
	if err := action.Validate(a, index); err != nil {
		return action.Action{}, err
	}
	return action.Normalize(a), nil
}
