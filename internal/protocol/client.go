package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lemon07r/webgauge/internal/action"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient      *http.Client
	Retries         int           // retries after the first attempt for protocol errors
	InitialInterval time.Duration // first backoff delay
	Logger          *slog.Logger
}

// Client calls a protocol server over HTTP. Unreachable servers and malformed
// responses are retried with exponential backoff; errors the server returns are not.
// Retries resend the same request id, so a server that already ran an execute
// call answers with its recorded response.
type Client struct {
	endpoint string
	http     *http.Client
	retries  int
	interval time.Duration
	logger   *slog.Logger
}

// NewClient creates a client for the server at endpoint (e.g. http://127.0.0.1:4100).
func NewClient(endpoint string, opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Minute}
	}
	interval := opts.InitialInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     hc,
		retries:  max(opts.Retries, 0),
		interval: interval,
		logger:   logger,
	}
}

// Endpoint returns the server base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Call invokes method with params and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = data
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.interval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retries)), ctx)

	var resp Response
	op := func() error {
		r, err := c.roundTrip(ctx, body)
		if err != nil {
			if ctx.Err() != nil || !harnesserr.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying protocol call", "method", method, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error.toError()
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return harnesserr.Wrap(harnesserr.KindProtocol, harnesserr.CodeMalformedResponse, err, "decoding %s result", method)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+RPCPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, harnesserr.Wrap(harnesserr.KindProtocol, harnesserr.CodeUnreachable, err, "calling %s", c.endpoint)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxRequestBytes))
	if err != nil {
		return Response{}, harnesserr.Wrap(harnesserr.KindProtocol, harnesserr.CodeMalformedResponse, err, "reading response")
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, harnesserr.Wrap(harnesserr.KindProtocol, harnesserr.CodeMalformedResponse, err,
			"decoding response (HTTP %d)", httpResp.StatusCode)
	}
	if resp.Error == nil && httpResp.StatusCode != http.StatusOK {
		return Response{}, harnesserr.New(harnesserr.KindProtocol, harnesserr.CodeMalformedResponse,
			"unexpected HTTP status %d", httpResp.StatusCode)
	}
	return resp, nil
}

// Initialize starts the task's session.
func (c *Client) Initialize(ctx context.Context, taskID, benchmark string) (*InitializeResult, error) {
	var out InitializeResult
	if err := c.Call(ctx, MethodInitialize, InitializeParams{TaskID: taskID, Benchmark: benchmark}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Observe fetches the current compressed observation.
func (c *Client) Observe(ctx context.Context, includeScreenshot bool) (*observation.Compressed, error) {
	var out observation.Compressed
	if err := c.Call(ctx, MethodObserve, ObserveParams{IncludeScreenshot: includeScreenshot}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs a batch of actions.
func (c *Client) Execute(ctx context.Context, actions ...action.Action) (*BatchResult, error) {
	raw := make([]json.RawMessage, 0, len(actions))
	for _, a := range actions {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding action: %w", err)
		}
		raw = append(raw, data)
	}
	return c.ExecuteRaw(ctx, raw)
}

// ExecuteRaw runs a batch of already-encoded actions.
func (c *Client) ExecuteRaw(ctx context.Context, actions []json.RawMessage) (*BatchResult, error) {
	var out BatchResult
	if err := c.Call(ctx, MethodExecute, ExecuteParams{Actions: actions}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Describe fetches the tool metadata.
func (c *Client) Describe(ctx context.Context) (*DescribeResult, error) {
	var out DescribeResult
	if err := c.Call(ctx, MethodDescribe, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close closes a session; an empty id closes the active one.
func (c *Client) Close(ctx context.Context, sessionID string) (*CloseResult, error) {
	var out CloseResult
	if err := c.Call(ctx, MethodClose, CloseParams{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	var out HealthResult
	if err := c.Call(ctx, MethodHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
