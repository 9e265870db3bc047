package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	harnesserr "github.com/lemon07r/webgauge/internal/errors"
)

// RPCPath is the HTTP route of the protocol.
const RPCPath = "/rpc"

const (
	maxRequestBytes = 8 << 20
	shutdownTimeout = 5 * time.Second
)

// Handler returns the HTTP transport: POST /rpc for calls, GET /healthz for probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RPCPath, s.serveRPC)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Health())
	})
	return mux
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: errorInfo(harnesserr.Wrap(harnesserr.KindProtocol,
			harnesserr.CodeMalformedResponse, err, "decoding request"))})
		return
	}
	// A disconnecting client must not abort actions already under way.
	ctx := context.WithoutCancel(r.Context())
	writeJSON(w, http.StatusOK, s.Handle(ctx, req))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP transport on l until ctx is cancelled, then shuts it down.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving protocol: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return nil
	}
}

// Endpoint returns the base URL clients use for a listener.
func Endpoint(l net.Listener) string {
	return "http://" + l.Addr().String()
}
