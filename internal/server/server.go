// Package server exposes the daemon's control surface: a loopback-only
// HTTP listener with JSON endpoints for submitting messages, resolving
// tool confirmations, managing scheduled jobs, and reading budget state,
// plus a WebSocket endpoint that streams completion chunks as they
// arrive. Binding a non-loopback address requires an explicit opt-in;
// without it construction fails with a SecurityError.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/schedule"
	"github.com/haasonsaas/valet/internal/usage"
)

// DefaultListen is the address the daemon binds when the config does not
// name one.
const DefaultListen = "127.0.0.1:8390"

// shutdownTimeout bounds graceful shutdown when the caller's context has
// no deadline of its own.
const shutdownTimeout = 5 * time.Second

// AgentRuntime is the slice of the agent runtime the control surface
// drives. Satisfied by *agent.Runtime.
type AgentRuntime interface {
	Submit(ctx context.Context, sessionID, text string) (agent.Outcome, error)
	SubmitStream(ctx context.Context, sessionID, text string, stream chan<- providers.StreamChunk) (agent.Outcome, error)
	Confirm(ctx context.Context, sessionID string) (agent.Outcome, error)
	Deny(ctx context.Context, sessionID string) (agent.Outcome, error)
}

// UsageReporter serves budget snapshots. Satisfied by *usage.Tracker.
type UsageReporter interface {
	Summary() usage.Summary
}

// Config wires the server's collaborators.
type Config struct {
	// Listen is the host:port to bind. Empty means DefaultListen.
	Listen string

	// AllowRemote permits binding non-loopback addresses. Off by
	// default; the daemon has no authentication layer.
	AllowRemote bool

	Runtime   AgentRuntime
	Scheduler *schedule.Scheduler
	Usage     UsageReporter

	// Metrics may be nil; recording methods and Handler degrade to
	// no-ops.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// Server is the daemon's HTTP control surface.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	handler  http.Handler
	http     *http.Server
	listener net.Listener
}

// New validates the listen address and builds the route table. A
// non-loopback address without AllowRemote returns a SecurityError.
func New(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: agent runtime is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if !cfg.AllowRemote {
		if err := requireLoopback(cfg.Listen); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "server"),
	}
	s.handler = s.withMetrics(s.routes())
	return s, nil
}

// requireLoopback rejects listen addresses that would expose the daemon
// beyond the local host.
func requireLoopback(listen string) error {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("server: invalid listen address %q: %w", listen, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return &providers.SecurityError{
			Message: fmt.Sprintf("listen address %q is not loopback; set server.allow_remote to bind it", listen),
		}
	}
	return nil
}

// routes builds the mux. Patterns use method prefixes, so mismatched
// verbs get 405 from the mux itself.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/sessions/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/sessions/{id}/deny", s.handleDeny)

	mux.HandleFunc("GET /v1/jobs", s.handleJobList)
	mux.HandleFunc("POST /v1/jobs", s.handleJobCreate)
	mux.HandleFunc("GET /v1/jobs/{name}", s.handleJobStatus)
	mux.HandleFunc("DELETE /v1/jobs/{name}", s.handleJobRemove)
	mux.HandleFunc("POST /v1/jobs/{name}/pause", s.handleJobPause)
	mux.HandleFunc("POST /v1/jobs/{name}/resume", s.handleJobResume)
	mux.HandleFunc("GET /v1/jobs/{name}/executions", s.handleJobExecutions)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())

	return mux
}

// Handler returns the full handler chain. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("control surface listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start. With a ":0" listen
// address this is where the kernel actually put us.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and closes the listener. A context
// without a deadline gets shutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}
	err := s.http.Shutdown(ctx)
	s.http = nil
	s.listener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
