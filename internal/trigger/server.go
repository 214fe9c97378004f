// Package trigger exposes the local ways to ask a running agent for an
// immediate update cycle: an admin HTTP endpoint, a trigger file and
// SIGUSR1. Every surface only calls Controller.Trigger.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/wearable-pin/pindeploy/internal/observability"
	"github.com/wearable-pin/pindeploy/internal/scheduler"
)

// Controller is the part of the scheduler the trigger surfaces use.
type Controller interface {
	Trigger(source string) bool
	Status() scheduler.Status
}

// Response is the body of POST /trigger.
type Response struct {
	Queued    bool   `json:"queued"`
	Coalesced bool   `json:"coalesced"`
	Source    string `json:"source"`
}

// Server is the admin HTTP listener.
type Server struct {
	addr    string
	ctrl    Controller
	metrics *observability.Metrics
	logger  *observability.Logger
	version string

	server   *http.Server
	listener net.Listener
}

// NewServer returns an admin server for addr. metrics may be nil.
func NewServer(addr string, ctrl Controller, metrics *observability.Metrics, logger *observability.Logger, version string) *Server {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Server{
		addr:    addr,
		ctrl:    ctrl,
		metrics: metrics,
		logger:  logger.WithFields("component", "admin"),
		version: version,
	}
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /trigger", s.handleTrigger)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "admin server error", "error", err)
		}
	}()
	s.logger.Info(ctx, "admin server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = scheduler.SourceHTTP
	}
	queued := s.ctrl.Trigger(source)

	status := http.StatusAccepted
	if !queued {
		status = http.StatusOK
	}
	writeJSON(w, status, Response{Queued: queued, Coalesced: !queued, Source: source})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Version string `json:"version,omitempty"`
		scheduler.Status
	}{Version: s.version, Status: s.ctrl.Status()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
