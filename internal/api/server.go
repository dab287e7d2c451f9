// ABOUTME: HTTP server for the coordination API: routing, lifecycle, and
// ABOUTME: the error-to-status mapping shared by all handlers

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/muster/internal/bus"
	"github.com/2389/muster/internal/lifecycle"
	"github.com/2389/muster/internal/store"
)

// Server exposes the coordination core over HTTP.
type Server struct {
	store   store.Store
	manager *lifecycle.Manager
	bus     *bus.Bus
	logger  *slog.Logger

	httpServer *http.Server
}

// New creates a server bound to addr. Call Start to begin serving.
func New(addr string, st store.Store, mgr *lifecycle.Manager, b *bus.Bus) *Server {
	s := &Server{
		store:   st,
		manager: mgr,
		bus:     b,
		logger:  slog.Default().With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes builds the full handler tree. Exposed to tests via Handler.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentRoutes)
	mux.HandleFunc("/api/requests", s.handleRequests)
	mux.HandleFunc("/api/requests/", s.handleRequestRoutes)
	mux.HandleFunc("/api/activities", s.handleActivities)
	mux.HandleFunc("/api/conflicts", s.handleConflicts)
	mux.HandleFunc("/api/conflicts/", s.handleConflictRoutes)

	mux.HandleFunc("/ws/events", s.handleEventStream)

	return mux
}

// Handler returns the server's routing tree.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps domain errors to HTTP status codes. Conflicting
// concurrent transitions and busy agents are all 409: the request was
// well-formed but the current state rejects it.
func statusForError(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrAgentBusy),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, store.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("internal error", "error", err)
		s.sendJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.sendJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}
