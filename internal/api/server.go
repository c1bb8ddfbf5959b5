// Package api exposes the sync engine over HTTP: start a sync, poll its
// progress, list recent runs, and subscribe to live updates over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/selltide/marketsync/internal/job"
	"github.com/selltide/marketsync/internal/manager"
)

// Config holds HTTP server configuration
type Config struct {
	ListenAddr      string        `toml:"listen_addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// SyncManager is the control surface the API exposes
type SyncManager interface {
	StartSync(ctx context.Context) (job.Snapshot, bool, error)
	Progress(ctx context.Context, jobID string) (job.Snapshot, error)
	List(ctx context.Context, limit int) ([]job.Snapshot, error)
	Purge(ctx context.Context, jobID string) error
	Active() (job.Snapshot, bool)
}

// Server is the HTTP front of the sync engine
type Server struct {
	config  Config
	manager SyncManager
	hub     *Hub
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer creates the API server. The hub may be nil to disable the
// WebSocket endpoint.
func NewServer(config Config, mgr SyncManager, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		config:  config,
		manager: mgr,
		hub:     hub,
		logger:  logger,
	}

	s.httpSrv = &http.Server{
		Addr:        config.ListenAddr,
		Handler:     s.Handler(),
		ReadTimeout: config.ReadTimeout,
		// WriteTimeout stays 0: the WebSocket endpoint holds its
		// connection open indefinitely
	}

	return s
}

// Handler builds the route tree
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/syncs", s.handleStartSync)
		r.Get("/syncs", s.handleListSyncs)
		r.Get("/syncs/{jobID}", s.handleGetSync)
		r.Delete("/syncs/{jobID}", s.handlePurgeSync)

		if s.hub != nil {
			r.Get("/ws", s.hub.ServeHTTP)
		}
	})

	return r
}

// ListenAndServe runs the server until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info("api server listening", "addr", s.config.ListenAddr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and closes WebSocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "ok"}
	if snap, ok := s.manager.Active(); ok {
		status["active_job_id"] = snap.JobID
		status["active_state"] = snap.State
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleStartSync starts a sync, or reports the one already running. 202 for
// a fresh start, 200 when the active job's snapshot is returned instead.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	snap, started, err := s.manager.StartSync(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, snap)
}

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	snap, err := s.manager.Progress(r.Context(), jobID)
	if errors.Is(err, manager.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "no such sync job")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

// handlePurgeSync removes a finished run's durable snapshot
func (s *Server) handlePurgeSync(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	err := s.manager.Purge(r.Context(), jobID)
	switch {
	case errors.Is(err, manager.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "no such sync job")
	case errors.Is(err, manager.ErrJobActive):
		s.writeError(w, http.StatusConflict, "sync job is still active")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListSyncs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	snaps, err := s.manager.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"syncs": snaps})
}

// =============================================================================
// Response Helpers
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
