package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"soundpress/internal/admission"
	"soundpress/internal/logging"
	"soundpress/internal/registry"
	"soundpress/internal/storage"
	"soundpress/internal/workqueue"
)

// Server serves the daemon's HTTP API.
type Server struct {
	bind      string
	token     string
	admit     *admission.Controller
	store     *registry.Store
	queue     *workqueue.Queue
	workspace *storage.Workspace
	workers   WorkerHealth
	logger    *slog.Logger

	listener net.Listener
	server   *http.Server
}

// WorkerHealth reports how many pipeline workers are running. The health
// endpoint degrades when the count reaches zero.
type WorkerHealth interface {
	Alive() int
}

// NewServer constructs the API server. Returns nil when bind is empty,
// which disables the HTTP surface entirely.
func NewServer(
	bind, token string,
	admit *admission.Controller,
	store *registry.Store,
	queue *workqueue.Queue,
	workspace *storage.Workspace,
	workers WorkerHealth,
	logger *slog.Logger,
) *Server {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil
	}

	srv := &Server{
		bind:      bind,
		token:     strings.TrimSpace(token),
		admit:     admit,
		store:     store,
		queue:     queue,
		workspace: workspace,
		workers:   workers,
		logger:    logging.NewComponentLogger(logger, "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/jobs", srv.requireAuth(srv.handleJobs))
	mux.HandleFunc("/jobs/", srv.requireAuth(srv.handleJobStatus))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Start begins serving. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down outside of context cancellation.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr reports the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// requireAuth enforces the bearer token when one is configured. The
// comparison is constant-time.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			header := r.Header.Get("Authorization")
			supplied, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(supplied), []byte(s.token)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
