// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/batch"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/monitoring"
	"github.com/GorshkovIvan/voice-agent/internal/orchestrator"
	"github.com/GorshkovIvan/voice-agent/internal/task"
)

// maxBodyBytes caps submission payloads
const maxBodyBytes = 1 << 20

// ErrServerStarted is returned by Start on a server that has already started
var ErrServerStarted = errors.New("api server already started")

// Orchestrator is the subset of the orchestrator the API serves
type Orchestrator interface {
	Submit(ctx context.Context, description, prompt string) (string, error)
	GetResult(ctx context.Context, jobID string) (*task.Record, error)
	Status(ctx context.Context) ([]task.Summary, error)
	Metrics() monitoring.MetricsSnapshot
	Health(ctx context.Context) error
}

// SubmitRequest is the body of POST /api/tasks
type SubmitRequest struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt,omitempty"`
}

// SubmitResponse is returned for an accepted submission
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// ListResponse is returned by GET /api/tasks
type ListResponse struct {
	Tasks []task.Summary `json:"tasks"`
	Total int            `json:"total"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server provides the HTTP API for task submission and retrieval
type Server struct {
	addr     string
	orch     Orchestrator
	server   *http.Server
	serverMu sync.RWMutex
	logger   *logger.Logger

	ready chan struct{}
}

// Config holds server configuration
type Config struct {
	Addr         string // e.g., ":8080"
	Orchestrator Orchestrator
	Logger       *logger.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.ForComponent("api")
	}

	return &Server{
		addr:   cfg.Addr,
		orch:   cfg.Orchestrator,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)

	return s.withLogging(s.withCORS(mux))
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.serverMu.Lock()
	if s.server != nil {
		s.serverMu.Unlock()
		return ErrServerStarted
	}
	s.server = server
	s.serverMu.Unlock()

	close(s.ready)

	s.logger.Info("Starting API server", logger.Fields{
		"address": s.addr,
	})
	return server.ListenAndServe()
}

// Ready returns a channel that is closed when the server is ready
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.serverMu.RLock()
	server := s.server
	s.serverMu.RUnlock()

	if server == nil {
		return nil
	}

	s.logger.Info("Shutting down API server")
	return server.Shutdown(ctx)
}

// handleTasks handles task submission (POST) and listing (GET)
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode submission", logger.Fields{"error": err})
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := s.orch.Submit(r.Context(), req.Description, req.Prompt)
	if err != nil {
		status := submitStatus(err)
		if status >= 500 {
			s.logger.Error("Submission failed", logger.Fields{
				"description": req.Description,
				"error":       err,
			})
		}
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID})
}

// submitStatus maps a submission error to an HTTP status
func submitStatus(err error) int {
	var se *batch.SubmissionError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		if se.Kind == batch.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orch.Status(r.Context())
	if err != nil {
		s.logger.Error("Failed to list tasks", logger.Fields{"error": err})
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []task.Summary{}
	}
	s.writeJSON(w, http.StatusOK, ListResponse{Tasks: tasks, Total: len(tasks)})
}

// handleTaskByID returns the stored result of a finished job
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if jobID == "" || strings.Contains(jobID, "/") {
		s.writeError(w, http.StatusBadRequest, "job id required")
		return
	}

	rec, err := s.orch.GetResult(r.Context(), jobID)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "result not found")
		return
	case errors.Is(err, orchestrator.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("Failed to get result", logger.Fields{"job_id": jobID, "error": err})
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.Metrics())
}

// handleHealth reports result store health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	status := http.StatusOK
	if err := s.orch.Health(r.Context()); err != nil {
		s.logger.Error("Store health check failed", logger.Fields{"error": err})
		health["status"] = "unhealthy"
		health["store_error"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", logger.Fields{"error": err})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// Middleware: withLogging logs all HTTP requests
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request", logger.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// Middleware: withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
