package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/orchestrator"
	"github.com/fentz26/nvrpanel/internal/recorder"
	"github.com/fentz26/nvrpanel/internal/scheduler"
	"github.com/fentz26/nvrpanel/internal/store"
	"github.com/fentz26/nvrpanel/internal/update"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Server provides the HTTP API for nvrpanel.
type Server struct {
	service *Service
	store   *store.Store
	metrics http.Handler
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server. metrics may be nil.
func NewServer(service *Service, st *store.Store, addr string, metrics http.Handler) *Server {
	return &Server{
		service: service,
		store:   st,
		metrics: metrics,
		addr:    addr,
		logger:  service.logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.get(s.handleStatus))
	mux.HandleFunc("/prerequisites", s.get(s.handlePrerequisites))
	mux.HandleFunc("/install", s.post(s.handleInstall))
	mux.HandleFunc("/cancel", s.post(s.handleCancel))
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/container/logs", s.get(s.handleLogs))
	mux.HandleFunc("/container/", s.post(s.handleContainer))
	mux.HandleFunc("/jobs", s.get(s.handleJobs))
	mux.HandleFunc("/jobs/", s.get(s.handleJobByID))
	mux.HandleFunc("/history", s.get(s.handleHistory))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting nvrpanel API", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: update.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePrerequisites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Prerequisites(r.Context()))
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.SubmitInstall()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.service.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleConfig handles GET /config and PUT /config
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.Config())
	case http.MethodPut:
		var cfg recorder.Config
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&cfg); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.service.SaveConfig(r.Context(), &cfg); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleContainer handles POST /container/{start,stop,restart}
func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/container/")
	job, err := s.service.SubmitContainer(op)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "tail must be a non-negative integer", http.StatusBadRequest)
			return
		}
		tail = n
	}
	out, err := s.service.Logs(r.Context(), tail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(out))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.service.Jobs()
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	job, err := s.service.Job(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	h, err := s.service.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if h.Decisions == nil {
		h.Decisions = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, h)
}

// errorResponse is the body of every JSON error.
type errorResponse struct {
	Error      string               `json:"error"`
	Violations []recorder.Violation `json:"violations,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *recorder.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Violations: verr.Violations})
		return
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrPhaseOrder):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrJobNotFound), errors.Is(err, ErrUnknownOperation):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrStopped):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
