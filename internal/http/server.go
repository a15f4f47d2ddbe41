package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"squeeze/pkg/jobs"
	"squeeze/pkg/squeeze"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxRequestBytes        = 1 << 20
)

type iCompactor interface {
	Compact(ctx context.Context, criteria *types.CompactionCriteria) (squeeze.Result, error)
}

// iJobQueue - асинхронная очередь компакций
type iJobQueue interface {
	Submit(criteria types.CompactionCriteria) (jobs.Job, error)
	Get(id string) (jobs.Job, bool)
}

// Server exposes compaction over HTTP.
type Server struct {
	compactor  iCompactor
	jobs       iJobQueue
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	URL        string
	addr       string

	ReadHeaderTimeout time.Duration
}

// NewServer creates a new server instance. queue may be nil, then the job
// endpoints are not mounted.
func NewServer(compactor iCompactor, queue iJobQueue, gatherer prometheus.Gatherer, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		compactor:         compactor,
		jobs:              queue,
		gatherer:          gatherer,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		ReadHeaderTimeout: time.Second,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler returns the API routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Post("/api/compact", s.handleCompact)

	if s.jobs != nil {
		r.Post("/api/jobs", s.handleSubmit)
		r.Get("/api/jobs/{id}", s.handleJob)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) readCriteria(w http.ResponseWriter, r *http.Request) (types.CompactionCriteria, bool) {
	var criteria types.CompactionCriteria
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&criteria); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse criteria: "+err.Error()))
		return criteria, false
	}
	return criteria, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	criteria, ok := s.readCriteria(w, r)
	if !ok {
		return
	}

	res, err := s.compactor.Compact(r.Context(), &criteria)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("compaction failed", "source", criteria.SourcePath, "error", err)
		}
		s.writeJSON(w, status, NewFailureResponse(err, res))
		return
	}

	s.writeJSON(w, http.StatusOK, NewResultResponse(res))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	criteria, ok := s.readCriteria(w, r)
	if !ok {
		return
	}

	job, err := s.jobs.Submit(criteria)
	switch {
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	case err != nil:
		s.writeJSON(w, statusFor(err), NewFailureResponse(err, squeeze.Result{}))
		return
	}

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, NewJobResponse(job))
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Job not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewJobResponse(job))
}

func statusFor(err error) int {
	switch squeezeerr.KindOf(err) {
	case squeezeerr.KindValidation:
		return http.StatusBadRequest
	case squeezeerr.KindPermission:
		return http.StatusForbidden
	case squeezeerr.KindLocked:
		return http.StatusConflict
	case squeezeerr.KindCompaction:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
