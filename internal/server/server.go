package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/job"
	"github.com/copyleftdev/esbench/internal/logging"
	"github.com/copyleftdev/esbench/internal/runner"
)

// Repetition statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var _ runner.Tracker = (*Server)(nil)

// RepState tracks one repetition of the running experiment.
type RepState struct {
	Rep         int                  `json:"rep"`
	Status      string               `json:"status"`
	Iterations  int                  `json:"iterations"`
	Progress    float64              `json:"progress"`
	Latest      *job.IterationRecord `json:"latest,omitempty"`
	Error       string               `json:"error,omitempty"`
	StartTime   time.Time            `json:"start_time"`
	EndTime     *time.Time           `json:"end_time,omitempty"`
	LastUpdated time.Time            `json:"last_updated"`

	cancel context.CancelFunc
}

func (s *RepState) terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Server is the status board of an experiment run. It records repetition
// progress as a runner.Tracker and serves it over HTTP.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics http.Handler
	now     func() time.Time

	reps   map[int]*RepState
	repsMu sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates a status server for cfg.
func NewServer(cfg *config.Config, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.WithField("component", "server"),
		now:    time.Now,
		reps:   make(map[int]*RepState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Started implements runner.Tracker.
func (s *Server) Started(rep, iterations int, cancel context.CancelFunc) {
	now := s.now()
	s.repsMu.Lock()
	defer s.repsMu.Unlock()
	s.reps[rep] = &RepState{
		Rep:         rep,
		Status:      StatusRunning,
		Iterations:  iterations,
		StartTime:   now,
		LastUpdated: now,
		cancel:      cancel,
	}
}

// Progress implements runner.Tracker.
func (s *Server) Progress(rep int, rec job.IterationRecord) {
	s.repsMu.Lock()
	defer s.repsMu.Unlock()
	st, ok := s.reps[rep]
	if !ok {
		return
	}
	st.Latest = &rec
	if st.Iterations > 0 {
		st.Progress = float64(rec.Iteration+1) / float64(st.Iterations)
	}
	st.LastUpdated = s.now()
}

// Finished implements runner.Tracker.
func (s *Server) Finished(rep int, err error) {
	now := s.now()
	s.repsMu.Lock()
	defer s.repsMu.Unlock()
	st, ok := s.reps[rep]
	if !ok {
		return
	}
	switch {
	case err == nil:
		st.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		st.Status = StatusCancelled
	default:
		st.Status = StatusFailed
		st.Error = err.Error()
	}
	st.EndTime = &now
	st.LastUpdated = now
	st.cancel = nil
}

// Handler builds the router with the standard middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(errors.RecoveryMiddleware(s.logger))
	r.Use(errors.ErrorHandler(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the metrics and status endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", s.handleList)
		r.Get("/runs/{rep}", s.handleStatus)
		r.Delete("/runs/{rep}", s.handleCancel)
	})
}

// ListenAndServe serves Handler on the configured port until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", map[string]interface{}{"address": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrapf(err, errors.KindUnknown, "listen on %s", httpServer.Addr)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "server forced to shutdown")
	}
	s.logger.Info("Server stopped")
	return nil
}

// Runs returns a snapshot of every tracked repetition ordered by index.
func (s *Server) Runs() []RepState {
	s.repsMu.RLock()
	defer s.repsMu.RUnlock()

	out := make([]RepState, 0, len(s.reps))
	for _, st := range s.reps {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rep < out[j].Rep })
	return out
}

// Cancel stops a running repetition.
func (s *Server) Cancel(rep int) error {
	s.repsMu.Lock()
	defer s.repsMu.Unlock()

	st, ok := s.reps[rep]
	if !ok {
		return errors.Errorf(errors.KindState, "repetition %d not found", rep).WithOperation("Server.Cancel")
	}
	if st.terminal() {
		return errors.Errorf(errors.KindState, "cannot cancel repetition with status: %s", st.Status).
			WithOperation("Server.Cancel")
	}

	if st.cancel != nil {
		st.cancel()
	}
	now := s.now()
	st.Status = StatusCancelled
	st.EndTime = &now
	st.LastUpdated = now

	s.logger.Info("Repetition cancelled", map[string]interface{}{"rep": rep})
	return nil
}

// Close cancels every running repetition.
func (s *Server) Close() error {
	s.repsMu.Lock()
	defer s.repsMu.Unlock()

	for _, st := range s.reps {
		if st.cancel != nil {
			st.cancel()
		}
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	runs := s.Runs()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"experiment":  s.cfg.Name,
		"repetitions": s.cfg.Repetitions,
		"runs":        runs,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.repParam(w, r)
	if !ok {
		return
	}

	s.repsMu.RLock()
	st, exists := s.reps[rep]
	var snapshot RepState
	if exists {
		snapshot = *st
	}
	s.repsMu.RUnlock()

	if !exists {
		respondError(w, http.StatusNotFound, fmt.Sprintf("repetition %d not found", rep))
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.repParam(w, r)
	if !ok {
		return
	}

	if err := s.Cancel(rep); err != nil {
		status := http.StatusConflict
		s.repsMu.RLock()
		_, exists := s.reps[rep]
		s.repsMu.RUnlock()
		if !exists {
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func (s *Server) repParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "rep")
	rep, err := strconv.Atoi(raw)
	if err != nil || rep < 0 {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid repetition %q", raw))
		return 0, false
	}
	return rep, true
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{"error": msg})
}
