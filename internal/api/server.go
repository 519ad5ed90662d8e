package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"tradeflow/internal/domain"
	"tradeflow/internal/queue"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/results"
	"tradeflow/internal/scheduler"
)

const (
	defaultAwaitTimeout = 5 * time.Second
	maxAwaitTimeout     = time.Minute
)

// Service is the operational surface the API exposes.
type Service interface {
	SubmitTask(t domain.Task) (string, error)
	GetResult(id string) (domain.TaskResult, bool)
	AwaitResult(ctx context.Context, id string, timeout time.Duration) (domain.TaskResult, error)
	CancelTask(id string) error
	GetStats() domain.Stats
	RateLimits() []ratelimit.BucketState
}

type Options struct {
	// Metrics serves GET /metrics when set.
	Metrics   http.Handler
	Schedules *scheduler.Service
	Debug     bool
}

type Server struct {
	svc       Service
	schedules *scheduler.Service
}

func NewServer(svc Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{svc: svc, schedules: opts.Schedules}

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/await", s.awaitTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Get("/stats", s.stats)
		r.Get("/limits", s.limits)
		if s.schedules != nil {
			r.Get("/schedules", s.listSchedules)
			r.Post("/schedules", s.createSchedule)
			r.Delete("/schedules/{name}", s.deleteSchedule)
			r.Post("/schedules/{name}/trigger", s.triggerSchedule)
		}
	})

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Type         domain.TaskType   `json:"type"`
	Priority     *domain.Priority  `json:"priority"`
	Payload      domain.Payload    `json:"payload"`
	Dependencies []string          `json:"dependencies"`
	MaxRetries   *int              `json:"max_retries"`
	TimeoutMS    int64             `json:"timeout_ms"`
	Metadata     map[string]string `json:"metadata"`
}

type submitResp struct {
	ID string `json:"id"`
}

type errorResp struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "type is required"})
		return
	}
	if req.TimeoutMS < 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "timeout_ms must not be negative"})
		return
	}

	t := domain.NewTask(req.Type, req.Payload)
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutMS > 0 {
		t.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	t.Dependencies = req.Dependencies
	t.Metadata = req.Metadata
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata["source"] = "api"

	id, err := s.svc.SubmitTask(t)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var adm *queue.AdmissionError
	switch {
	case errors.As(err, &adm):
		writeJSON(w, http.StatusTooManyRequests, errorResp{Error: err.Error(), Reason: adm.Reason})
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, queue.ErrUnknownTaskType),
		errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, queue.ErrUnknownDependency):
		writeError(w, http.StatusBadRequest, err)
	default:
		log.Error().Err(err).Msg("submit task")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	res, ok := s.svc.GetResult(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, results.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) awaitTask(w http.ResponseWriter, r *http.Request) {
	timeout := defaultAwaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "timeout must be a positive duration"})
			return
		}
		timeout = min(d, maxAwaitTimeout)
	}

	res, err := s.svc.AwaitResult(r.Context(), chi.URLParam(r, "id"), timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, results.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, results.ErrAwaitTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		// client went away
		writeError(w, http.StatusRequestTimeout, err)
	}
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch err := s.svc.CancelTask(id); {
	case err == nil:
		res, _ := s.svc.GetResult(id)
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, results.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrNotQueued):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st := s.svc.GetStats()
	writeJSON(w, http.StatusOK, struct {
		domain.Stats
		Utilization float64 `json:"utilization"`
	}{st, st.Utilization()})
}

func (s *Server) limits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RateLimits())
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schedules.Entries())
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sch scheduler.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.schedules.Add(sch); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	next, _ := scheduler.NextRunTime(sch.Cron, time.Now())
	writeJSON(w, http.StatusCreated, map[string]any{"name": sch.Name, "next_run": next})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.schedules.Remove(chi.URLParam(r, "name")) {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "schedule not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.hasSchedule(name) {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "schedule not found"})
		return
	}
	id, err := s.schedules.Trigger(name)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) hasSchedule(name string) bool {
	for _, e := range s.schedules.Entries() {
		if e.Name == name {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
