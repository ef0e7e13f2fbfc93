// Package api exposes dispatch, status and schedule inspection over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workq/internal/domain"
	"workq/internal/engine"
	"workq/internal/registry"
	"workq/internal/scheduler"
	"workq/internal/store"
)

// Engine is the producer API the server fronts.
type Engine interface {
	Dispatch(ctx context.Context, task string, args any, opts engine.Options) (string, error)
	Status(ctx context.Context, id string) (domain.Status, error)
	List(ctx context.Context, opts store.ListOpts) ([]domain.Status, error)
	Revoke(ctx context.Context, id string) (domain.Status, error)
	ResolveQueue(task string) (string, error)
}

// Schedules reports periodic entries. It is optional.
type Schedules interface {
	Entries(ctx context.Context) ([]scheduler.EntryStatus, error)
	History(ctx context.Context, entry string, limit int) ([]store.Fire, error)
}

// Check is a named readiness probe for /health.
type Check func(ctx context.Context) error

// RequestRecorder counts served requests.
type RequestRecorder interface {
	Request(method string, code int)
}

type Config struct {
	Engine    Engine
	Registry  *registry.Registry
	Schedules Schedules
	Gatherer  prometheus.Gatherer
	Requests  RequestRecorder
	Checks    map[string]Check
	Debug     bool
	Logger    *zerolog.Logger
}

type Server struct {
	r        *chi.Mux
	engine   Engine
	registry *registry.Registry
	sched    Schedules
	checks   map[string]Check
	requests RequestRecorder
	log      zerolog.Logger
	validate *validator.Validate
}

func NewServer(cfg Config) http.Handler {
	r := chi.NewRouter()
	s := &Server{
		r:        r,
		engine:   cfg.Engine,
		registry: cfg.Registry,
		sched:    cfg.Schedules,
		checks:   cfg.Checks,
		requests: cfg.Requests,
		log:      log.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	}
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/health", s.health)
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/registered", s.registeredTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/revoke", s.revokeTask)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{name}/history", s.scheduleHistory)
	})

	if cfg.Debug {
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

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			if s.requests != nil {
				s.requests.Request(r.Method, code)
			}
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", code).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	state := "ok"
	if code != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": state, "checks": status})
}

type submitReq struct {
	Task  string          `json:"task" validate:"required"`
	Args  json.RawMessage `json:"args"`
	Queue string          `json:"queue"`
	ETA   *time.Time      `json:"eta"`
	// Countdown delays the first attempt, in seconds.
	Countdown  float64 `json:"countdown" validate:"gte=0"`
	MaxRetries *int    `json:"max_retries" validate:"omitempty,gte=0"`
	ID         string  `json:"id" validate:"omitempty,max=128"`
}

type submitResp struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := engine.Options{
		Queue:      req.Queue,
		Delay:      time.Duration(req.Countdown * float64(time.Second)),
		MaxRetries: req.MaxRetries,
		ID:         req.ID,
	}
	if req.ETA != nil {
		opts.ETA = *req.ETA
	}
	var args any
	if len(req.Args) > 0 {
		args = req.Args
	}
	id, err := s.engine.Dispatch(r.Context(), req.Task, args, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	st, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id, Queue: st.Queue})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOpts{
		State: domain.State(q.Get("state")),
		Task:  q.Get("task"),
		Queue: q.Get("queue"),
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}
	if opts.State != "" && !opts.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+string(opts.State))
		return
	}
	tasks, err := s.engine.List(r.Context(), opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) revokeTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type registeredTask struct {
	Name       string  `json:"name"`
	Queue      string  `json:"queue"`
	MaxRetries int     `json:"max_retries"`
	HardLimit  string  `json:"hard_limit,omitempty"`
	SoftLimit  string  `json:"soft_limit,omitempty"`
	RateLimit  float64 `json:"rate_limit,omitempty"`
}

func (s *Server) registeredTasks(w http.ResponseWriter, r *http.Request) {
	out := []registeredTask{}
	if s.registry != nil {
		for _, name := range s.registry.Names() {
			def, err := s.registry.Lookup(name)
			if err != nil {
				continue
			}
			queue, err := s.engine.ResolveQueue(name)
			if err != nil {
				continue
			}
			rt := registeredTask{Name: name, Queue: queue, MaxRetries: def.MaxRetries, RateLimit: def.RateLimit}
			if def.HardLimit > 0 {
				rt.HardLimit = def.HardLimit.String()
			}
			if def.SoftLimit > 0 {
				rt.SoftLimit = def.SoftLimit.String()
			}
			out = append(out, rt)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, []scheduler.EntryStatus{})
		return
	}
	entries, err := s.sched.Entries(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) scheduleHistory(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "no schedules configured")
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if limit == 0 {
		limit = 20
	}
	fires, err := s.sched.History(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if fires == nil {
		fires = []store.Fire{}
	}
	writeJSON(w, http.StatusOK, fires)
}

// fail maps engine errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownTask):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrBrokerUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAlreadyExists):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must be >= 0")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
