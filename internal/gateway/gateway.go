// Package gateway is the thin HTTP surface over the task core: REST
// commands under /v1, the execution event feed over SSE and WebSocket,
// health and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskd/internal/approval"
	"github.com/basket/taskd/internal/engine"
	"github.com/basket/taskd/internal/eventlog"
	"github.com/basket/taskd/internal/metrics"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/router"
	"github.com/basket/taskd/internal/scheduler"
)

const defaultListLimit = 50

// Engine is the part of the execution engine the gateway needs.
type Engine interface {
	Cancel(executionID string) bool
	Status() engine.Status
}

// Profiles exposes router health without credentials.
type Profiles interface {
	Snapshot() []router.Profile
	HealthCounts() map[router.Health]int
}

type Config struct {
	Store     *persistence.Store
	Scheduler *scheduler.Scheduler
	Events    *eventlog.Log
	Gate      *approval.Gate
	Engine    Engine
	Profiles  Profiles
	Metrics   *metrics.Collector
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// AuthToken is the bearer token for /v1. Empty disables authentication.
	AuthToken string

	RateLimitRPS   float64
	RateLimitBurst int

	// AllowOrigins lists accepted Origin patterns for browsers, both for
	// CORS and WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string

	MaxBodyBytes int64
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	mux     *http.ServeMux
	auth    *AuthMiddleware
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("taskd")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		mux:     http.NewServeMux(),
		auth:    NewAuthMiddleware(cfg.AuthToken),
		limiter: NewRateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.mux
	m.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Metrics != nil {
		m.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}
	m.HandleFunc("GET /v1/status", s.handleStatus)

	m.HandleFunc("GET /v1/tasks", s.handleListTasks)
	m.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	m.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	m.HandleFunc("DELETE /v1/tasks/{id}", s.handleDeleteTask)
	m.HandleFunc("POST /v1/tasks/{id}/pause", s.handlePauseTask)
	m.HandleFunc("POST /v1/tasks/{id}/resume", s.handleResumeTask)
	m.HandleFunc("POST /v1/tasks/{id}/run", s.handleRunTask)
	m.HandleFunc("GET /v1/tasks/{id}/executions", s.handleListExecutions)
	m.HandleFunc("POST /v1/hooks/{id}", s.handleWebhook)

	m.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	m.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancelExecution)
	m.HandleFunc("GET /v1/executions/{id}/events", s.handleEvents)
	m.HandleFunc("GET /v1/executions/{id}/stream", s.handleStream)
	m.HandleFunc("POST /v1/executions/{id}/ack", s.handleAck)

	m.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	m.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprove)
	m.HandleFunc("POST /v1/approvals/{id}/reject", s.handleReject)

	m.HandleFunc("GET /v1/profiles", s.handleProfiles)
	m.HandleFunc("GET /v1/audit", s.handleAudit)
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.auth.Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.observe(h)
}

// StartEviction drops idle rate limiter entries until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.TaskCounts(r.Context())
	dbOK := err == nil
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"tasks":   counts,
	}
	if s.cfg.Engine != nil {
		st := s.cfg.Engine.Status()
		payload["draining"] = st.Draining
		if st.Draining {
			payload["healthy"] = false
		}
	}
	status := http.StatusOK
	if healthy, _ := payload["healthy"].(bool); !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// StatusReport is the body of GET /v1/status.
type StatusReport struct {
	Engine           engine.Status                  `json:"engine"`
	Tasks            map[persistence.TaskStatus]int `json:"tasks"`
	Profiles         map[router.Health]int          `json:"profiles"`
	PendingApprovals int                            `json:"pending_approvals"`
	SchemaVersion    int                            `json:"schema_version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var rep StatusReport
	if s.cfg.Engine != nil {
		rep.Engine = s.cfg.Engine.Status()
	}
	counts, err := s.cfg.Store.TaskCounts(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rep.Tasks = counts
	if s.cfg.Profiles != nil {
		rep.Profiles = s.cfg.Profiles.HealthCounts()
	}
	if s.cfg.Gate != nil {
		pending, err := s.cfg.Gate.List(ctx, persistence.ApprovalPending, 0)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		rep.PendingApprovals = len(pending)
	}
	rep.SchemaVersion, _, _ = s.cfg.Store.SchemaVersion(ctx)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	profiles := []router.Profile{}
	if s.cfg.Profiles != nil {
		profiles = s.cfg.Profiles.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Store.ListAudit(r.Context(), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []persistence.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": recs})
}

// errorBody is every non-2xx JSON response.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Rule  string `json:"rule,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps core errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *scheduler.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field, Rule: ve.Rule})
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrTaskRunning),
		errors.Is(err, scheduler.ErrTaskPaused),
		errors.Is(err, scheduler.ErrInvalidState),
		errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrBadToken):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrEngineDraining):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func queryUint(r *http.Request, name string) uint64 {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
