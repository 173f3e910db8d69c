// Package api serves the job endpoints: start a job, read or stream its
// status, edit and approve the narration, and inspect workflow runs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"prompt-to-video/internal/config"
	"prompt-to-video/internal/jobstore"
	applog "prompt-to-video/internal/log"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/ratelimit"
	"prompt-to-video/internal/telemetry"
	"prompt-to-video/internal/workflow"
)

// Jobs is the job status store. *jobstore.Store implements it.
type Jobs interface {
	Create(ctx context.Context, job models.Job) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	EditNarration(ctx context.Context, id, draft string) error
	Approve(ctx context.Context, id string) (jobstore.Approval, models.Job, error)
	MarkFailed(ctx context.Context, id, message string) error
}

// Workflows starts runs and lists dead letters. *workflow.Engine implements it.
type Workflows interface {
	workflow.Triggerer
	DeadLetters(ctx context.Context, limit int64) ([]string, error)
}

// Runs reads run history. *workflow.PostgresRunStore implements it.
type Runs interface {
	GetRun(ctx context.Context, id string) (models.Run, error)
	AuditTrail(ctx context.Context, runID string) ([]models.AuditLog, error)
}

type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg       config.Config
	jobs      Jobs
	workflows Workflows
	runs      Runs
	limiter   Limiter
	validate  *Validator
	logger    *zap.Logger
	log       *zap.SugaredLogger
}

// New constructs the API server. limiter and runs may be nil.
func New(cfg config.Config, jobs Jobs, workflows Workflows, runs Runs, limiter Limiter, logger *zap.Logger) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Server{
		cfg:       cfg,
		jobs:      jobs,
		workflows: workflows,
		runs:      runs,
		limiter:   limiter,
		validate:  NewValidator(),
		logger:    logger,
		log:       logger.Sugar().Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(applog.Logger(s.logger, "http"))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Patch("/{id}/narration", s.handleEditNarration)
		r.Post("/{id}/narration/approve", s.handleApproveNarration)
	})

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/dlq", s.handleDLQ)
		r.Get("/runs/{id}", s.handleGetRun)
	})
	return r
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string, details ...string) {
	writeJSON(w, code, errorResponse{Error: msg, Details: details})
}
