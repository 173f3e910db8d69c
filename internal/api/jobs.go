package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"prompt-to-video/internal/jobstore"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/pipeline"
	"prompt-to-video/internal/telemetry"
	"prompt-to-video/internal/workflow"
)

const startFailedMessage = "Could not start video generation."

type createJobRequest struct {
	Prompt      string `json:"prompt" validate:"notblank,max=4000"`
	Variant     string `json:"variant" validate:"omitempty,oneof=video short"`
	UserID      string `json:"userId" validate:"notblank,max=128"`
	ChatID      string `json:"chatId" validate:"max=128"`
	Description string `json:"description" validate:"max=5000"`
}

type createJobResponse struct {
	JobID string `json:"jobId"`
}

// handleCreateJob stores a placeholder job and starts the generate workflow.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if details := s.validate.Struct(req); len(details) > 0 {
		writeError(w, http.StatusBadRequest, "invalid request", details...)
		return
	}
	if req.Variant == "" {
		req.Variant = models.VariantVideo
	}

	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), req.UserID)
		if err != nil {
			s.log.Errorw("rate limiter failed", "user_id", req.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
	}

	job, err := s.jobs.Create(r.Context(), models.Job{
		ID:          uuid.NewString(),
		Status:      models.StatusGenerating,
		Variant:     req.Variant,
		Description: req.Description,
		Prompt:      req.Prompt,
		UserID:      req.UserID,
		ChatID:      req.ChatID,
		Step:        jobstore.StepQueued,
		Sources:     []models.Source{},
	})
	if err != nil {
		s.log.Errorw("create job", "error", err)
		writeError(w, http.StatusInternalServerError, startFailedMessage)
		return
	}

	_, err = s.workflows.Trigger(r.Context(), pipeline.Generate, models.GeneratePayload{
		JobID:       job.ID,
		Prompt:      req.Prompt,
		Variant:     req.Variant,
		Description: req.Description,
		UserID:      req.UserID,
		ChatID:      req.ChatID,
	}, workflow.TriggerOptions{IdempotencyKey: pipeline.Generate + ":" + job.ID})
	if err != nil {
		s.log.Errorw("trigger generate", "job_id", job.ID, "error", err)
		_ = s.jobs.MarkFailed(r.Context(), job.ID, startFailedMessage)
		writeError(w, http.StatusInternalServerError, startFailedMessage)
		return
	}

	telemetry.JobsStarted.WithLabelValues(req.Variant).Inc()
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// editNarrationRequest uses a pointer so a missing field is told apart from
// an empty draft.
type editNarrationRequest struct {
	NarrationDraft *string `json:"narrationDraft"`
}

type narrationResponse struct {
	Success         bool   `json:"success"`
	JobID           string `json:"jobId"`
	AlreadyApproved *bool  `json:"alreadyApproved,omitempty"`
}

func (s *Server) handleEditNarration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req editNarrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NarrationDraft == nil {
		writeError(w, http.StatusBadRequest, "narrationDraft must be a string")
		return
	}
	err := s.jobs.EditNarration(r.Context(), id, *req.NarrationDraft)
	if errors.Is(err, jobstore.ErrNoDraft) {
		writeError(w, http.StatusConflict, "Narration draft is not ready for editing")
		return
	}
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, narrationResponse{Success: true, JobID: id})
}

// handleApproveNarration approves the draft and, on the first approval only,
// starts the continue workflow with everything it needs in its payload.
func (s *Server) handleApproveNarration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	approval, job, err := s.jobs.Approve(r.Context(), id)
	if err != nil {
		telemetry.NarrationApprovals.WithLabelValues("rejected").Inc()
		s.jobError(w, err)
		return
	}

	if approval.ShouldTrigger {
		_, err := s.workflows.Trigger(r.Context(), pipeline.Continue, models.ContinuationPayload{
			JobID:           id,
			Prompt:          job.Prompt,
			VoiceoverScript: approval.Narration,
			UserID:          job.UserID,
			ChatID:          job.ChatID,
			Variant:         job.Variant,
			Sources:         job.Sources,
		}, workflow.TriggerOptions{IdempotencyKey: pipeline.Continue + ":" + id})
		if err != nil {
			s.log.Errorw("trigger continue", "job_id", id, "error", err)
			_ = s.jobs.MarkFailed(r.Context(), id, startFailedMessage)
			writeError(w, http.StatusInternalServerError, startFailedMessage)
			return
		}
		telemetry.NarrationApprovals.WithLabelValues("approved").Inc()
	} else {
		telemetry.NarrationApprovals.WithLabelValues("already_approved").Inc()
	}

	already := approval.AlreadyApproved
	writeJSON(w, http.StatusOK, narrationResponse{Success: true, JobID: id, AlreadyApproved: &already})
}

// jobError maps job store errors to responses.
func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobstore.ErrNarrationApproved):
		writeError(w, http.StatusConflict, "Narration already approved and can no longer be edited")
	case errors.Is(err, jobstore.ErrNoDraft):
		writeError(w, http.StatusBadRequest, "No narration draft available")
	default:
		s.log.Errorw("job store", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
