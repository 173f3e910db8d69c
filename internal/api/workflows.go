package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"prompt-to-video/internal/models"
	"prompt-to-video/internal/workflow"
)

// handleDLQ returns dead-lettered run ids, oldest first.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.workflows.DeadLetters(r.Context(), limit)
	if err != nil {
		s.log.Errorw("read dlq", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type runResponse struct {
	Run   models.Run        `json:"run"`
	Audit []models.AuditLog `json:"audit"`
}

// handleGetRun returns a run with its audit trail.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run history unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, workflow.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		s.log.Errorw("read run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read run")
		return
	}
	audit, err := s.runs.AuditTrail(r.Context(), id)
	if err != nil {
		s.log.Errorw("read audit trail", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read run")
		return
	}
	if audit == nil {
		audit = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Audit: audit})
}
