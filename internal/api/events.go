package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"prompt-to-video/internal/jobstore"
	"prompt-to-video/internal/telemetry"
)

const clientRetry = 3 * time.Second

// handleJobEvents streams job snapshots as server-sent events. It sends one
// immediately, then one per StreamInterval, and closes after a terminal
// status. A client disconnect only stops this stream.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	telemetry.ActiveStreams.Inc()
	defer telemetry.ActiveStreams.Dec()

	fmt.Fprintf(w, "retry: %d\n\n", clientRetry.Milliseconds())
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()
	for {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			msg := "Failed to read job"
			if errors.Is(err, jobstore.ErrNotFound) {
				msg = "Job not found"
			} else {
				s.log.Warnw("stream read failed", "job_id", id, "error", err)
			}
			_ = writeEvent(w, "error", map[string]string{"error": msg})
			flusher.Flush()
			return
		}
		if err := writeEvent(w, "progress", job); err != nil {
			return
		}
		flusher.Flush()
		if job.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
