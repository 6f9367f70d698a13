package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/sdseal/internal/queue"
)

// handleRun handles POST /run. The input object is stored as received; the
// worker decides whether it is a valid envelope.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !isObject(req.Input) {
		s.writeError(w, http.StatusBadRequest, "input must be a JSON object")
		return
	}

	id, err := s.queue.Enqueue(r.Context(), req.Input)
	if err != nil {
		s.logger.Error("failed to enqueue job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.wake()

	s.logger.Info("job enqueued", "job_id", id, "input_bytes", len(req.Input))
	respondJSON(w, http.StatusOK, RunResponse{ID: id, Status: string(queue.StatusInQueue)})
}

// handleStatus handles GET /status/{jobID}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	j, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		ID:            j.ID,
		Status:        string(j.Status),
		Output:        j.Output,
		Error:         j.Error,
		DelayTime:     j.DelayTime().Milliseconds(),
		ExecutionTime: j.ExecutionTime().Milliseconds(),
	})
}

// handleCancel handles POST /cancel/{jobID}. Only queued jobs can be
// cancelled; a running job always finishes.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	err := s.queue.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, queue.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "job is no longer queued")
		return
	case err != nil:
		s.logger.Error("failed to cancel job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	s.logger.Info("job cancelled", "job_id", id)
	respondJSON(w, http.StatusOK, RunResponse{ID: id, Status: string(queue.StatusCancelled)})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	queued, inProgress, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Jobs:          JobsHealth{InQueue: queued, InProgress: inProgress},
	})
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
