// Package api serves the monitor's operations endpoints: health probes,
// metrics scraping, and per-job status and termination.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"drmadapter/internal/apperrors"
	"drmadapter/internal/drm"
	"drmadapter/internal/health"
	"drmadapter/internal/job"
)

// JobController queries and terminates jobs. Implemented by *job.Controller.
type JobController interface {
	Decode(ctx context.Context, task *job.Task) string
	Kill(ctx context.Context, task *job.Task) error
}

var _ JobController = (*job.Controller)(nil)

// JobStatusResponse is the body of GET /v1/jobs/{jobId}.
type JobStatusResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Handler contains the HTTP handlers.
type Handler struct {
	jobs   JobController
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(jobs JobController, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:   jobs,
		health: healthChecker,
	}
}

// GetJob handles GET /v1/jobs/{jobId}. The status text is always returned;
// the HTTP status distinguishes an unknown job (404) from a failed query (503).
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	task, err := taskFromPath(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := h.jobs.Decode(r.Context(), task)

	code := http.StatusOK
	switch status {
	case job.StatusNoJob:
		code = http.StatusNotFound
	case job.StatusQueryFailed:
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, JobStatusResponse{JobID: task.JobID.String(), Status: status})
}

// KillJob handles DELETE /v1/jobs/{jobId}. Termination is requested, not
// awaited.
func (h *Handler) KillJob(w http.ResponseWriter, r *http.Request) {
	task, err := taskFromPath(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.jobs.Kill(r.Context(), task); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// taskFromPath builds a task handle for the job named in the path. Only the
// job id is known; the task uid is not tracked by the resource manager.
func taskFromPath(r *http.Request) (*job.Task, error) {
	id, err := drm.ParseJobID(r.PathValue("jobId"))
	if err != nil {
		return nil, apperrors.Validation("jobId", err.Error())
	}
	return &job.Task{JobID: &id}, nil
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the resource manager session is unavailable. A degraded
// notifier still reports ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps adapter and resource manager errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, drm.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
