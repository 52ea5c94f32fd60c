package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dreschagin/image-studio/internal/httpx"
	"github.com/dreschagin/image-studio/internal/studio"
)

// JobReader exposes recorded jobs.
type JobReader interface {
	Jobs(ctx context.Context, limit int) ([]*studio.Job, error)
	Job(ctx context.Context, id string) (*studio.Job, error)
}

type JobsHandler struct {
	jobs   JobReader
	logger *slog.Logger
}

func NewJobsHandler(jobs JobReader, logger *slog.Logger) *JobsHandler {
	return &JobsHandler{jobs: jobs, logger: logger}
}

type jobsResponse struct {
	Jobs  []*studio.Job `json:"jobs"`
	Count int           `json:"count"`
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := h.jobs.Jobs(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*studio.Job{}
	}

	httpx.WriteJSON(w, http.StatusOK, jobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, studio.ErrHistoryDisabled):
		httpx.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, studio.ErrJobNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("job history request failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
