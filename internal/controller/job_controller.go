// internal/controller/job_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

type JobService interface {
	GetJobWithStats(ctx context.Context, id int64) (*service.JobDetails, error)
	RetryFailed(ctx context.Context, id int64) (*service.RetryResult, error)
}

type JobController struct {
	JobService JobService
	Log        zerolog.Logger
}

func (c *JobController) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	details, err := c.JobService.GetJobWithStats(r.Context(), id)
	if err != nil {
		c.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// RetryFailed puts the job's failed tasks back in line.
func (c *JobController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	res, err := c.JobService.RetryFailed(r.Context(), id)
	if err != nil {
		c.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (c *JobController) writeError(w http.ResponseWriter, id int64, err error) {
	if appErrors.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	c.Log.Error().Err(err).Int64("job_id", id).Msg("job request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
