package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/dbtest"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

func TestRouter(t *testing.T) {
	store := dbtest.New(t)
	f := dbtest.NewFixtures(t, store)
	job, tasks := f.Job(f.SendGridAccount(), model.JobRunning, 60, 2)
	r := NewRouter(store, zerolog.Nop())

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", "").Code)

	webhook := fmt.Sprintf(`[{"event":"dropped","custom_args":{"email_task_id":"%d"}}]`, tasks[0].ID)
	require.Equal(t, http.StatusOK, do(http.MethodPost, "/webhook/sendgrid", webhook).Code)

	rec := do(http.MethodGet, fmt.Sprintf("/jobs/%d", job.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var details service.JobDetails
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&details))
	assert.Equal(t, 1, details.Stats["failed"])
	assert.Equal(t, 1, details.Stats["pending"])

	rec = do(http.MethodPost, fmt.Sprintf("/jobs/%d/retry-failed", job.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.TaskPending, f.Task(tasks[0].ID).Status)

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/jobs/999", "").Code)

	metrics := do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `http_requests_total{method="GET",route="/jobs/{id}",status="200"}`)
}
