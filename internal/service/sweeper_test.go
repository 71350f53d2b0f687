package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

func (e *env) sweeper(c *clock, staleAfter time.Duration) *service.Sweeper {
	return &service.Sweeper{Jobs: e.f.Jobs, Tasks: e.f.Tasks, StaleAfter: staleAfter, Now: c.Now, Log: zerolog.Nop()}
}

func TestSweeperRequeuesStaleTasksAndDropsOldClaims(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := newClock()
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)

	sw := e.sweeper(c, 15*time.Minute)
	n, err := sw.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(16 * time.Minute)
	n, err = sw.RequeueStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, model.TaskPending, e.f.Task(req.TaskID).Status)

	// The request issued before the requeue can no longer send.
	adapter := &fakeAdapter{}
	require.NoError(t, e.sender(adapter, &recordingQueue{}).Attempt(ctx, req))
	assert.Empty(t, adapter.Calls())
}

func TestSweeperStaleDisabled(t *testing.T) {
	e := newEnv(t)
	c := newClock()
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	e.claimOne(t, job.ID)
	c.Advance(24 * time.Hour)

	n, err := e.sweeper(c, 0).RequeueStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperCompletesJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := newClock()
	acc := e.f.SendGridAccount()
	done, _ := e.f.Job(acc, model.JobRunning, 60, 1)
	open, _ := e.f.Job(acc, model.JobRunning, 60, 1)

	req := e.claimOne(t, done.ID)
	_, err := e.f.Tasks.MarkSent(ctx, repository.SentUpdate{TaskID: req.TaskID, JobID: done.ID, Token: req.ClaimToken, SentAt: c.Now()})
	require.NoError(t, err)

	require.NoError(t, e.sweeper(c, 15*time.Minute).Run(ctx))

	got, err := e.f.Jobs.GetByID(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	got, err = e.f.Jobs.GetByID(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
}
