package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
)

func TestSenderSuccessRecordsOneSentEvent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	adapter := &fakeAdapter{}
	s := e.sender(adapter, &recordingQueue{})

	require.NoError(t, s.Attempt(ctx, req))
	// A duplicate delivery of the same request does nothing.
	require.NoError(t, s.Attempt(ctx, req))

	assert.Len(t, adapter.Calls(), 1)
	got := e.f.Task(req.TaskID)
	assert.Equal(t, model.TaskSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SentAt)
	require.NotNil(t, got.ProviderMessageID)

	events, err := e.f.Events.ListByTask(ctx, req.TaskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSent, events[0].EventType)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "user1@example.com", payload["recipient"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestSenderTransientFailureSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	q := &recordingQueue{}
	s := e.sender(&fakeAdapter{errs: []error{appErrors.Transient(errors.New("503 from provider"))}}, q)

	require.NoError(t, s.Attempt(ctx, req))

	got := e.f.Task(req.TaskID)
	assert.Equal(t, model.TaskInProgress, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "503 from provider")
	assert.Equal(t, 1, got.Attempts)

	delayed := q.Delayed()
	require.Len(t, delayed, 1)
	assert.Equal(t, time.Minute, delayed[0].Delay)
	assert.Equal(t, queue.SendRequest{TaskID: req.TaskID, ClaimToken: req.ClaimToken, Attempt: 1}, delayed[0].Req)
}

func TestSenderRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	q := &recordingQueue{}
	adapter := &fakeAdapter{
		errs: []error{
			appErrors.Transient(errors.New("timeout 1")),
			appErrors.Transient(errors.New("timeout 2")),
			appErrors.Transient(errors.New("timeout 3")),
			appErrors.Transient(errors.New("timeout 4")),
		},
		repeat: true,
	}
	s := e.sender(adapter, q)

	require.NoError(t, s.Attempt(ctx, req))
	for i := 0; i < 10; i++ {
		delayed := q.Delayed()
		if len(delayed) <= i {
			break
		}
		require.NoError(t, s.Attempt(ctx, delayed[i].Req))
	}

	assert.Len(t, adapter.Calls(), 4)
	delayed := q.Delayed()
	require.Len(t, delayed, 3)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute},
		[]time.Duration{delayed[0].Delay, delayed[1].Delay, delayed[2].Delay})

	got := e.f.Task(req.TaskID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 4, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "timeout 4")

	events, err := e.f.Events.ListByTask(ctx, req.TaskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventFailed, events[0].EventType)
}

func TestSenderPermanentFailureFailsAtOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	q := &recordingQueue{}
	adapter := &fakeAdapter{errs: []error{appErrors.Permanent(errors.New("400 invalid recipient"))}}
	s := e.sender(adapter, q)

	require.NoError(t, s.Attempt(ctx, req))

	assert.Len(t, adapter.Calls(), 1)
	assert.Empty(t, q.Delayed())
	got := e.f.Task(req.TaskID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, *got.Error, "400 invalid recipient")

	// The terminal state survives a redelivered request.
	require.NoError(t, s.Attempt(ctx, req))
	assert.Len(t, adapter.Calls(), 1)
	assert.Equal(t, model.TaskFailed, e.f.Task(req.TaskID).Status)
}

func TestSenderIgnoresStaleClaim(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	adapter := &fakeAdapter{}
	s := e.sender(adapter, &recordingQueue{})

	stale := req
	stale.ClaimToken = "someone-else"
	require.NoError(t, s.Attempt(ctx, stale))
	require.NoError(t, s.Attempt(ctx, queueRequest(999, "x")))

	assert.Empty(t, adapter.Calls())
	assert.Equal(t, model.TaskInProgress, e.f.Task(req.TaskID).Status)
}

func TestSenderInactiveAccountFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	acc := &model.Account{
		UserID: 1, Provider: model.ProviderSendGrid, EmailAddress: "off@example.com",
		Config: model.APIKeyConfig{APIKey: "SG.x"}, IsActive: false,
	}
	require.NoError(t, e.f.Accounts.Create(ctx, acc))
	job, _ := e.f.Job(acc, model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	adapter := &fakeAdapter{}

	require.NoError(t, e.sender(adapter, &recordingQueue{}).Attempt(ctx, req))

	assert.Empty(t, adapter.Calls())
	got := e.f.Task(req.TaskID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, *got.Error, "inactive")
}

func TestSenderRetryPublishFailureKeepsTaskInProgress(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	s := e.sender(&fakeAdapter{errs: []error{errors.New("connection reset")}}, &recordingQueue{fail: true})

	require.NoError(t, s.Attempt(ctx, req))
	assert.Equal(t, model.TaskInProgress, e.f.Task(req.TaskID).Status)
}

func queueRequest(id int64, token string) queue.SendRequest {
	return queue.SendRequest{TaskID: id, ClaimToken: token}
}
