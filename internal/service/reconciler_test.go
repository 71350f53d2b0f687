package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

func (e *env) reconciler(events repository.EventRepositoryInterface) *service.Reconciler {
	if events == nil {
		events = e.f.Events
	}
	return &service.Reconciler{Store: e.store, Tasks: e.f.Tasks, Events: events, Log: zerolog.Nop()}
}

func records(t *testing.T, raw ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		require.True(t, json.Valid([]byte(r)), r)
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestReconcilerDuplicateBounceBatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, tasks := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	id := tasks[0].ID

	rec := fmt.Sprintf(`{"event":"bounce","custom_args":{"email_task_id":"%d"},"sg_message_id":"sg-1"}`, id)
	res, err := e.reconciler(nil).Ingest(ctx, records(t, rec, rec))
	require.NoError(t, err)
	assert.Equal(t, service.IngestResult{Received: 2, Applied: 2}, res)

	got := e.f.Task(id)
	assert.Equal(t, model.TaskBounced, got.Status)
	assert.Equal(t, "sg-1", *got.ProviderMessageID)

	events, err := e.f.Events.ListByTask(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "bounce", ev.EventType)
		assert.JSONEq(t, rec, string(ev.Payload))
	}
}

func TestReconcilerStatusMapping(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, tasks := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 6)

	cases := []struct {
		event string
		want  model.TaskStatus
	}{
		{"processed", model.TaskSent},
		{"delivered", model.TaskDelivered},
		{"open", model.TaskOpened},
		{"bounce", model.TaskBounced},
		{"dropped", model.TaskFailed},
		{"deferred", model.TaskPending},
	}
	var batch []string
	for i, tc := range cases {
		batch = append(batch, fmt.Sprintf(`{"event":%q,"custom_args":{"email_task_id":%d}}`, tc.event, tasks[i].ID))
	}
	res, err := e.reconciler(nil).Ingest(ctx, records(t, batch...))
	require.NoError(t, err)
	assert.Equal(t, len(cases), res.Applied)

	for i, tc := range cases {
		assert.Equal(t, tc.want, e.f.Task(tasks[i].ID).Status, tc.event)
	}
}

func TestReconcilerSkipsUncorrelatedRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, tasks := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	id := tasks[0].ID

	res, err := e.reconciler(nil).Ingest(ctx, records(t,
		`{"event":"delivered"}`,
		`{"event":"delivered","custom_args":{"email_task_id":"abc"}}`,
		`{"event":"delivered","custom_args":{"email_task_id":"424242"}}`,
		`["not","an","object"]`,
		fmt.Sprintf(`{"email_task_id":%d}`, id),
	))
	require.NoError(t, err)
	assert.Equal(t, service.IngestResult{Received: 5, Applied: 1, Skipped: 4}, res)

	events, err := e.f.Events.ListByTask(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventUnknown, events[0].EventType)
	assert.Equal(t, model.TaskPending, e.f.Task(id).Status)
}

func TestReconcilerSkipsUnstorableRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, tasks := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 2)

	batch := records(t,
		fmt.Sprintf(`{"event":"bounce","reason":"bad\u0000byte","custom_args":{"email_task_id":"%d"}}`, tasks[0].ID),
		fmt.Sprintf(`{"event":"open","custom_args":{"email_task_id":"%d","note":["x\u0000"]}}`, tasks[0].ID),
		fmt.Sprintf(`{"event":"delivered","custom_args":{"email_task_id":"%d"}}`, tasks[1].ID),
	)
	batch = append(batch, json.RawMessage(fmt.Sprintf("{\"event\":\"open\",\"email_task_id\":%d,\"ua\":\"\xff\"}", tasks[1].ID)))

	res, err := e.reconciler(nil).Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, service.IngestResult{Received: 4, Applied: 1, Skipped: 3}, res)

	assert.Equal(t, model.TaskPending, e.f.Task(tasks[0].ID).Status)
	assert.Equal(t, model.TaskDelivered, e.f.Task(tasks[1].ID).Status)
	events, err := e.f.Events.ListByTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReconcilerKeepsFirstMessageID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job, _ := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 1)
	req := e.claimOne(t, job.ID)
	require.NoError(t, e.sender(&fakeAdapter{}, &recordingQueue{}).Attempt(ctx, req))

	_, err := e.reconciler(nil).Ingest(ctx, records(t,
		fmt.Sprintf(`{"event":"delivered","sg_message_id":"other","custom_args":{"email_task_id":"%d"}}`, req.TaskID)))
	require.NoError(t, err)

	got := e.f.Task(req.TaskID)
	assert.Equal(t, model.TaskDelivered, got.Status)
	assert.Equal(t, fmt.Sprintf("msg-%d", req.TaskID), *got.ProviderMessageID)
}

type failingEvents struct {
	repository.EventRepositoryInterface
	calls  int
	failAt int
}

func (f *failingEvents) Append(ctx context.Context, ev *model.Event) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("disk full")
	}
	return f.EventRepositoryInterface.Append(ctx, ev)
}

func TestReconcilerStoreErrorDiscardsBatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, tasks := e.f.Job(e.f.SendGridAccount(), model.JobRunning, 60, 2)

	events := &failingEvents{EventRepositoryInterface: e.f.Events, failAt: 2}
	_, err := e.reconciler(events).Ingest(ctx, records(t,
		fmt.Sprintf(`{"event":"delivered","custom_args":{"email_task_id":%d}}`, tasks[0].ID),
		fmt.Sprintf(`{"event":"delivered","custom_args":{"email_task_id":%d}}`, tasks[1].ID),
	))
	require.Error(t, err)

	assert.Equal(t, model.TaskPending, e.f.Task(tasks[0].ID).Status)
	stored, err := e.f.Events.ListByTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
