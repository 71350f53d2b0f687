package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/dbtest"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/provider"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

type env struct {
	store *repository.DB
	f     *dbtest.Fixtures
}

func newEnv(t *testing.T) *env {
	store := dbtest.New(t)
	return &env{store: store, f: dbtest.NewFixtures(t, store)}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Now().UTC().Truncate(time.Second)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type delayedRequest struct {
	Req   queue.SendRequest
	Delay time.Duration
}

// recordingQueue keeps published requests instead of delivering them.
type recordingQueue struct {
	mu        sync.Mutex
	published []queue.SendRequest
	delayed   []delayedRequest
	fail      bool
}

func (q *recordingQueue) Publish(_ context.Context, req queue.SendRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("broker unavailable")
	}
	q.published = append(q.published, req)
	return nil
}

func (q *recordingQueue) PublishDelayed(_ context.Context, req queue.SendRequest, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("broker unavailable")
	}
	q.delayed = append(q.delayed, delayedRequest{Req: req, Delay: delay})
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) Published() []queue.SendRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.SendRequest(nil), q.published...)
}

func (q *recordingQueue) Delayed() []delayedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]delayedRequest(nil), q.delayed...)
}

// fakeAdapter returns errs in order, then nil for every later call.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []int64
	errs  []error
	// repeat keeps returning the last error once errs runs out.
	repeat bool
}

func (a *fakeAdapter) Send(_ context.Context, task *model.Task, _ *model.Account) (provider.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.calls)
	a.calls = append(a.calls, task.ID)
	if n < len(a.errs) {
		return provider.Outcome{}, a.errs[n]
	}
	if a.repeat && len(a.errs) > 0 {
		return provider.Outcome{}, a.errs[len(a.errs)-1]
	}
	return provider.Outcome{ProviderMessageID: fmt.Sprintf("msg-%d", task.ID)}, nil
}

func (a *fakeAdapter) Calls() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.calls...)
}

func (e *env) dispatcher(q queue.Queue, c *clock) *service.Dispatcher {
	return &service.Dispatcher{
		Store:      e.store,
		Jobs:       e.f.Jobs,
		Tasks:      e.f.Tasks,
		Events:     e.f.Events,
		Queue:      q,
		InstanceID: "test-dispatcher",
		Now:        c.Now,
		Log:        zerolog.Nop(),
	}
}

func (e *env) sender(a provider.Adapter, q queue.Queue) *service.Sender {
	return &service.Sender{
		Jobs:     e.f.Jobs,
		Tasks:    e.f.Tasks,
		Accounts: e.f.Accounts,
		Adapter:  a,
		Queue:    q,
		Retry:    service.RetryPolicy{MaxAttempts: 4, Base: time.Minute, Max: 15 * time.Minute},
		Log:      zerolog.Nop(),
	}
}

// claimOne claims the next pending task of the job and returns its request.
func (e *env) claimOne(t *testing.T, jobID int64) queue.SendRequest {
	t.Helper()
	claimed, err := e.f.Tasks.ClaimPending(context.Background(), jobID, 1, repository.Claim{
		Token: uuid.NewString(), ClaimedBy: "test", At: time.Now(),
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d claimed)", err, len(claimed))
	}
	return queue.SendRequest{TaskID: claimed[0].ID, ClaimToken: *claimed[0].ClaimToken}
}
