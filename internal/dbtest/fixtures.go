package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

type Fixtures struct {
	t        testing.TB
	Jobs     *repository.JobRepository
	Tasks    *repository.TaskRepository
	Events   *repository.EventRepository
	Accounts *repository.AccountRepository
}

func NewFixtures(t testing.TB, store *repository.DB) *Fixtures {
	return &Fixtures{
		t:        t,
		Jobs:     &repository.JobRepository{DB: store},
		Tasks:    &repository.TaskRepository{DB: store},
		Events:   &repository.EventRepository{DB: store},
		Accounts: &repository.AccountRepository{DB: store},
	}
}

func (f *Fixtures) SendGridAccount() *model.Account {
	f.t.Helper()
	a := &model.Account{
		UserID:       1,
		Provider:     model.ProviderSendGrid,
		EmailAddress: "sender@example.com",
		Name:         "Sender",
		Config:       model.APIKeyConfig{APIKey: "SG.test"},
		IsActive:     true,
	}
	require.NoError(f.t, f.Accounts.Create(context.Background(), a))
	return a
}

func (f *Fixtures) GmailAccount(expiresAt time.Time) *model.Account {
	f.t.Helper()
	a := &model.Account{
		UserID:       1,
		Provider:     model.ProviderGmail,
		EmailAddress: "sender@gmail.com",
		Config: model.OAuthConfig{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    expiresAt.UTC(),
		},
		IsActive: true,
	}
	require.NoError(f.t, f.Accounts.Create(context.Background(), a))
	return a
}

// Job creates a job in the given status with n pending tasks addressed to
// user<i>@example.com.
func (f *Fixtures) Job(account *model.Account, status model.JobStatus, throttle, n int) (*model.Job, []*model.Task) {
	f.t.Helper()
	ctx := context.Background()
	j := &model.Job{
		DatasetID:         1,
		UserID:            account.UserID,
		EmailAccountID:    account.ID,
		SubjectTemplate:   "Hello {name}",
		BodyTemplate:      "Hi {name}",
		Status:            status,
		ThrottlePerMinute: throttle,
	}
	require.NoError(f.t, f.Jobs.Create(ctx, j))

	tasks := make([]*model.Task, n)
	for i := range tasks {
		tasks[i] = &model.Task{
			JobID:           j.ID,
			DatasetRowID:    int64(i + 1),
			RecipientEmail:  fmt.Sprintf("user%d@example.com", i+1),
			RenderedSubject: fmt.Sprintf("Hello user%d", i+1),
			RenderedBody:    fmt.Sprintf("Hi user%d", i+1),
		}
	}
	if n > 0 {
		created, err := f.Tasks.CreateBatch(ctx, tasks)
		require.NoError(f.t, err)
		require.Equal(f.t, n, created)
	}
	return j, tasks
}

// Task reloads a task, failing the test if it is gone.
func (f *Fixtures) Task(id int64) *model.Task {
	f.t.Helper()
	task, err := f.Tasks.GetByID(context.Background(), id)
	require.NoError(f.t, err)
	require.NotNil(f.t, task)
	return task
}
