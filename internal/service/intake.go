package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

const (
	DefaultMaxRows         = 5000
	DefaultRecipientColumn = "email"
)

var (
	ErrEmptyDataset    = errors.New("dataset has no rows with a recipient")
	ErrDatasetTooLarge = errors.New("dataset exceeds the row limit")
	ErrAccountInactive = errors.New("email account is inactive")
	ErrAccountNotOwned = errors.New("email account belongs to another user")
)

// Row is one dataset row; Fields keep the dataset's column order.
type Row struct {
	ID     int64
	Fields []Field
}

func (r Row) Get(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

type JobRequest struct {
	DatasetID         int64
	UserID            int64
	EmailAccountID    int64
	SubjectTemplate   string
	BodyTemplate      string
	ScheduledAt       *time.Time
	ThrottlePerMinute int
	RecipientColumn   string
}

// JobIntake turns a dataset into a scheduled job with one rendered task per
// recipient.
type JobIntake struct {
	Store    repository.Transactor
	Jobs     repository.JobRepositoryInterface
	Tasks    repository.TaskRepositoryInterface
	Accounts repository.AccountRepositoryInterface
	MaxRows  int
	Log      zerolog.Logger
}

func (s *JobIntake) CreateJob(ctx context.Context, req JobRequest, rows []Row) (*model.Job, int, error) {
	maxRows := s.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if len(rows) > maxRows {
		return nil, 0, fmt.Errorf("%w: %d rows, limit %d", ErrDatasetTooLarge, len(rows), maxRows)
	}

	column := req.RecipientColumn
	if column == "" {
		column = DefaultRecipientColumn
	}
	var tasks []*model.Task
	for _, row := range rows {
		recipient, _ := row.Get(column)
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		tasks = append(tasks, &model.Task{
			DatasetRowID:    row.ID,
			RecipientEmail:  recipient,
			RenderedSubject: RenderTemplate(req.SubjectTemplate, row.Fields),
			RenderedBody:    RenderTemplate(req.BodyTemplate, row.Fields),
		})
	}
	if len(tasks) == 0 {
		return nil, 0, ErrEmptyDataset
	}

	job := &model.Job{
		DatasetID:         req.DatasetID,
		UserID:            req.UserID,
		EmailAccountID:    req.EmailAccountID,
		SubjectTemplate:   req.SubjectTemplate,
		BodyTemplate:      req.BodyTemplate,
		Status:            model.JobScheduled,
		ScheduledAt:       req.ScheduledAt,
		ThrottlePerMinute: req.ThrottlePerMinute,
	}
	var created int
	err := s.Store.WithTransaction(ctx, func(txCtx context.Context) error {
		account, err := s.Accounts.GetByID(txCtx, req.EmailAccountID)
		if err != nil {
			return err
		}
		if account.UserID != req.UserID {
			return ErrAccountNotOwned
		}
		if !account.IsActive {
			return ErrAccountInactive
		}
		if err := s.Jobs.Create(txCtx, job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		for _, t := range tasks {
			t.JobID = job.ID
		}
		created, err = s.Tasks.CreateBatch(txCtx, tasks)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	s.Log.Info().Int64("job_id", job.ID).Int("tasks", created).Int("rows", len(rows)).Msg("job created")
	return job, created, nil
}
