// internal/service/job_service.go
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

type JobService struct {
	Store repository.Transactor
	Jobs  repository.JobRepositoryInterface
	Tasks repository.TaskRepositoryInterface
	Now   func() time.Time
	Log   zerolog.Logger
}

type JobDetails struct {
	ID                int64           `json:"id"`
	DatasetID         int64           `json:"dataset_id"`
	EmailAccountID    int64           `json:"email_account_id"`
	Status            model.JobStatus `json:"status"`
	SubjectTemplate   string          `json:"subject_template"`
	ThrottlePerMinute int             `json:"throttle_per_minute"`
	ScheduledAt       *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
	Stats             map[string]int  `json:"stats"`
}

type RetryResult struct {
	JobID    int64           `json:"job_id"`
	Requeued int64           `json:"requeued"`
	Status   model.JobStatus `json:"status"`
}

func (s *JobService) GetJobWithStats(ctx context.Context, id int64) (*JobDetails, error) {
	job, err := s.Jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.Jobs.GetStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobDetails{
		ID:                job.ID,
		DatasetID:         job.DatasetID,
		EmailAccountID:    job.EmailAccountID,
		Status:            job.Status,
		SubjectTemplate:   job.SubjectTemplate,
		ThrottlePerMinute: job.Throttle(),
		ScheduledAt:       job.ScheduledAt,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		Stats:             stats,
	}, nil
}

// RetryFailed returns the job's failed, never-sent tasks to PENDING and
// reopens the job if it had already finished.
func (s *JobService) RetryFailed(ctx context.Context, id int64) (*RetryResult, error) {
	res := &RetryResult{JobID: id}
	err := s.Store.WithTransaction(ctx, func(txCtx context.Context) error {
		job, err := s.Jobs.GetByID(txCtx, id)
		if err != nil {
			return err
		}
		res.Status = job.Status

		if res.Requeued, err = s.Tasks.ResetFailed(txCtx, id); err != nil {
			return err
		}
		if res.Requeued == 0 {
			return nil
		}
		reopened, err := s.Jobs.Reopen(txCtx, id, s.now())
		if err != nil {
			return err
		}
		if reopened {
			res.Status = model.JobRunning
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info().Int64("job_id", id).Int64("requeued", res.Requeued).Msg("failed tasks requeued")
	return res, nil
}

func (s *JobService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
