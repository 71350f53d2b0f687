package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

// DefaultStaleAfter is how long a task may stay in progress before it is
// handed out again.
const DefaultStaleAfter = 15 * time.Minute

// Sweeper closes finished jobs and recovers tasks whose sender vanished.
type Sweeper struct {
	Jobs  repository.JobRepositoryInterface
	Tasks repository.TaskRepositoryInterface
	// StaleAfter of zero disables requeueing.
	StaleAfter time.Duration
	Now        func() time.Time
	Log        zerolog.Logger
}

func (s *Sweeper) CompleteJobs(ctx context.Context) (completed, failed int64, err error) {
	completed, failed, err = s.Jobs.CompleteFinished(ctx, s.now())
	if err != nil {
		return 0, 0, fmt.Errorf("complete finished jobs: %w", err)
	}
	sweptTotal.WithLabelValues("jobs_completed").Add(float64(completed))
	sweptTotal.WithLabelValues("jobs_failed").Add(float64(failed))
	if completed+failed > 0 {
		s.Log.Info().Int64("completed", completed).Int64("failed", failed).Msg("jobs finished")
	}
	return completed, failed, nil
}

func (s *Sweeper) RequeueStale(ctx context.Context) (int64, error) {
	if s.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := s.Tasks.RequeueStale(ctx, s.now().Add(-s.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	sweptTotal.WithLabelValues("tasks_requeued").Add(float64(n))
	if n > 0 {
		s.Log.Warn().Int64("tasks", n).Dur("stale_after", s.StaleAfter).Msg("stale tasks returned to pending")
	}
	return n, nil
}

// Run performs both sweeps. Requeueing goes first so a job with stuck tasks
// is not closed.
func (s *Sweeper) Run(ctx context.Context) error {
	_, errRequeue := s.RequeueStale(ctx)
	_, _, errComplete := s.CompleteJobs(ctx)
	return errors.Join(errRequeue, errComplete)
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
