package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

// DefaultThrottleWindow is the trailing window the per-minute throttle is
// measured over.
const DefaultThrottleWindow = 60 * time.Second

type Dispatcher struct {
	Store      repository.Transactor
	Jobs       repository.JobRepositoryInterface
	Tasks      repository.TaskRepositoryInterface
	Events     repository.EventRepositoryInterface
	Queue      queue.Queue
	InstanceID string
	Window     time.Duration
	Now        func() time.Time
	Log        zerolog.Logger
}

type TickResult struct {
	Jobs      int
	Started   int
	Claimed   int
	Published int
}

// Tick runs one dispatch pass over every due job. A store error aborts the
// pass; jobs already handled keep their committed claims.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := d.now()

	jobs, err := d.Jobs.ListDue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list due jobs: %w", err)
	}
	res.Jobs = len(jobs)

	for _, job := range jobs {
		if job.Status == model.JobScheduled {
			started, err := d.Jobs.MarkRunning(ctx, job.ID, now)
			if err != nil {
				return res, fmt.Errorf("start job %d: %w", job.ID, err)
			}
			if started {
				res.Started++
				d.Log.Info().Int64("job_id", job.ID).Msg("job started")
			}
		}

		claimed, err := d.claim(ctx, job, now)
		if err != nil {
			return res, fmt.Errorf("claim tasks for job %d: %w", job.ID, err)
		}
		res.Claimed += len(claimed)
		tasksClaimedTotal.Add(float64(len(claimed)))

		for _, t := range claimed {
			req := queue.SendRequest{TaskID: t.ID, ClaimToken: *t.ClaimToken}
			if err := d.Queue.Publish(ctx, req); err != nil {
				// The task stays in progress until the stale sweep returns it.
				publishFailuresTotal.Inc()
				d.Log.Warn().Err(err).Int64("job_id", job.ID).Int64("task_id", t.ID).Msg("publish send request")
				continue
			}
			res.Published++
		}
		if len(claimed) > 0 {
			d.Log.Debug().Int64("job_id", job.ID).Int("claimed", len(claimed)).Msg("tasks dispatched")
		}
	}
	return res, nil
}

// claim computes the job's remaining budget and claims that many pending
// tasks, all under the job row lock.
func (d *Dispatcher) claim(ctx context.Context, job *model.Job, now time.Time) ([]*model.Task, error) {
	var claimed []*model.Task
	err := d.Store.WithTransaction(ctx, func(txCtx context.Context) error {
		locked, err := d.Jobs.LockForDispatch(txCtx, job.ID)
		if err != nil || !locked {
			return err
		}

		sent, err := d.Events.CountSince(txCtx, job.ID, model.EventSent, now.Add(-d.window()))
		if err != nil {
			return err
		}
		inFlight, err := d.Tasks.CountByStatus(txCtx, job.ID, model.TaskInProgress)
		if err != nil {
			return err
		}
		remaining := job.Throttle() - sent - inFlight
		if remaining <= 0 {
			return nil
		}

		claimed, err = d.Tasks.ClaimPending(txCtx, job.ID, remaining, repository.Claim{
			Token:     uuid.NewString(),
			ClaimedBy: d.InstanceID,
			At:        now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (d *Dispatcher) window() time.Duration {
	if d.Window <= 0 {
		return DefaultThrottleWindow
	}
	return d.Window
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}
