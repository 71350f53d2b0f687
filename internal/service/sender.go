package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/provider"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

// Sender performs one delivery attempt per send request.
type Sender struct {
	Jobs     repository.JobRepositoryInterface
	Tasks    repository.TaskRepositoryInterface
	Accounts repository.AccountRepositoryInterface
	Adapter  provider.Adapter
	Queue    queue.Queue
	Retry    RetryPolicy
	Now      func() time.Time
	Log      zerolog.Logger
}

type sentPayload struct {
	Recipient         string    `json:"recipient"`
	Timestamp         time.Time `json:"timestamp"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Attempts          int       `json:"attempts"`
}

type failedPayload struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Attempt delivers the task named by req if it is still held by req's claim
// token. Attempts are counted on the task, so the limit holds across claims.
// Delivery failures are recorded on the task; only a store failure before
// the provider call is returned, so the request can be redelivered.
func (s *Sender) Attempt(ctx context.Context, req queue.SendRequest) error {
	log := s.Log.With().Int64("task_id", req.TaskID).Int("attempt", req.Attempt).Logger()

	task, err := s.Tasks.GetByID(ctx, req.TaskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", req.TaskID, err)
	}
	if task == nil || !task.HeldBy(req.ClaimToken) {
		sendAttemptsTotal.WithLabelValues("stale").Inc()
		log.Debug().Msg("send request no longer holds the task")
		return nil
	}
	made := task.Attempts + 1

	job, err := s.Jobs.GetByID(ctx, task.JobID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return s.fail(ctx, task, req, made, err)
		}
		return fmt.Errorf("load job %d: %w", task.JobID, err)
	}
	account, err := s.Accounts.GetByID(ctx, job.EmailAccountID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return s.fail(ctx, task, req, made, err)
		}
		return fmt.Errorf("load account %d: %w", job.EmailAccountID, err)
	}
	if !account.IsActive {
		return s.fail(ctx, task, req, made, fmt.Errorf("email account %d is inactive", account.ID))
	}

	out, sendErr := s.Adapter.Send(ctx, task, account)
	if sendErr == nil {
		return s.succeed(ctx, task, req, made, out)
	}
	if appErrors.IsPermanent(sendErr) || !s.Retry.CanRetry(made) {
		return s.fail(ctx, task, req, made, sendErr)
	}
	return s.retry(ctx, task, req, made, sendErr)
}

func (s *Sender) succeed(ctx context.Context, task *model.Task, req queue.SendRequest, made int, out provider.Outcome) error {
	now := s.now()
	payload, _ := json.Marshal(sentPayload{
		Recipient:         task.RecipientEmail,
		Timestamp:         now,
		ProviderMessageID: out.ProviderMessageID,
		Attempts:          made,
	})
	ok, err := s.Tasks.MarkSent(ctx, repository.SentUpdate{
		TaskID:            task.ID,
		JobID:             task.JobID,
		Token:             req.ClaimToken,
		SentAt:            now,
		ProviderMessageID: out.ProviderMessageID,
		Attempts:          made,
		Payload:           payload,
	})
	if err != nil {
		// Redelivering would send the message twice; the stale sweep owns
		// the task from here.
		sendAttemptsTotal.WithLabelValues("unrecorded").Inc()
		s.Log.Error().Err(err).Int64("task_id", task.ID).Str("provider_message_id", out.ProviderMessageID).
			Msg("message sent but not recorded")
		return nil
	}
	if !ok {
		s.Log.Warn().Int64("task_id", task.ID).Msg("task lost its claim while sending")
		return nil
	}
	sendAttemptsTotal.WithLabelValues("sent").Inc()
	s.Log.Info().Int64("job_id", task.JobID).Int64("task_id", task.ID).Int("attempts", made).Msg("email sent")
	return nil
}

func (s *Sender) fail(ctx context.Context, task *model.Task, req queue.SendRequest, made int, cause error) error {
	payload, _ := json.Marshal(failedPayload{Error: cause.Error(), Attempts: made})
	ok, err := s.Tasks.MarkFailed(ctx, repository.FailedUpdate{
		TaskID:   task.ID,
		JobID:    task.JobID,
		Token:    req.ClaimToken,
		Error:    cause.Error(),
		Attempts: made,
		FailedAt: s.now(),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("mark task %d failed: %w", task.ID, err)
	}
	if ok {
		sendAttemptsTotal.WithLabelValues("failed").Inc()
		s.Log.Warn().Err(cause).Int64("job_id", task.JobID).Int64("task_id", task.ID).Int("attempts", made).
			Bool("permanent", appErrors.IsPermanent(cause)).Msg("email failed")
	}
	return nil
}

func (s *Sender) retry(ctx context.Context, task *model.Task, req queue.SendRequest, made int, cause error) error {
	delay := s.Retry.Delay(made - 1)
	ok, err := s.Tasks.RecordRetry(ctx, task.ID, req.ClaimToken, made, cause.Error(), s.now().Add(delay))
	if err != nil {
		return fmt.Errorf("record retry for task %d: %w", task.ID, err)
	}
	if !ok {
		return nil
	}

	next := queue.SendRequest{TaskID: task.ID, ClaimToken: req.ClaimToken, Attempt: made}
	if err := s.Queue.PublishDelayed(ctx, next, delay); err != nil {
		publishFailuresTotal.Inc()
		s.Log.Error().Err(errors.Join(cause, err)).Int64("task_id", task.ID).Msg("schedule retry")
		return nil
	}
	sendAttemptsTotal.WithLabelValues("retry").Inc()
	s.Log.Info().Err(cause).Int64("task_id", task.ID).Int("attempts", made).Dur("delay", delay).Msg("email retry scheduled")
	return nil
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
