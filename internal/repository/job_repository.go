package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type JobRepositoryInterface interface {
	Create(ctx context.Context, j *model.Job) error
	GetByID(ctx context.Context, id int64) (*model.Job, error)
	ListDue(ctx context.Context, now time.Time) ([]*model.Job, error)
	MarkRunning(ctx context.Context, id int64, now time.Time) (bool, error)
	LockForDispatch(ctx context.Context, id int64) (bool, error)
	Reopen(ctx context.Context, id int64, now time.Time) (bool, error)
	CompleteFinished(ctx context.Context, now time.Time) (completed, failed int64, err error)
	GetStats(ctx context.Context, id int64) (map[string]int, error)
}

type JobRepository struct {
	DB *DB
}

const jobColumns = `id, dataset_id, user_id, email_account_id, subject_template, body_template,
        status, scheduled_at, throttle_per_minute, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.DatasetID, &j.UserID, &j.EmailAccountID, &j.SubjectTemplate, &j.BodyTemplate,
		&j.Status, &j.ScheduledAt, &j.ThrottlePerMinute, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) Create(ctx context.Context, j *model.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = model.JobCreated
	}
	if j.ThrottlePerMinute <= 0 {
		j.ThrottlePerMinute = model.DefaultThrottlePerMinute
	}
	query := `
        INSERT INTO email_jobs (dataset_id, user_id, email_account_id, subject_template, body_template,
                                status, scheduled_at, throttle_per_minute, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	return r.DB.queryRow(ctx, query, j.DatasetID, j.UserID, j.EmailAccountID, j.SubjectTemplate, j.BodyTemplate,
		string(j.Status), utcPtr(j.ScheduledAt), j.ThrottlePerMinute, j.CreatedAt.UTC()).Scan(&j.ID)
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM email_jobs WHERE id = ?`
	j, err := scanJob(r.DB.queryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewJobNotFound(id)
		}
		return nil, err
	}
	return j, nil
}

// ListDue returns scheduled or running jobs whose start time has passed.
func (r *JobRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Job, error) {
	query := `
        SELECT ` + jobColumns + `
        FROM email_jobs
        WHERE status IN (?, ?) AND (scheduled_at IS NULL OR scheduled_at <= ?)
        ORDER BY id
    `
	rows, err := r.DB.query(ctx, query, string(model.JobScheduled), string(model.JobRunning), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRunning moves a job from SCHEDULED to RUNNING. It reports false when
// another dispatcher got there first.
func (r *JobRepository) MarkRunning(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.DB.exec(ctx, `UPDATE email_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.JobRunning), now.UTC(), id, string(model.JobScheduled))
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// LockForDispatch takes the job row for the rest of the transaction. A job
// already held by another dispatcher is skipped, not awaited.
func (r *JobRepository) LockForDispatch(ctx context.Context, id int64) (bool, error) {
	query := `SELECT id FROM email_jobs WHERE id = ? AND status = ?`
	if r.DB.Dialect == DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	var got int64
	err := r.DB.queryRow(ctx, query, id, string(model.JobRunning)).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reopen puts a finished job back to RUNNING after an operator retry.
func (r *JobRepository) Reopen(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.DB.exec(ctx, `UPDATE email_jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.JobRunning), now.UTC(), id, string(model.JobCompleted), string(model.JobFailed))
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// CompleteFinished closes running jobs that have no pending or in-flight
// tasks. A job whose every task failed is marked FAILED.
func (r *JobRepository) CompleteFinished(ctx context.Context, now time.Time) (completed, failed int64, err error) {
	err = r.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		res, err := r.DB.exec(txCtx, `
            UPDATE email_jobs SET status = ?, updated_at = ?
            WHERE status = ?
              AND EXISTS (SELECT 1 FROM email_tasks t WHERE t.job_id = email_jobs.id)
              AND NOT EXISTS (SELECT 1 FROM email_tasks t WHERE t.job_id = email_jobs.id AND t.status <> ?)
        `, string(model.JobFailed), now.UTC(), string(model.JobRunning), string(model.TaskFailed))
		if err != nil {
			return fmt.Errorf("mark failed jobs: %w", err)
		}
		if failed, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = r.DB.exec(txCtx, `
            UPDATE email_jobs SET status = ?, updated_at = ?
            WHERE status = ?
              AND NOT EXISTS (
                  SELECT 1 FROM email_tasks t
                  WHERE t.job_id = email_jobs.id AND t.status IN (?, ?)
              )
        `, string(model.JobCompleted), now.UTC(), string(model.JobRunning), string(model.TaskPending), string(model.TaskInProgress))
		if err != nil {
			return fmt.Errorf("mark completed jobs: %w", err)
		}
		completed, err = res.RowsAffected()
		return err
	})
	return completed, failed, err
}

// GetStats counts the job's tasks per status.
func (r *JobRepository) GetStats(ctx context.Context, id int64) (map[string]int, error) {
	rows, err := r.DB.query(ctx, `SELECT status, COUNT(*) FROM email_tasks WHERE job_id = ? GROUP BY status`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0}
	for _, s := range []model.TaskStatus{model.TaskPending, model.TaskInProgress, model.TaskSent, model.TaskFailed} {
		stats[string(s)] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

var _ JobRepositoryInterface = (*JobRepository)(nil)
