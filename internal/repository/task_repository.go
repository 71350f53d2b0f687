package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type TaskRepositoryInterface interface {
	CreateBatch(ctx context.Context, tasks []*model.Task) (int, error)
	GetByID(ctx context.Context, id int64) (*model.Task, error)
	ListByJob(ctx context.Context, jobID int64) ([]*model.Task, error)
	CountByStatus(ctx context.Context, jobID int64, status model.TaskStatus) (int, error)
	ClaimPending(ctx context.Context, jobID int64, limit int, claim Claim) ([]*model.Task, error)
	MarkSent(ctx context.Context, u SentUpdate) (bool, error)
	MarkFailed(ctx context.Context, u FailedUpdate) (bool, error)
	RecordRetry(ctx context.Context, id int64, token string, attempts int, lastError string, retryAt time.Time) (bool, error)
	ApplyProviderEvent(ctx context.Context, id int64, status model.TaskStatus, providerMessageID string) error
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	ResetFailed(ctx context.Context, jobID int64) (int64, error)
}

// Claim identifies one claim operation. Every task claimed by it carries
// Token until it is sent, failed or requeued.
type Claim struct {
	Token     string
	ClaimedBy string
	At        time.Time
}

type SentUpdate struct {
	TaskID            int64
	JobID             int64
	Token             string
	SentAt            time.Time
	ProviderMessageID string
	Attempts          int
	Payload           []byte
}

type FailedUpdate struct {
	TaskID   int64
	JobID    int64
	Token    string
	Error    string
	Attempts int
	FailedAt time.Time
	Payload  []byte
}

type TaskRepository struct {
	DB *DB
}

var taskColumnNames = []string{
	"id", "job_id", "dataset_row_id", "recipient_email", "rendered_subject", "rendered_body", "status",
	"error", "attempts", "claim_token", "claimed_by", "claimed_at", "sent_at", "provider_message_id",
}

func taskColumns(prefix string) string {
	cols := make([]string, len(taskColumnNames))
	for i, c := range taskColumnNames {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.JobID, &t.DatasetRowID, &t.RecipientEmail, &t.RenderedSubject, &t.RenderedBody,
		&t.Status, &t.Error, &t.Attempts, &t.ClaimToken, &t.ClaimedBy, &t.ClaimedAt, &t.SentAt, &t.ProviderMessageID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	defer rows.Close()
	tasks := []*model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateBatch inserts PENDING tasks. Rows already present for the same
// (job, dataset row) pair are left as they are; the count of new rows is
// returned.
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []*model.Task) (int, error) {
	created := 0
	err := r.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		query := `
            INSERT INTO email_tasks (job_id, dataset_row_id, recipient_email, rendered_subject, rendered_body, status)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT (job_id, dataset_row_id) DO NOTHING
            RETURNING id
        `
		for _, t := range tasks {
			t.Status = model.TaskPending
			err := r.DB.queryRow(txCtx, query, t.JobID, t.DatasetRowID, t.RecipientEmail,
				t.RenderedSubject, t.RenderedBody, string(t.Status)).Scan(&t.ID)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert task for row %d: %w", t.DatasetRowID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// GetByID returns nil, nil when the task does not exist.
func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanTask(r.DB.queryRow(ctx, `SELECT `+taskColumns("")+` FROM email_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) ListByJob(ctx context.Context, jobID int64) ([]*model.Task, error) {
	rows, err := r.DB.query(ctx, `SELECT `+taskColumns("")+` FROM email_tasks WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r *TaskRepository) CountByStatus(ctx context.Context, jobID int64, status model.TaskStatus) (int, error) {
	var n int
	err := r.DB.queryRow(ctx, `SELECT COUNT(*) FROM email_tasks WHERE job_id = ? AND status = ?`,
		jobID, string(status)).Scan(&n)
	return n, err
}

// ClaimPending moves up to limit PENDING tasks of one job to IN_PROGRESS,
// lowest id first. Rows locked by a concurrent claimer are skipped on
// Postgres; elsewhere a conditional update detects the race and the row is
// simply not claimed.
func (r *TaskRepository) ClaimPending(ctx context.Context, jobID int64, limit int, claim Claim) ([]*model.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*model.Task
	err := r.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		if r.DB.Dialect == DialectPostgres {
			claimed, err = r.claimSkipLocked(txCtx, jobID, limit, claim)
		} else {
			claimed, err = r.claimOptimistic(txCtx, jobID, limit, claim)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (r *TaskRepository) claimSkipLocked(ctx context.Context, jobID int64, limit int, claim Claim) ([]*model.Task, error) {
	query := `
        WITH cte AS (
            SELECT id
            FROM email_tasks
            WHERE job_id = ? AND status = ?
            ORDER BY id
            LIMIT ?
            FOR UPDATE SKIP LOCKED
        )
        UPDATE email_tasks t
        SET status = ?, claim_token = ?, claimed_by = ?, claimed_at = ?
        FROM cte
        WHERE t.id = cte.id
        RETURNING ` + taskColumns("t.")
	rows, err := r.DB.query(ctx, query, jobID, string(model.TaskPending), limit,
		string(model.TaskInProgress), claim.Token, claim.ClaimedBy, claim.At.UTC())
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r *TaskRepository) claimOptimistic(ctx context.Context, jobID int64, limit int, claim Claim) ([]*model.Task, error) {
	rows, err := r.DB.query(ctx, `SELECT id FROM email_tasks WHERE job_id = ? AND status = ? ORDER BY id LIMIT ?`,
		jobID, string(model.TaskPending), limit)
	if err != nil {
		return nil, err
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var won []any
	for _, id := range candidates {
		res, err := r.DB.exec(ctx, `
            UPDATE email_tasks
            SET status = ?, claim_token = ?, claimed_by = ?, claimed_at = ?
            WHERE id = ? AND status = ?
        `, string(model.TaskInProgress), claim.Token, claim.ClaimedBy, claim.At.UTC(), id, string(model.TaskPending))
		if err != nil {
			return nil, err
		}
		ok, err := affectedOne(res)
		if err != nil {
			return nil, err
		}
		if ok {
			won = append(won, id)
		}
	}
	if len(won) == 0 {
		return nil, nil
	}

	rows, err = r.DB.query(ctx, `SELECT `+taskColumns("")+` FROM email_tasks WHERE id IN (`+inClause(len(won))+`) ORDER BY id`, won...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// MarkSent records a successful delivery and its "sent" event in one
// transaction. A task only gets one sent_at, so a second call reports false
// and writes nothing. A status already moved on by a provider callback is
// kept.
func (r *TaskRepository) MarkSent(ctx context.Context, u SentUpdate) (bool, error) {
	var ok bool
	err := r.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		res, err := r.DB.exec(txCtx, `
            UPDATE email_tasks
            SET status = CASE WHEN status = ? THEN ? ELSE status END,
                sent_at = ?,
                attempts = ?,
                error = NULL,
                provider_message_id = COALESCE(provider_message_id, ?)
            WHERE id = ? AND claim_token = ? AND sent_at IS NULL
        `, string(model.TaskInProgress), string(model.TaskSent), u.SentAt.UTC(), u.Attempts,
			nullString(u.ProviderMessageID), u.TaskID, u.Token)
		if err != nil {
			return err
		}
		if ok, err = affectedOne(res); err != nil || !ok {
			return err
		}
		return insertEvent(txCtx, r.DB, &model.Event{
			TaskID:    u.TaskID,
			JobID:     u.JobID,
			EventType: model.EventSent,
			Payload:   u.Payload,
			CreatedAt: u.SentAt,
		})
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MarkFailed fails an in-flight task held by the given token.
func (r *TaskRepository) MarkFailed(ctx context.Context, u FailedUpdate) (bool, error) {
	var ok bool
	err := r.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		res, err := r.DB.exec(txCtx, `
            UPDATE email_tasks SET status = ?, error = ?, attempts = ?
            WHERE id = ? AND claim_token = ? AND status = ?
        `, string(model.TaskFailed), u.Error, u.Attempts, u.TaskID, u.Token, string(model.TaskInProgress))
		if err != nil {
			return err
		}
		if ok, err = affectedOne(res); err != nil || !ok {
			return err
		}
		return insertEvent(txCtx, r.DB, &model.Event{
			TaskID:    u.TaskID,
			JobID:     u.JobID,
			EventType: model.EventFailed,
			Payload:   u.Payload,
			CreatedAt: u.FailedAt,
		})
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RecordRetry keeps the last error of an attempt that will be retried and
// renews the claim until retryAt, so the stale sweep measures from the time
// the retry is due.
func (r *TaskRepository) RecordRetry(ctx context.Context, id int64, token string, attempts int, lastError string, retryAt time.Time) (bool, error) {
	res, err := r.DB.exec(ctx, `
        UPDATE email_tasks SET error = ?, attempts = ?, claimed_at = ?
        WHERE id = ? AND claim_token = ? AND status = ?
    `, lastError, attempts, retryAt.UTC(), id, token, string(model.TaskInProgress))
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// ApplyProviderEvent sets the status reported by a provider callback, if
// any, and stores the provider message id when none is known yet.
func (r *TaskRepository) ApplyProviderEvent(ctx context.Context, id int64, status model.TaskStatus, providerMessageID string) error {
	_, err := r.DB.exec(ctx, `
        UPDATE email_tasks
        SET status = COALESCE(?, status),
            provider_message_id = COALESCE(provider_message_id, ?)
        WHERE id = ?
    `, nullString(string(status)), nullString(providerMessageID), id)
	return err
}

// RequeueStale returns tasks stuck IN_PROGRESS since before claimedBefore to
// PENDING. Their old claim token stops matching, so a late send request for
// them is ignored.
func (r *TaskRepository) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := r.DB.exec(ctx, `
        UPDATE email_tasks
        SET status = ?, claim_token = NULL, claimed_by = NULL, claimed_at = NULL
        WHERE status = ? AND claimed_at < ? AND sent_at IS NULL
    `, string(model.TaskPending), string(model.TaskInProgress), claimedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetFailed makes the job's never-sent FAILED tasks eligible again.
func (r *TaskRepository) ResetFailed(ctx context.Context, jobID int64) (int64, error) {
	res, err := r.DB.exec(ctx, `
        UPDATE email_tasks
        SET status = ?, error = NULL, attempts = 0, claim_token = NULL, claimed_by = NULL, claimed_at = NULL
        WHERE job_id = ? AND status = ? AND sent_at IS NULL
    `, string(model.TaskPending), jobID, string(model.TaskFailed))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ TaskRepositoryInterface = (*TaskRepository)(nil)
