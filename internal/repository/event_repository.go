package repository

import (
	"context"
	"time"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type EventRepositoryInterface interface {
	Append(ctx context.Context, e *model.Event) error
	CountSince(ctx context.Context, jobID int64, eventType string, since time.Time) (int, error)
	ListByTask(ctx context.Context, taskID int64) ([]*model.Event, error)
}

type EventRepository struct {
	DB *DB
}

func (r *EventRepository) Append(ctx context.Context, e *model.Event) error {
	return insertEvent(ctx, r.DB, e)
}

// CountSince counts the job's events of one type recorded at or after since.
func (r *EventRepository) CountSince(ctx context.Context, jobID int64, eventType string, since time.Time) (int, error) {
	var n int
	err := r.DB.queryRow(ctx, `
        SELECT COUNT(*) FROM email_events
        WHERE email_job_id = ? AND event_type = ? AND created_at >= ?
    `, jobID, eventType, since.UTC()).Scan(&n)
	return n, err
}

func (r *EventRepository) ListByTask(ctx context.Context, taskID int64) ([]*model.Event, error) {
	rows, err := r.DB.query(ctx, `
        SELECT id, email_task_id, email_job_id, event_type, payload, created_at
        FROM email_events
        WHERE email_task_id = ?
        ORDER BY id
    `, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*model.Event{}
	for rows.Next() {
		var e model.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.JobID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, db *DB, e *model.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	return db.queryRow(ctx, `
        INSERT INTO email_events (email_task_id, email_job_id, event_type, payload, created_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING id
    `, e.TaskID, e.JobID, e.EventType, payload, e.CreatedAt).Scan(&e.ID)
}

var _ EventRepositoryInterface = (*EventRepository)(nil)
