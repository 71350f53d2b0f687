// internal/model/event.go
package model

import (
	"encoding/json"
	"time"
)

const (
	EventSent    = "sent"
	EventFailed  = "failed"
	EventUnknown = "unknown"
)

// Event is an append-only record of something observed against a task.
type Event struct {
	ID        int64           `db:"id" json:"id"`
	TaskID    int64           `db:"email_task_id" json:"email_task_id"`
	JobID     int64           `db:"email_job_id" json:"email_job_id"`
	EventType string          `db:"event_type" json:"event_type"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
