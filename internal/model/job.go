// internal/model/job.go
package model

import "time"

type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// DefaultThrottlePerMinute applies when a job carries no positive throttle.
const DefaultThrottlePerMinute = 60

type Job struct {
	ID                int64      `db:"id" json:"id"`
	DatasetID         int64      `db:"dataset_id" json:"dataset_id"`
	UserID            int64      `db:"user_id" json:"user_id"`
	EmailAccountID    int64      `db:"email_account_id" json:"email_account_id"`
	SubjectTemplate   string     `db:"subject_template" json:"subject_template"`
	BodyTemplate      string     `db:"body_template" json:"body_template"`
	Status            JobStatus  `db:"status" json:"status"`
	ScheduledAt       *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	ThrottlePerMinute int        `db:"throttle_per_minute" json:"throttle_per_minute"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Throttle returns the per-minute send limit, falling back to the default.
func (j *Job) Throttle() int {
	if j.ThrottlePerMinute <= 0 {
		return DefaultThrottlePerMinute
	}
	return j.ThrottlePerMinute
}
