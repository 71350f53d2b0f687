// internal/model/task.go
package model

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskSent       TaskStatus = "sent"
	TaskFailed     TaskStatus = "failed"
	TaskDelivered  TaskStatus = "delivered"
	TaskOpened     TaskStatus = "opened"
	TaskBounced    TaskStatus = "bounced"
	TaskDeferred   TaskStatus = "deferred"
)

// Delivered reports whether the task already left the sender: SENT or any
// state a provider callback moves a sent task into.
func (s TaskStatus) Delivered() bool {
	switch s {
	case TaskSent, TaskDelivered, TaskOpened, TaskBounced, TaskDeferred:
		return true
	}
	return false
}

type Task struct {
	ID                int64      `db:"id" json:"id"`
	JobID             int64      `db:"job_id" json:"job_id"`
	DatasetRowID      int64      `db:"dataset_row_id" json:"dataset_row_id"`
	RecipientEmail    string     `db:"recipient_email" json:"recipient_email"`
	RenderedSubject   string     `db:"rendered_subject" json:"rendered_subject"`
	RenderedBody      string     `db:"rendered_body" json:"rendered_body"`
	Status            TaskStatus `db:"status" json:"status"`
	Error             *string    `db:"error" json:"error,omitempty"`
	Attempts          int        `db:"attempts" json:"attempts"`
	ClaimToken        *string    `db:"claim_token" json:"-"`
	ClaimedBy         *string    `db:"claimed_by" json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ProviderMessageID *string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
}

// HeldBy reports whether the task is in flight under the given claim token.
func (t *Task) HeldBy(token string) bool {
	return t.Status == TaskInProgress && t.ClaimToken != nil && *t.ClaimToken == token
}
