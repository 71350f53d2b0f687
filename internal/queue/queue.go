package queue

import (
	"context"
	"time"
)

// SendRequest asks a sender to deliver one claimed task. ClaimToken must
// still match the task's claim for the request to have any effect. Attempt
// is informational; the task row keeps the authoritative count.
type SendRequest struct {
	TaskID     int64  `json:"task_id"`
	ClaimToken string `json:"claim_token"`
	Attempt    int    `json:"attempt"`
}

// Handler processes one request. A returned error means the request could
// not be processed at all and should be redelivered.
type Handler func(ctx context.Context, req SendRequest) error

type Queue interface {
	Publish(ctx context.Context, req SendRequest) error
	PublishDelayed(ctx context.Context, req SendRequest, delay time.Duration) error
	// Consume delivers requests to h until ctx is cancelled.
	Consume(ctx context.Context, h Handler) error
}
