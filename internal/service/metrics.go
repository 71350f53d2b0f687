package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mail_tasks_claimed_total",
			Help: "Tasks moved to in_progress by the dispatcher",
		},
	)

	publishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mail_publish_failures_total",
			Help: "Send requests that could not be queued",
		},
	)

	// Send attempts partitioned by result: sent, retry, failed or stale
	sendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_send_attempts_total",
			Help: "Sender outcomes per attempt",
		},
		[]string{"result"},
	)

	webhookRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_webhook_records_total",
			Help: "Provider callback records by outcome",
		},
		[]string{"outcome"},
	)

	sweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_sweep_rows_total",
			Help: "Rows changed by maintenance sweeps",
		},
		[]string{"sweep"},
	)
)
