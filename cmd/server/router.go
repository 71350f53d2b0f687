package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/controller"
	"github.com/unclebandit/mailleopard-backend/internal/handler"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

func NewRouter(store *repository.DB, log zerolog.Logger) http.Handler {
	jobRepo := &repository.JobRepository{DB: store}
	taskRepo := &repository.TaskRepository{DB: store}
	eventRepo := &repository.EventRepository{DB: store}

	jobController := &controller.JobController{
		JobService: &service.JobService{
			Store: store,
			Jobs:  jobRepo,
			Tasks: taskRepo,
			Log:   log.With().Str("component", "jobs").Logger(),
		},
		Log: log,
	}
	webhookHandler := &handler.WebhookHandler{
		Reconciler: &service.Reconciler{
			Store:  store,
			Tasks:  taskRepo,
			Events: eventRepo,
			Log:    log.With().Str("component", "reconciler").Logger(),
		},
		Log: log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(handler.Metrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Job routes
	r.Get("/jobs/{id}", jobController.GetJob)
	r.Post("/jobs/{id}/retry-failed", jobController.RetryFailed)

	// Provider callbacks
	r.Post("/webhook/sendgrid", webhookHandler.SendGrid)

	return r
}
