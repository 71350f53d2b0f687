package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/config"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/provider"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

// Worker runs the dispatcher and sweeps on a schedule and consumes send
// requests from the queue.
type Worker struct {
	Dispatcher *service.Dispatcher
	Sweeper    *service.Sweeper
	Sender     *service.Sender
	Queue      queue.Queue
	Log        zerolog.Logger

	DispatchEvery time.Duration
	SweepEvery    time.Duration
}

func NewWorker(cfg config.Config, store *repository.DB, q queue.Queue, adapter provider.Adapter, log zerolog.Logger) *Worker {
	jobs := &repository.JobRepository{DB: store}
	tasks := &repository.TaskRepository{DB: store}
	events := &repository.EventRepository{DB: store}
	accounts := &repository.AccountRepository{DB: store}

	return &Worker{
		Dispatcher: &service.Dispatcher{
			Store:      store,
			Jobs:       jobs,
			Tasks:      tasks,
			Events:     events,
			Queue:      q,
			InstanceID: cfg.InstanceID,
			Window:     cfg.ThrottleWindow,
			Log:        log.With().Str("component", "dispatcher").Logger(),
		},
		Sweeper: &service.Sweeper{
			Jobs:       jobs,
			Tasks:      tasks,
			StaleAfter: cfg.StaleTaskAfter,
			Log:        log.With().Str("component", "sweeper").Logger(),
		},
		Sender: &service.Sender{
			Jobs:     jobs,
			Tasks:    tasks,
			Accounts: accounts,
			Adapter:  adapter,
			Queue:    q,
			Retry: service.RetryPolicy{
				MaxAttempts: cfg.SendMaxAttempts,
				Base:        cfg.SendBackoffBase,
				Max:         cfg.SendBackoffMax,
			},
			Log: log.With().Str("component", "sender").Logger(),
		},
		Queue:         q,
		Log:           log,
		DispatchEvery: cfg.DispatchInterval,
		SweepEvery:    cfg.SweepInterval,
	}
}

// Start schedules the periodic work and starts consuming. The returned
// function stops the schedule and waits for running ticks and the consumer.
func (w *Worker) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(&w.Log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(&w.Log)),
	))
	c.Schedule(cron.Every(w.DispatchEvery), cron.FuncJob(func() { w.tick(ctx) }))
	c.Schedule(cron.Every(w.SweepEvery), cron.FuncJob(func() { w.sweep(ctx) }))
	c.Start()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		if err := w.Queue.Consume(ctx, w.Sender.Attempt); err != nil && ctx.Err() == nil {
			w.Log.Error().Err(err).Msg("send consumer stopped")
		}
	}()

	return func() {
		<-c.Stop().Done()
		cancel()
		<-consumed
	}
}

func (w *Worker) tick(ctx context.Context) {
	res, err := w.Dispatcher.Tick(ctx)
	if err != nil {
		w.Log.Error().Err(err).Msg("dispatcher tick failed")
		return
	}
	if res.Claimed > 0 || res.Started > 0 {
		w.Log.Debug().
			Int("jobs", res.Jobs).
			Int("started", res.Started).
			Int("claimed", res.Claimed).
			Int("published", res.Published).
			Msg("dispatcher tick")
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if err := w.Sweeper.Run(ctx); err != nil {
		w.Log.Error().Err(err).Msg("sweep failed")
	}
}

// NewRegistry registers every provider the configuration enables.
func NewRegistry(cfg config.Config, accounts provider.CredentialStore) *provider.Registry {
	reg := provider.NewRegistry(cfg.ProviderRatePerSec)
	reg.Register(model.ProviderSendGrid, &provider.SendGridAdapter{Host: cfg.SendGridHost})
	if cfg.GoogleClientID != "" {
		reg.Register(model.ProviderGmail, &provider.GmailAdapter{
			OAuth:    provider.NewGoogleOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
			Accounts: accounts,
		})
	}
	return reg
}
