// cmd/worker/main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/config"
	"github.com/unclebandit/mailleopard-backend/internal/db"
	"github.com/unclebandit/mailleopard-backend/internal/logger"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{Console: true})
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Console: true, File: cfg.LogFile}).
		With().Str("instance", cfg.InstanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()
	if err := db.Migrate(ctx, store); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	q, closeQueue := openQueue(cfg, log)
	defer closeQueue()

	registry := NewRegistry(cfg, &repository.AccountRepository{DB: store})
	w := NewWorker(cfg, store, q, registry, log)
	shutdown := w.Start(ctx)

	log.Info().
		Str("queue", cfg.QueueName).
		Dur("dispatch_every", cfg.DispatchInterval).
		Dur("sweep_every", cfg.SweepInterval).
		Msg("worker running")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdown()
}

// openQueue connects to RabbitMQ when AMQP_URL is set. Without a broker,
// requests stay in this process.
func openQueue(cfg config.Config, log zerolog.Logger) (queue.Queue, func()) {
	if cfg.AMQPURL == "" {
		log.Warn().Msg("AMQP_URL not set, using in-process queue")
		return queue.NewInMemoryQueue(log.With().Str("component", "queue").Logger()), func() {}
	}
	q, err := queue.DialAMQP(cfg.AMQPURL, cfg.QueueName, cfg.SenderConcurrency, log.With().Str("component", "queue").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("connect to RabbitMQ")
	}
	return q, func() {
		if err := q.Close(); err != nil {
			log.Warn().Err(err).Msg("close RabbitMQ connection")
		}
	}
}
