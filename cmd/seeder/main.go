// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/config"
	"github.com/unclebandit/mailleopard-backend/internal/db"
	"github.com/unclebandit/mailleopard-backend/internal/logger"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

type options struct {
	file        string
	datasetID   int64
	userID      int64
	accountID   int64
	subject     string
	body        string
	throttle    int
	column      string
	scheduledAt string

	sendGridKey string
	from        string
}

func main() {
	var o options
	flag.StringVar(&o.file, "file", "", "CSV dataset with a header row")
	flag.Int64Var(&o.datasetID, "dataset", 1, "dataset id recorded on the job")
	flag.Int64Var(&o.userID, "user", 1, "owner of the job")
	flag.Int64Var(&o.accountID, "account", 0, "sending email account id")
	flag.StringVar(&o.subject, "subject", "", "subject template, e.g. \"Hello {name}\"")
	flag.StringVar(&o.body, "body", "", "body template")
	flag.IntVar(&o.throttle, "throttle", model.DefaultThrottlePerMinute, "sends per minute")
	flag.StringVar(&o.column, "column", service.DefaultRecipientColumn, "recipient column")
	flag.StringVar(&o.scheduledAt, "at", "", "start time (RFC3339); empty starts on the next tick")
	flag.StringVar(&o.sendGridKey, "sendgrid-key", "", "create a SendGrid account with this API key instead of -account")
	flag.StringVar(&o.from, "from", "", "sender address for -sendgrid-key")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{Console: true})
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Console: true})

	if err := run(context.Background(), cfg, o, log); err != nil {
		log.Fatal().Err(err).Msg("seed failed")
	}
}

func run(ctx context.Context, cfg config.Config, o options, log zerolog.Logger) error {
	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := db.Migrate(ctx, store); err != nil {
		return err
	}
	_, _, err = seed(ctx, store, o, log)
	return err
}

func seed(ctx context.Context, store *repository.DB, o options, log zerolog.Logger) (*model.Job, int, error) {
	f, err := os.Open(o.file)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	rows, err := readRows(f)
	if err != nil {
		return nil, 0, err
	}

	accounts := &repository.AccountRepository{DB: store}
	if o.sendGridKey != "" {
		account := &model.Account{
			UserID:       o.userID,
			Provider:     model.ProviderSendGrid,
			EmailAddress: o.from,
			Config:       model.APIKeyConfig{APIKey: o.sendGridKey},
			IsActive:     true,
		}
		if err := accounts.Create(ctx, account); err != nil {
			return nil, 0, err
		}
		o.accountID = account.ID
		log.Info().Int64("account_id", account.ID).Str("from", o.from).Msg("account created")
	}

	req := service.JobRequest{
		DatasetID:         o.datasetID,
		UserID:            o.userID,
		EmailAccountID:    o.accountID,
		SubjectTemplate:   o.subject,
		BodyTemplate:      o.body,
		ThrottlePerMinute: o.throttle,
		RecipientColumn:   o.column,
	}
	if o.scheduledAt != "" {
		at, err := time.Parse(time.RFC3339, o.scheduledAt)
		if err != nil {
			return nil, 0, err
		}
		at = at.UTC()
		req.ScheduledAt = &at
	}

	intake := &service.JobIntake{
		Store:    store,
		Jobs:     &repository.JobRepository{DB: store},
		Tasks:    &repository.TaskRepository{DB: store},
		Accounts: accounts,
		Log:      log,
	}
	job, created, err := intake.CreateJob(ctx, req, rows)
	if err != nil {
		return nil, 0, err
	}
	log.Info().Int64("job_id", job.ID).Int("tasks", created).Str("file", o.file).Msg("dataset seeded")
	return job, created, nil
}
