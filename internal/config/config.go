// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr       string `validate:"required"`
	DatabaseDriver string `validate:"required,oneof=postgres sqlite"`
	DatabaseURL    string `validate:"required"`

	// Empty selects the in-process queue.
	AMQPURL   string `validate:"omitempty,url"`
	QueueName string `validate:"required"`

	DispatchInterval time.Duration `validate:"gt=0"`
	SweepInterval    time.Duration `validate:"gt=0"`
	StaleTaskAfter   time.Duration `validate:"gte=0"`
	ThrottleWindow   time.Duration `validate:"gt=0"`

	SendMaxAttempts   int           `validate:"gte=1"`
	SendBackoffBase   time.Duration `validate:"gt=0"`
	SendBackoffMax    time.Duration `validate:"gtefield=SendBackoffBase"`
	SenderConcurrency int           `validate:"gte=1,lte=256"`

	ProviderRatePerSec float64 `validate:"gte=0"`
	SendGridHost       string  `validate:"required,url"`
	GoogleClientID     string
	GoogleClientSecret string `validate:"required_with=GoogleClientID"`

	InstanceID string
	LogLevel   string `validate:"omitempty,oneof=trace debug info warn error"`
	LogFile    string
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := Config{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		AMQPURL:        getenv("AMQP_URL", ""),
		QueueName:      getenv("QUEUE_NAME", "email_sends"),

		DispatchInterval: p.duration("DISPATCH_INTERVAL", 10*time.Second),
		SweepInterval:    p.duration("SWEEP_INTERVAL", time.Minute),
		StaleTaskAfter:   p.duration("STALE_TASK_AFTER", 15*time.Minute),
		ThrottleWindow:   p.duration("THROTTLE_WINDOW", time.Minute),

		SendMaxAttempts:   p.int("SEND_MAX_ATTEMPTS", 4),
		SendBackoffBase:   p.duration("SEND_BACKOFF_BASE", time.Minute),
		SendBackoffMax:    p.duration("SEND_BACKOFF_MAX", 15*time.Minute),
		SenderConcurrency: p.int("SENDER_CONCURRENCY", 8),

		ProviderRatePerSec: p.float("PROVIDER_RATE_PER_SEC", 10),
		SendGridHost:       getenv("SENDGRID_HOST", "https://api.sendgrid.com"),
		GoogleClientID:     getenv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getenv("GOOGLE_CLIENT_SECRET", ""),

		InstanceID: getenv("INSTANCE_ID", hostname()),
		LogLevel:   strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFile:    getenv("LOG_FILE", ""),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s=%q: %w", key, value, err)
	}
}
