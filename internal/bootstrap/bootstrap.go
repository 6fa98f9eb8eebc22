// Package bootstrap builds the infrastructure shared by the api and worker
// commands from a loaded config.Config.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/delivery"
	"github.com/tbourn/go-newsletter-backend/internal/notify"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/services"
	"github.com/tbourn/go-newsletter-backend/internal/wakeup"
)

// OpenStore connects to the configured database and migrates the schema.
func OpenStore(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(repo.Options{
		Driver:       cfg.DB.Driver,
		Path:         cfg.DB.Path,
		DSN:          cfg.DB.DSN,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		Tracing:      cfg.OTEL.Enabled,
		Silent:       cfg.LogLevel != "debug",
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		CloseStore(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// CloseStore closes the pool behind db.
func CloseStore(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// NewNotifier returns the email API client, or a notifier that only logs
// when no API URL is configured.
func NewNotifier(cfg config.EmailConfig, log zerolog.Logger) notify.Notifier {
	if cfg.BaseURL == "" {
		log.Warn().Msg("EMAIL_API_URL not set: emails will be logged, not sent")
		return notify.LogNotifier{Log: log}
	}
	c := notify.NewHTTPClient(cfg.BaseURL, cfg.APIToken, cfg.Timeout)
	c.Log = log
	return c
}

// ConnectRedis returns nil without error when Redis is not configured.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	return wakeup.Connect(ctx, cfg.Addr, cfg.Password, cfg.DB)
}

// NewWaker publishes wake-ups on rdb, or does nothing when rdb is nil.
func NewWaker(rdb *redis.Client, channel string) services.Waker {
	if rdb == nil {
		return wakeup.Noop{}
	}
	return wakeup.NewPublisher(rdb, channel)
}

// NewWorker builds a delivery worker. With rdb set it also listens for
// wake-ups until ctx ends.
func NewWorker(ctx context.Context, db *gorm.DB, n notify.Notifier, rdb *redis.Client, cfg config.Config, log zerolog.Logger) (*delivery.Worker, error) {
	w := delivery.New(db, n, cfg.Email.Sender, log, WorkerOptions(cfg))
	if rdb != nil {
		wake, err := wakeup.Listen(ctx, rdb, cfg.Redis.Channel, log)
		if err != nil {
			return nil, err
		}
		w.Wake = wake
	}
	return w, nil
}

// WorkerOptions maps configuration onto delivery.Options.
func WorkerOptions(cfg config.Config) delivery.Options {
	return delivery.Options{
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		Lease:        cfg.Worker.Lease,
		SendTimeout:  cfg.Email.Timeout,
		SendRate:     cfg.Worker.SendRate,
		Backoff: delivery.Backoff{
			Base:   cfg.Worker.BackoffBase,
			Max:    cfg.Worker.BackoffMax,
			Jitter: 0.2,
		},
	}
}

// NewSweeper builds the idempotency sweeper from the maintenance settings.
func NewSweeper(db *gorm.DB, cfg config.MaintenanceConfig, log zerolog.Logger) *services.Sweeper {
	return services.NewSweeper(db, log, cfg.Schedule, cfg.StaleAfter, cfg.Retention)
}
