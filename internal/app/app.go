// Package app wires configuration into the clients and services shared by
// the binaries under cmd/.
package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/portfolio-workcore/internal/config"
	"github.com/cuongbtq/portfolio-workcore/internal/decision"
	decisionstorage "github.com/cuongbtq/portfolio-workcore/internal/decision/storage"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/backoff"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/sla"
	jobstorage "github.com/cuongbtq/portfolio-workcore/internal/jobs/storage"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
	"github.com/cuongbtq/portfolio-workcore/internal/notify"
	"github.com/cuongbtq/portfolio-workcore/shared/logger"
	"github.com/cuongbtq/portfolio-workcore/shared/postgresql"
	"github.com/cuongbtq/portfolio-workcore/shared/rabbitmq"
	"github.com/cuongbtq/portfolio-workcore/shared/redis"
)

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// NewPostgreSQL initializes the PostgreSQL database client
func NewPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// NewRabbitMQ initializes the RabbitMQ client
func NewRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// NewRedis initializes the Redis client
func NewRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, logger)
}

// JobOptions converts the jobs section into store options
func JobOptions(cfg *config.JobsConfig) (jobstorage.Options, error) {
	strategy, err := backoff.New(cfg.Backoff.Strategy, cfg.Backoff.Initial, cfg.Backoff.Max)
	if err != nil {
		return jobstorage.Options{}, fmt.Errorf("invalid backoff config: %w", err)
	}
	return jobstorage.Options{
		Defaults: jobs.Defaults{Channel: cfg.DefaultChannel, MaxAttempts: cfg.DefaultMaxAttempts},
		Backoff:  strategy,
	}, nil
}

// NewJobStorage builds the PostgreSQL job store
func NewJobStorage(pg *postgresql.Client, logger *slog.Logger, opts jobstorage.Options) *jobstorage.Storage {
	return jobstorage.NewStorage(pg, logger, opts)
}

// SLAThresholds converts the SLA section
func SLAThresholds(cfg *config.SLAConfig) sla.Thresholds {
	return sla.Thresholds{PendingMax: cfg.PendingMax, ProcessingMax: cfg.ProcessingMax}
}

// Transport holds the notifier and whichever broker client backs it
type Transport struct {
	Notifier notify.Notifier
	Rabbit   *rabbitmq.Client
	Redis    *redis.Client
}

// Close releases the broker client
func (t *Transport) Close() {
	if t.Rabbit != nil {
		t.Rabbit.Close()
	}
	if t.Redis != nil {
		t.Redis.Close()
	}
}

// NewTransport connects the broker selected by notifier.driver
func NewTransport(cfg *config.Config, logger *slog.Logger) (*Transport, error) {
	switch cfg.Notifier.Driver {
	case config.NotifierRabbitMQ, "":
		client, err := NewRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		return &Transport{Notifier: notify.NewRabbitMQ(client, logger), Rabbit: client}, nil
	case config.NotifierRedis:
		client, err := NewRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		return &Transport{Notifier: notify.NewRedis(client, cfg.Redis.ChannelPrefix, logger), Redis: client}, nil
	case config.NotifierNoop:
		logger.Warn("Notifier disabled, workers rely on polling")
		return &Transport{Notifier: notify.Noop{}}, nil
	}
	return nil, fmt.Errorf("unknown notifier driver: %q", cfg.Notifier.Driver)
}

// NewDecisionService builds the decision orchestrator over PostgreSQL
func NewDecisionService(cfg *config.Config, pg *postgresql.Client, jobStore *jobstorage.Storage, notifier notify.Notifier, logger *slog.Logger) *decision.Service {
	return decision.NewService(
		decisionstorage.NewStorage(pg, jobStore, logger),
		lifecycle.NewMachine(cfg.Orchestrator.MinReasonLength),
		notifier,
		logger,
		DecisionConfig(cfg),
	)
}

// DecisionConfig converts the orchestrator section
func DecisionConfig(cfg *config.Config) decision.Config {
	return decision.Config{
		MaxBulkItems:        cfg.Orchestrator.MaxBulkItems,
		MaxReasonLength:     cfg.Orchestrator.MaxReasonLength,
		FollowOnChannel:     cfg.Orchestrator.FollowOnChannel,
		FollowOnMaxAttempts: cfg.Orchestrator.FollowOnMaxTry,
		NotifyTimeout:       cfg.Notifier.Timeout,
	}
}
