package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Notifier drivers
const (
	NotifierRabbitMQ = "rabbitmq"
	NotifierRedis    = "redis"
	NotifierNoop     = "noop"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
	Worker       WorkerConfig       `yaml:"worker"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Notifier     NotifierConfig     `yaml:"notifier"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port" env:"DATABASE_PORT"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MigrationsTable string        `yaml:"migrations_table"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds Redis connection settings used by the redis notifier
type RedisConfig struct {
	Addr          string `yaml:"addr" env:"REDIS_ADDR"`
	Password      string `yaml:"password" env:"REDIS_PASSWORD"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOG_LEVEL"`
	Format           string `yaml:"format" env:"LOG_FORMAT"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENVIRONMENT"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	Channel             string        `yaml:"channel" env:"WORKER_CHANNEL"`
	FallbackChannels    []string      `yaml:"fallback_channels"`
	LeaseDuration       time.Duration `yaml:"lease_duration"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaxClaimsPerSecond  float64       `yaml:"max_claims_per_second"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace      time.Duration `yaml:"reconcile_grace"`
	ReconcileBatchSize  int           `yaml:"reconcile_batch_size"`
	SLAMonitorInterval  time.Duration `yaml:"sla_monitor_interval"`
	WakeupConsumerTag   string        `yaml:"wakeup_consumer_tag"`
	DisableWakeupListen bool          `yaml:"disable_wakeup_listen"`
}

// JobsConfig holds queue-wide job defaults, retry policy and SLA thresholds
type JobsConfig struct {
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	DefaultChannel     string        `yaml:"default_channel"`
	Backoff            BackoffConfig `yaml:"backoff"`
	SLA                SLAConfig     `yaml:"sla"`
}

// BackoffConfig selects the re-schedule delay applied after a failed attempt
type BackoffConfig struct {
	Strategy string        `yaml:"strategy"` // fixed, exponential
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

// SLAConfig holds the age thresholds after which a job counts as breached
type SLAConfig struct {
	PendingMax    time.Duration `yaml:"pending_max"`
	ProcessingMax time.Duration `yaml:"processing_max"`
}

// NotifierConfig selects how the worker pool is woken up after commit
type NotifierConfig struct {
	Driver  string        `yaml:"driver" env:"NOTIFIER_DRIVER"`
	Timeout time.Duration `yaml:"timeout"`
}

// OrchestratorConfig holds decision orchestrator limits
type OrchestratorConfig struct {
	MaxBulkItems    int    `yaml:"max_bulk_items"`
	MinReasonLength int    `yaml:"min_reason_length"`
	MaxReasonLength int    `yaml:"max_reason_length"`
	FollowOnChannel string `yaml:"follow_on_channel"`
	FollowOnMaxTry  int    `yaml:"follow_on_max_attempts"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills zero values that have a sensible default
func (c *Config) applyDefaults() {
	if c.Database.MigrationsTable == "" {
		c.Database.MigrationsTable = "goose_db_version"
	}
	if c.Jobs.DefaultMaxAttempts <= 0 {
		c.Jobs.DefaultMaxAttempts = 3
	}
	if c.Jobs.DefaultChannel == "" {
		c.Jobs.DefaultChannel = "default"
	}
	if c.Jobs.Backoff.Strategy == "" {
		c.Jobs.Backoff.Strategy = "exponential"
	}
	if c.Jobs.Backoff.Initial <= 0 {
		c.Jobs.Backoff.Initial = 30 * time.Second
	}
	if c.Jobs.Backoff.Max <= 0 {
		c.Jobs.Backoff.Max = 30 * time.Minute
	}
	if c.Jobs.SLA.PendingMax <= 0 {
		c.Jobs.SLA.PendingMax = 20 * time.Minute
	}
	if c.Jobs.SLA.ProcessingMax <= 0 {
		c.Jobs.SLA.ProcessingMax = 60 * time.Minute
	}
	if c.Notifier.Driver == "" {
		c.Notifier.Driver = NotifierRabbitMQ
	}
	if c.Notifier.Timeout <= 0 {
		c.Notifier.Timeout = 5 * time.Second
	}
	if c.Orchestrator.MaxBulkItems <= 0 {
		c.Orchestrator.MaxBulkItems = 200
	}
	if c.Orchestrator.MinReasonLength <= 0 {
		c.Orchestrator.MinReasonLength = 10
	}
	if c.Orchestrator.FollowOnChannel == "" {
		c.Orchestrator.FollowOnChannel = "acquisition"
	}
	if c.Orchestrator.FollowOnMaxTry <= 0 {
		c.Orchestrator.FollowOnMaxTry = 5
	}
	if c.Worker.Channel == "" {
		c.Worker.Channel = c.Jobs.DefaultChannel
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.ReconcileInterval <= 0 {
		c.Worker.ReconcileInterval = time.Minute
	}
	if c.Worker.ReconcileGrace <= 0 {
		c.Worker.ReconcileGrace = 2 * time.Minute
	}
	if c.Worker.ReconcileBatchSize <= 0 {
		c.Worker.ReconcileBatchSize = 500
	}
	if c.Worker.SLAMonitorInterval <= 0 {
		c.Worker.SLAMonitorInterval = 5 * time.Minute
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Notifier.Driver {
	case NotifierRabbitMQ, "":
		return c.validateRabbitMQ()
	case NotifierRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis notifier")
		}
	case NotifierNoop:
	default:
		return fmt.Errorf("unknown notifier driver: %q", c.Notifier.Driver)
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.Orchestrator.MaxBulkItems <= 0 {
		return fmt.Errorf("orchestrator max_bulk_items must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the worker service configuration
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.LeaseDuration <= c.Worker.JobTimeout {
		return fmt.Errorf("worker lease_duration (%s) must exceed job_timeout (%s)", c.Worker.LeaseDuration, c.Worker.JobTimeout)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MaxClaimsPerSecond < 0 {
		return fmt.Errorf("worker max_claims_per_second must not be negative")
	}

	switch c.Jobs.Backoff.Strategy {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("unknown backoff strategy: %q", c.Jobs.Backoff.Strategy)
	}

	return nil
}
