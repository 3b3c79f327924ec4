package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/halberd-labs/lib-eventbox/eventbox/backoff"
	"github.com/halberd-labs/lib-eventbox/eventbox/inbox"
	"github.com/halberd-labs/lib-eventbox/eventbox/outbox"
	"github.com/halberd-labs/lib-eventbox/eventbox/postgres"
	"github.com/halberd-labs/lib-eventbox/eventbox/rabbitmq"
)

// ErrUnknownBackoffStrategy indicates an unrecognized EVENTBOX_OUTBOX_BACKOFF_STRATEGY value.
var ErrUnknownBackoffStrategy = errors.New("config: unknown backoff strategy")

// Config is the environment-variable surface of the library. Every field has
// a working default except the DSNs and the broker URL, which the host
// application must provide when it uses the corresponding backend.
type Config struct {
	Postgres PostgresConfig `envPrefix:"EVENTBOX_POSTGRES_"`
	RabbitMQ RabbitMQConfig `envPrefix:"EVENTBOX_RABBITMQ_"`
	Outbox   OutboxConfig   `envPrefix:"EVENTBOX_OUTBOX_"`
	Inbox    InboxConfig    `envPrefix:"EVENTBOX_INBOX_"`
}

// PostgresConfig maps to eventbox/postgres.Config.
type PostgresConfig struct {
	PrimaryDSN      string        `env:"PRIMARY_DSN"`
	ReplicaDSN      string        `env:"REPLICA_DSN"`
	DatabaseName    string        `env:"DATABASE_NAME"`
	MigrationsPath  string        `env:"MIGRATIONS_PATH"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"5m"`
}

// RabbitMQConfig maps to the eventbox/rabbitmq bus.
type RabbitMQConfig struct {
	URL            string        `env:"URL"`
	Exchange       string        `env:"EXCHANGE" envDefault:"events"`
	QueuePrefix    string        `env:"QUEUE_PREFIX"`
	ConfirmTimeout time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"5s"`
	Prefetch       int           `env:"PREFETCH" envDefault:"32"`
}

// OutboxConfig maps to outbox.DispatcherConfig.
type OutboxConfig struct {
	DispatchInterval   time.Duration `env:"DISPATCH_INTERVAL" envDefault:"2s"`
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"50"`
	PublishMaxAttempts int           `env:"PUBLISH_MAX_ATTEMPTS" envDefault:"3"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"10"`
	RetryWindow        time.Duration `env:"RETRY_WINDOW" envDefault:"5m"`
	ProcessingTimeout  time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"10m"`
	BackoffStrategy    string        `env:"BACKOFF_STRATEGY" envDefault:"exponential"`
	BackoffBase        time.Duration `env:"BACKOFF_BASE" envDefault:"200ms"`
	BackoffCap         time.Duration `env:"BACKOFF_CAP" envDefault:"5s"`
}

// InboxConfig maps to inbox.ProcessorConfig.
type InboxConfig struct {
	ProcessTimeout time.Duration `env:"PROCESS_TIMEOUT" envDefault:"30s"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE" envDefault:"50"`
	StaleAfter     time.Duration `env:"STALE_AFTER" envDefault:"10m"`
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	return cfg, nil
}

// ClientConfig converts to an eventbox/postgres client configuration.
func (cfg PostgresConfig) ClientConfig() postgres.Config {
	return postgres.Config{
		PrimaryDSN:      cfg.PrimaryDSN,
		ReplicaDSN:      cfg.ReplicaDSN,
		DatabaseName:    cfg.DatabaseName,
		MigrationsPath:  cfg.MigrationsPath,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// BusOptions converts to rabbitmq bus options. The URL is passed separately
// to rabbitmq.NewConnection.
func (cfg RabbitMQConfig) BusOptions() []rabbitmq.BusOption {
	opts := []rabbitmq.BusOption{
		rabbitmq.WithExchange(cfg.Exchange),
		rabbitmq.WithBusConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithBusPrefetch(cfg.Prefetch),
	}

	if cfg.QueuePrefix != "" {
		opts = append(opts, rabbitmq.WithQueuePrefix(cfg.QueuePrefix))
	}

	return opts
}

// BackoffPolicy builds the publish retry policy from the strategy name.
func (cfg OutboxConfig) BackoffPolicy() (backoff.Policy, error) {
	policy := backoff.Policy{
		Base:   cfg.BackoffBase,
		Cap:    cfg.BackoffCap,
		Jitter: true,
	}

	switch strings.ToLower(strings.TrimSpace(cfg.BackoffStrategy)) {
	case "fixed":
		policy.Strategy = backoff.StrategyFixed
	case "linear":
		policy.Strategy = backoff.StrategyLinear
	case "exponential", "":
		policy.Strategy = backoff.StrategyExponential
	default:
		return backoff.Policy{}, fmt.Errorf("%w: %q", ErrUnknownBackoffStrategy, cfg.BackoffStrategy)
	}

	return policy, nil
}

// DispatcherOptions converts to outbox dispatcher options.
func (cfg OutboxConfig) DispatcherOptions() ([]outbox.DispatcherOption, error) {
	policy, err := cfg.BackoffPolicy()
	if err != nil {
		return nil, err
	}

	return []outbox.DispatcherOption{
		outbox.WithDispatchInterval(cfg.DispatchInterval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithPublishMaxAttempts(cfg.PublishMaxAttempts),
		outbox.WithPublishBackoff(policy),
		outbox.WithRetryWindow(cfg.RetryWindow),
		outbox.WithMaxAttempts(cfg.MaxAttempts),
		outbox.WithProcessingTimeout(cfg.ProcessingTimeout),
	}, nil
}

// ProcessorOptions converts to inbox processor options.
func (cfg InboxConfig) ProcessorOptions() []inbox.ProcessorOption {
	return []inbox.ProcessorOption{
		inbox.WithProcessTimeout(cfg.ProcessTimeout),
		inbox.WithMaxAttempts(cfg.MaxAttempts),
		inbox.WithSweepInterval(cfg.SweepInterval),
		inbox.WithSweepBatchSize(cfg.SweepBatchSize),
		inbox.WithStaleAfter(cfg.StaleAfter),
	}
}
