package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
)

const (
	defaultDLXName      = "events.dlx"
	defaultDLQueueName  = "events.dlq"
	defaultDLXType      = "topic"
	defaultDLBindingKey = "#"
)

// TopologyChannel is the slice of amqp.Channel needed for topology
// declarations. *amqp.Channel satisfies it.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQConfig names the dead-letter exchange and queue.
type DLQConfig struct {
	ExchangeName string
	QueueName    string
	ExchangeType string
	BindingKey   string
	MessageTTL   time.Duration
	MaxLength    int64
}

// DLQOption configures the dead-letter topology.
type DLQOption func(*DLQConfig)

// WithDLXName overrides the dead-letter exchange name.
func WithDLXName(name string) DLQOption {
	return func(cfg *DLQConfig) {
		if name != "" {
			cfg.ExchangeName = name
		}
	}
}

// WithDLQueueName overrides the dead-letter queue name.
func WithDLQueueName(name string) DLQOption {
	return func(cfg *DLQConfig) {
		if name != "" {
			cfg.QueueName = name
		}
	}
}

// WithDLXType overrides the dead-letter exchange type.
func WithDLXType(exchangeType string) DLQOption {
	return func(cfg *DLQConfig) {
		if exchangeType != "" {
			cfg.ExchangeType = exchangeType
		}
	}
}

// WithDLBindingKey overrides the binding key between queue and exchange.
func WithDLBindingKey(key string) DLQOption {
	return func(cfg *DLQConfig) {
		if key != "" {
			cfg.BindingKey = key
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl on the dead-letter queue.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQConfig) {
		if ttl > 0 {
			cfg.MessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the dead-letter queue.
func WithDLQMaxLength(maxLength int64) DLQOption {
	return func(cfg *DLQConfig) {
		if maxLength > 0 {
			cfg.MaxLength = maxLength
		}
	}
}

func defaultDLQConfig() DLQConfig {
	return DLQConfig{
		ExchangeName: defaultDLXName,
		QueueName:    defaultDLQueueName,
		ExchangeType: defaultDLXType,
		BindingKey:   defaultDLBindingKey,
	}
}

func (cfg DLQConfig) queueArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.MessageTTL > 0 {
		ttlMillis := cfg.MessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.MaxLength > 0 {
		args["x-max-length"] = cfg.MaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareDLQTopology declares the dead-letter exchange, its queue, and the
// binding between them. Idempotent on the broker side; safe to call on every
// startup.
func DeclareDLQTopology(ch TopologyChannel, opts ...DLQOption) error {
	if nilcheck.Any(ch) {
		return fmt.Errorf("rabbitmq: declare dlq topology: %w", ErrChannelRequired)
	}

	cfg := defaultDLQConfig()

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare dead-letter exchange %s: %w", cfg.ExchangeName, err)
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, cfg.queueArgs()); err != nil {
		return fmt.Errorf("rabbitmq: declare dead-letter queue %s: %w", cfg.QueueName, err)
	}

	if err := ch.QueueBind(cfg.QueueName, cfg.BindingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind %s to %s: %w", cfg.QueueName, cfg.ExchangeName, err)
	}

	return nil
}

// DeadLetterArgs returns the queue declaration args routing rejected
// deliveries to the given dead-letter exchange.
func DeadLetterArgs(exchangeName string) amqp.Table {
	if exchangeName == "" {
		exchangeName = defaultDLXName
	}

	return amqp.Table{"x-dead-letter-exchange": exchangeName}
}
