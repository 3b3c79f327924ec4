package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
)

var (
	// ErrQueueRequired indicates an empty queue name.
	ErrQueueRequired = errors.New("rabbitmq: queue name is required")

	// ErrDeliveriesClosed indicates the broker closed the delivery stream,
	// usually because the channel or connection dropped.
	ErrDeliveriesClosed = errors.New("rabbitmq: delivery stream closed")
)

const defaultPrefetch = 32

// ConsumeChannel is the slice of amqp.Channel the consumer needs.
// *amqp.Channel satisfies it.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Consumer reads one queue with manual acknowledgement and feeds each
// delivery to a bus.Handler. A handler error nacks the delivery back onto
// the queue for redelivery; a delivery that cannot be decoded is nacked
// without requeue so the dead-letter topology keeps it.
type Consumer struct {
	ch       ConsumeChannel
	queue    string
	tag      string
	handler  bus.Handler
	logger   log.Logger
	prefetch int

	stopOnce sync.Once
	stop     chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer logger. Nil values are ignored.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(consumer *Consumer) {
		if !nilcheck.Any(logger) {
			consumer.logger = logger
		}
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(consumer *Consumer) {
		if tag != "" {
			consumer.tag = tag
		}
	}
}

// WithPrefetch bounds the number of unacknowledged deliveries in flight.
func WithPrefetch(count int) ConsumerOption {
	return func(consumer *Consumer) {
		if count > 0 {
			consumer.prefetch = count
		}
	}
}

// NewConsumer builds a consumer for queue on ch. The channel must be
// dedicated to this consumer.
func NewConsumer(ch ConsumeChannel, queue string, handler bus.Handler, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Any(ch) {
		return nil, ErrChannelRequired
	}

	if queue == "" {
		return nil, ErrQueueRequired
	}

	if handler == nil {
		return nil, bus.ErrNilHandler
	}

	consumer := &Consumer{
		ch:       ch,
		queue:    queue,
		handler:  handler,
		logger:   log.NewNop(),
		prefetch: defaultPrefetch,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(consumer)
	}

	return consumer, nil
}

// Run consumes until ctx is canceled, Stop is called, or the broker closes
// the delivery stream. Blocking; callers run it on its own goroutine.
func (consumer *Consumer) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := consumer.ch.Qos(consumer.prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq: set qos on %s: %w", consumer.queue, err)
	}

	deliveries, err := consumer.ch.Consume(consumer.queue, consumer.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %s: %w", consumer.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-consumer.stop:
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: queue %s", ErrDeliveriesClosed, consumer.queue)
			}

			consumer.handleDelivery(ctx, delivery)
		}
	}
}

// Stop asks Run to return after the in-flight delivery finishes. Safe to
// call more than once.
func (consumer *Consumer) Stop() {
	consumer.stopOnce.Do(func() { close(consumer.stop) })
}

func (consumer *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := decodeDelivery(delivery)
	if err != nil {
		consumer.logger.Log(ctx, log.LevelWarn, "discarding undecodable delivery",
			log.String("queue", consumer.queue),
			log.String("message_id", delivery.MessageId),
			log.Err(err),
		)

		// No requeue: redelivery cannot fix a malformed message. The queue's
		// dead-letter exchange keeps it for inspection.
		consumer.nack(ctx, delivery, false)

		return
	}

	if err := consumer.handler(ctx, msg); err != nil {
		consumer.logger.Log(ctx, log.LevelWarn, "delivery handler failed, requeueing",
			log.String("queue", consumer.queue),
			log.String("event_type", msg.EventType),
			log.String("message_id", msg.ID.String()),
			log.Err(err),
		)

		consumer.nack(ctx, delivery, true)

		return
	}

	if err := delivery.Ack(false); err != nil {
		consumer.logger.Log(ctx, log.LevelWarn, "failed to ack delivery",
			log.String("queue", consumer.queue),
			log.String("message_id", msg.ID.String()),
			log.Err(err),
		)
	}
}

func (consumer *Consumer) nack(ctx context.Context, delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		consumer.logger.Log(ctx, log.LevelWarn, "failed to nack delivery",
			log.String("queue", consumer.queue),
			log.Bool("requeue", requeue),
			log.Err(err),
		)
	}
}

// decodeDelivery rebuilds the bus envelope. Bodies published by Bus carry the
// full envelope as JSON; deliveries from other producers fall back to the
// AMQP properties, with the raw body as payload.
func decodeDelivery(delivery amqp.Delivery) (bus.Message, error) {
	if len(delivery.Body) > 0 && json.Valid(delivery.Body) {
		var msg bus.Message
		if err := json.Unmarshal(delivery.Body, &msg); err == nil && msg.ID != uuid.Nil && msg.EventType != "" {
			return msg, nil
		}
	}

	if delivery.MessageId == "" {
		return bus.Message{}, errors.New("delivery has no message id")
	}

	id, err := uuid.Parse(delivery.MessageId)
	if err != nil {
		return bus.Message{}, fmt.Errorf("parse message id: %w", err)
	}

	if delivery.Type == "" {
		return bus.Message{}, errors.New("delivery has no event type")
	}

	return bus.Message{
		ID:         id,
		EventType:  delivery.Type,
		Topic:      delivery.Exchange,
		Payload:    delivery.Body,
		OccurredAt: delivery.Timestamp,
	}, nil
}
