package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/runtime"
)

var (
	// ErrConnectionRequired indicates a nil connection was handed to New.
	ErrConnectionRequired = errors.New("rabbitmq: connection is required")

	// ErrBusNotStarted indicates a publish before Start.
	ErrBusNotStarted = errors.New("rabbitmq: bus is not started")

	// ErrMessageIDRequired indicates a publish without a message id. Consumers
	// deduplicate by id, so an empty one would break at-most-once effects.
	ErrMessageIDRequired = errors.New("rabbitmq: message id is required")
)

const (
	defaultExchange = "events"
	contentTypeJSON = "application/json"
)

// Bus is a bus.MessageBus on a durable topic exchange. The event type is the
// routing key: Publish sends the JSON envelope to the exchange with the
// message's event type, Subscribe binds one durable queue per event type and
// consumes it with manual acks. Rejected or undecodable deliveries flow to
// the bus's dead-letter queue.
type Bus struct {
	conn           *Connection
	logger         log.Logger
	exchange       string
	queuePrefix    string
	confirmTimeout time.Duration
	prefetch       int

	mu        sync.Mutex
	publisher *Publisher
	subs      []*busSubscription
	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
	closed    bool
	wg        sync.WaitGroup
}

var _ bus.MessageBus = (*Bus)(nil)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the bus logger. Nil values are ignored.
func WithBusLogger(logger log.Logger) BusOption {
	return func(b *Bus) {
		if !nilcheck.Any(logger) {
			b.logger = logger
		}
	}
}

// WithExchange overrides the exchange name. The dead-letter exchange and
// queue names derive from it.
func WithExchange(name string) BusOption {
	return func(b *Bus) {
		if name != "" {
			b.exchange = name
		}
	}
}

// WithQueuePrefix overrides the prefix prepended to per-event-type queue
// names. Defaults to the exchange name plus a dot.
func WithQueuePrefix(prefix string) BusOption {
	return func(b *Bus) {
		if prefix != "" {
			b.queuePrefix = prefix
		}
	}
}

// WithBusConfirmTimeout bounds the wait for broker confirmations on Publish.
func WithBusConfirmTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) {
		if timeout > 0 {
			b.confirmTimeout = timeout
		}
	}
}

// WithBusPrefetch bounds unacknowledged deliveries per subscription.
func WithBusPrefetch(count int) BusOption {
	return func(b *Bus) {
		if count > 0 {
			b.prefetch = count
		}
	}
}

// New builds a Bus on conn. Nothing touches the broker until Start.
func New(conn *Connection, opts ...BusOption) (*Bus, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	b := &Bus{
		conn:           conn,
		logger:         log.NewNop(),
		exchange:       defaultExchange,
		confirmTimeout: defaultConfirmTimeout,
		prefetch:       defaultPrefetch,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.queuePrefix == "" {
		b.queuePrefix = b.exchange + "."
	}

	return b, nil
}

func (b *Bus) dlxName() string { return b.exchange + ".dlx" }

func (b *Bus) dlqName() string { return b.exchange + ".dlq" }

// Start connects, declares the exchange and dead-letter topology, opens the
// confirm-mode publisher, and activates subscriptions made before Start.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrBusClosed
	}

	if b.started {
		return nil
	}

	if err := b.conn.Connect(ctx); err != nil {
		return err
	}

	ch, err := b.conn.Channel(ctx)
	if err != nil {
		return err
	}

	if err := b.declareTopology(ch); err != nil {
		_ = ch.Close()

		return err
	}

	publisher, err := NewPublisher(ch,
		WithPublisherLogger(b.logger),
		WithConfirmTimeout(b.confirmTimeout),
		WithChannelProvider(func(ctx context.Context) (ConfirmableChannel, error) {
			return b.conn.Channel(ctx)
		}),
	)
	if err != nil {
		_ = ch.Close()

		return err
	}

	b.publisher = publisher
	b.runCtx, b.runCancel = context.WithCancel(context.Background())
	b.started = true

	for _, sub := range b.subs {
		if err := b.activateLocked(ctx, sub); err != nil {
			return fmt.Errorf("rabbitmq: activate subscription for %s: %w", sub.eventType, err)
		}
	}

	return nil
}

func (b *Bus) declareTopology(ch TopologyChannel) error {
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", b.exchange, err)
	}

	return DeclareDLQTopology(ch,
		WithDLXName(b.dlxName()),
		WithDLQueueName(b.dlqName()),
	)
}

// Publish sends the envelope to the exchange and waits for the broker
// confirmation. Delivery is persistent; the event type is the routing key.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	if msg.EventType == "" {
		return bus.ErrEmptyEventType
	}

	if msg.ID == uuid.Nil {
		return ErrMessageIDRequired
	}

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return bus.ErrBusClosed
	}

	if !b.started {
		b.mu.Unlock()
		return ErrBusNotStarted
	}

	publisher := b.publisher
	exchange := b.exchange
	b.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rabbitmq: encode message %s: %w", msg.ID, err)
	}

	return publisher.Publish(ctx, exchange, msg.EventType, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Type:         msg.EventType,
		Timestamp:    msg.OccurredAt,
		Body:         body,
	})
}

// Subscribe binds a durable queue for eventType and consumes it with handler.
// Before Start the subscription is recorded and activated on Start.
//
//nolint:ireturn
func (b *Bus) Subscribe(eventType string, handler bus.Handler) (bus.Subscription, error) {
	if eventType == "" {
		return nil, bus.ErrEmptyEventType
	}

	if handler == nil {
		return nil, bus.ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrBusClosed
	}

	sub := &busSubscription{bus: b, eventType: eventType, handler: handler}

	if b.started {
		if err := b.activateLocked(context.Background(), sub); err != nil {
			return nil, fmt.Errorf("rabbitmq: activate subscription for %s: %w", eventType, err)
		}
	}

	b.subs = append(b.subs, sub)

	return sub, nil
}

// activateLocked declares the subscription's queue and starts its consumer.
// Caller holds b.mu.
func (b *Bus) activateLocked(ctx context.Context, sub *busSubscription) error {
	ch, err := b.conn.Channel(ctx)
	if err != nil {
		return err
	}

	queue := b.queuePrefix + sub.eventType

	if _, err := ch.QueueDeclare(queue, true, false, false, false, DeadLetterArgs(b.dlxName())); err != nil {
		_ = ch.Close()

		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, sub.eventType, b.exchange, false, nil); err != nil {
		_ = ch.Close()

		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	consumer, err := NewConsumer(ch, queue, sub.handler,
		WithConsumerLogger(b.logger),
		WithPrefetch(b.prefetch),
	)
	if err != nil {
		_ = ch.Close()

		return err
	}

	sub.ch = ch
	sub.consumer = consumer

	runCtx := b.runCtx

	b.wg.Add(1)

	runtime.SafeGo(b.logger, "rabbitmq-bus-consume-"+sub.eventType, runtime.KeepRunning, func() {
		defer b.wg.Done()

		err := consumer.Run(runCtx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		if errors.Is(err, ErrDeliveriesClosed) && b.isClosed() {
			return
		}

		b.logger.Log(context.Background(), log.LevelError, "rabbitmq consumer stopped",
			log.String("queue", queue),
			log.Err(err),
		)
	})

	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Stop drains consumers, closes the publisher, and tears the connection
// down. Waiting for in-flight deliveries is bounded by ctx.
func (b *Bus) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	subs := make([]*busSubscription, len(b.subs))
	copy(subs, b.subs)
	publisher := b.publisher
	cancel := b.runCancel
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.consumer != nil {
			sub.consumer.Stop()
		}
	}

	done := make(chan struct{})

	go func() {
		b.wg.Wait()
		close(done)
	}()

	var waitErr error

	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()

		if cancel != nil {
			cancel()
		}
	}

	if cancel != nil {
		cancel()
	}

	for _, sub := range subs {
		if sub.ch != nil {
			_ = sub.ch.Close()
		}
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil && waitErr == nil {
			waitErr = err
		}
	}

	if err := b.conn.Close(); err != nil && waitErr == nil {
		waitErr = err
	}

	return waitErr
}

type busSubscription struct {
	bus       *Bus
	eventType string
	handler   bus.Handler
	consumer  *Consumer
	ch        *amqp.Channel
	removed   bool
}

// Unsubscribe stops the consumer and releases its channel. Safe to call more
// than once.
func (sub *busSubscription) Unsubscribe() error {
	sub.bus.mu.Lock()

	if sub.removed {
		sub.bus.mu.Unlock()
		return nil
	}

	sub.removed = true

	for i, candidate := range sub.bus.subs {
		if candidate == sub {
			sub.bus.subs = append(sub.bus.subs[:i], sub.bus.subs[i+1:]...)
			break
		}
	}

	consumer := sub.consumer
	ch := sub.ch
	sub.bus.mu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}

	if ch != nil {
		_ = ch.Close()
	}

	return nil
}
