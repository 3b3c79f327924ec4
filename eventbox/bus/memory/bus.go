package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/runtime"
)

// Bus is an in-process bus.MessageBus. Each Publish fans the message out to
// every subscriber of its event type on a fresh goroutine; PublishSync
// delivers inline for deterministic tests.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	started bool
	closed  bool
	wg      sync.WaitGroup
	logger  log.Logger
}

var _ bus.MessageBus = (*Bus)(nil)

// Option configures the bus.
type Option func(*Bus)

// WithLogger sets the bus logger. Nil values are ignored.
func WithLogger(logger log.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an in-process bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]*subscription),
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

type subscription struct {
	bus       *Bus
	eventType string
	handler   bus.Handler
	removed   bool
}

// Unsubscribe detaches the handler.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.removed {
		return nil
	}

	s.removed = true

	list := s.bus.subs[s.eventType]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}

	return nil
}

// Subscribe attaches a handler for eventType.
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

	sub := &subscription{bus: b, eventType: eventType, handler: handler}
	b.subs[eventType] = append(b.subs[eventType], sub)

	return sub, nil
}

// Publish fans the message out asynchronously to all subscribers of its type.
// Handler errors are logged, not returned; at-least-once redelivery is the
// durable transports' concern, not this in-process one's.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	handlers, err := b.handlersFor(msg.EventType)
	if err != nil {
		return err
	}

	for _, handler := range handlers {
		handler := handler

		b.wg.Add(1)

		runtime.SafeGoWithContext(ctx, b.logger, "memory-bus-deliver", runtime.KeepRunning, func() {
			defer b.wg.Done()

			if err := handler(ctx, msg); err != nil {
				b.logger.Log(ctx, log.LevelWarn, "in-process delivery failed",
					log.String("event_type", msg.EventType),
					log.String("message_id", msg.ID.String()),
					log.Err(err),
				)
			}
		})
	}

	return nil
}

// PublishSync delivers the message inline to all subscribers and returns the
// first handler error. Deterministic; intended for tests and same-goroutine
// wiring.
func (b *Bus) PublishSync(ctx context.Context, msg bus.Message) error {
	handlers, err := b.handlersFor(msg.EventType)
	if err != nil {
		return err
	}

	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			return fmt.Errorf("deliver %s to subscriber: %w", msg.EventType, err)
		}
	}

	return nil
}

func (b *Bus) handlersFor(eventType string) ([]bus.Handler, error) {
	if eventType == "" {
		return nil, bus.ErrEmptyEventType
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, bus.ErrBusClosed
	}

	list := b.subs[eventType]
	handlers := make([]bus.Handler, len(list))
	for i, sub := range list {
		handlers[i] = sub.handler
	}

	return handlers, nil
}

// Start marks the bus ready. The in-process bus has no connection to open.
func (b *Bus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrBusClosed
	}

	b.started = true

	return nil
}

// Stop waits for in-flight asynchronous deliveries, bounded by ctx.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})

	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
