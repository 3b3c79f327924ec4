package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
)

// EventHandler publishes one outbox event to its destination.
type EventHandler func(ctx context.Context, event *Event) error

// HandlerRegistry stores event handlers by event type. An optional fallback
// handler covers types with no explicit registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	fallback EventHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]EventHandler{}}
}

// Register binds a handler to an event type. Registering a type twice is an
// error; routing must be unambiguous.
func (registry *HandlerRegistry) Register(eventType string, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]EventHandler)
	}

	if _, exists := registry.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	registry.handlers[normalizedType] = handler

	return nil
}

// RegisterFallback sets the handler used for event types with no explicit
// registration.
func (registry *HandlerRegistry) RegisterFallback(handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.fallback = handler

	return nil
}

// Handle routes the event to its registered handler, or the fallback.
func (registry *HandlerRegistry) Handle(ctx context.Context, event *Event) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if event == nil {
		return ErrEventRequired
	}

	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[eventType]
	if !ok {
		handler = registry.fallback
	}
	registry.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	return handler(ctx, event)
}

// BusHandler returns an EventHandler that publishes events through a message
// bus, carrying the event's Topic as the routing hint. Register it as the
// fallback to route every staged type through one transport.
func BusHandler(messageBus bus.MessageBus) (EventHandler, error) {
	if nilcheck.Any(messageBus) {
		return nil, ErrBusRequired
	}

	return func(ctx context.Context, event *Event) error {
		if event == nil {
			return ErrEventRequired
		}

		msg := bus.Message{
			ID:         event.ID,
			EventType:  event.EventType,
			Topic:      event.Topic,
			Payload:    event.Payload,
			OccurredAt: event.CreatedAt,
		}

		if err := messageBus.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish %s to bus: %w", event.EventType, err)
		}

		return nil
	}, nil
}
