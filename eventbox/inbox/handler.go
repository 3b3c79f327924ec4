package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/halberd-labs/lib-eventbox/eventbox/events"
)

// MessageHandler applies the effects of one recorded message.
type MessageHandler func(ctx context.Context, msg *Message) error

// HandlerRegistry stores message handlers by event type, with an optional
// fallback for unregistered types.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	fallback MessageHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]MessageHandler{}}
}

// Register binds a handler to an event type.
func (registry *HandlerRegistry) Register(eventType string, handler MessageHandler) error {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]MessageHandler)
	}

	if _, exists := registry.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	registry.handlers[normalizedType] = handler

	return nil
}

// RegisterFallback sets the handler for unregistered types.
func (registry *HandlerRegistry) RegisterFallback(handler MessageHandler) error {
	if handler == nil {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.fallback = handler

	return nil
}

// Handle routes the message to its handler.
func (registry *HandlerRegistry) Handle(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrMessageRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[msg.EventType]
	if !ok {
		handler = registry.fallback
	}
	registry.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, msg.EventType)
	}

	return handler(ctx, msg)
}

// ReactorHandler adapts the in-process event dispatcher to a MessageHandler:
// the recorded message is rebuilt into a domain event and delivered through
// the reactor registry. Consumers that already wire reactors for local
// dispatch reuse them for remote deliveries this way.
func ReactorHandler(dispatcher *events.Dispatcher) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		if msg == nil {
			return ErrMessageRequired
		}

		event, err := events.NewWithID(msg.ID, msg.EventType, msg.Payload, msg.ReceivedAt)
		if err != nil {
			return fmt.Errorf("rebuild event from inbox message: %w", err)
		}

		return dispatcher.DispatchEvent(ctx, event)
	}
}
