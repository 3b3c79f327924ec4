package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed indicates an operation on a stopped bus.
	ErrBusClosed = errors.New("message bus is closed")

	// ErrNilHandler indicates a nil handler was passed to Subscribe.
	ErrNilHandler = errors.New("handler must not be nil")

	// ErrEmptyEventType indicates an empty event type on publish or subscribe.
	ErrEmptyEventType = errors.New("event type must not be empty")
)

// Message is the wire-level envelope. ID carries the originating event id so
// consumers can deduplicate redeliveries.
type Message struct {
	ID         uuid.UUID       `json:"id"`
	EventType  string          `json:"event_type"`
	Topic      string          `json:"topic,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Handler processes one delivered message. Returning an error asks the
// transport to redeliver (implementations decide how: nack, requeue, retry).
type Handler func(ctx context.Context, msg Message) error

// Subscription is a handle on an active subscription.
type Subscription interface {
	// Unsubscribe detaches the handler. Safe to call more than once.
	Unsubscribe() error
}

// MessageBus abstracts the transport between outbox publishers and inbox
// processors. Implementations must deliver at least once; consumers are
// expected to deduplicate by Message.ID.
type MessageBus interface {
	// Publish sends the message to all subscribers of its event type.
	Publish(ctx context.Context, msg Message) error

	// Subscribe attaches a handler for one event type.
	Subscribe(eventType string, handler Handler) (Subscription, error)

	// Start begins delivering messages. Publish before Start may fail or
	// buffer depending on the implementation.
	Start(ctx context.Context) error

	// Stop drains in-flight deliveries and shuts the bus down.
	Stop(ctx context.Context) error
}
