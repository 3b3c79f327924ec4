package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/halberd-labs/lib-eventbox/eventbox/events"
)

// MaxPayloadBytes bounds staged payloads at 1 MiB.
const MaxPayloadBytes = 1 << 20

// Event is an event staged in the outbox for reliable delivery. The row
// shares its id with the domain event it carries, so the same identity
// reaches the inbox on the consumer side.
type Event struct {
	ID          uuid.UUID
	EventType   string
	AggregateID uuid.UUID
	Topic       string
	Payload     []byte
	Status      Status
	Attempts    int
	PublishedAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEvent creates a valid outbox event initialized as pending.
func NewEvent(eventType string, aggregateID uuid.UUID, topic string, payload []byte) (*Event, error) {
	return NewEventWithID(uuid.New(), eventType, aggregateID, topic, payload)
}

// NewEventWithID creates a valid pending outbox event with a caller-provided
// id. Callers staging a domain event pass the event's own id so downstream
// deduplication keys stay stable.
func NewEventWithID(eventID uuid.UUID, eventType string, aggregateID uuid.UUID, topic string, payload []byte) (*Event, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if aggregateID == uuid.Nil {
		return nil, ErrAggregateIDRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Event{
		ID:          eventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Topic:       strings.TrimSpace(topic),
		Payload:     payload,
		Status:      StatusPending,
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// FromDomainEvent stages a domain event for the given aggregate and topic,
// preserving the event id.
func FromDomainEvent(event events.Event, aggregateID uuid.UUID, topic string) (*Event, error) {
	return NewEventWithID(event.ID, event.Type, aggregateID, topic, event.Payload)
}
