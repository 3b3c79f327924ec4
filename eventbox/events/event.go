package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadSize bounds event payloads at 1 MiB. Oversized payloads are
// rejected at construction so they can never reach a store or transport.
const MaxPayloadSize = 1 * 1024 * 1024

// Event is an immutable record of a domain fact. The same id follows the
// event from the outbox row through the wire message to the inbox row, which
// is what makes downstream deduplication possible.
type Event struct {
	ID         uuid.UUID
	Type       string
	Payload    json.RawMessage
	OccurredAt time.Time
}

// New creates a validated event with a fresh id and the current time.
func New(eventType string, payload json.RawMessage) (Event, error) {
	return NewWithID(uuid.New(), eventType, payload, time.Now().UTC())
}

// NewWithID creates a validated event with explicit identity and timestamp.
// Used when rehydrating events from storage or the wire.
func NewWithID(id uuid.UUID, eventType string, payload json.RawMessage, occurredAt time.Time) (Event, error) {
	if id == uuid.Nil {
		return Event{}, ErrNilEventID
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Event{}, ErrEmptyEventType
	}

	if len(payload) > MaxPayloadSize {
		return Event{}, ErrPayloadTooLarge
	}

	if len(payload) > 0 && !json.Valid(payload) {
		return Event{}, ErrInvalidPayload
	}

	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Event{
		ID:         id,
		Type:       eventType,
		Payload:    payload,
		OccurredAt: occurredAt,
	}, nil
}
