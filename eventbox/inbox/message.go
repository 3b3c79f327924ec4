package inbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
)

// Message is a delivered event recorded for idempotent processing. Its id is
// the originating event id, which is what makes the duplicate check work.
type Message struct {
	ID          uuid.UUID
	EventType   string
	Topic       string
	Payload     []byte
	Status      Status
	Attempts    int
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	LastError   string
	UpdatedAt   time.Time
}

// NewMessage creates a validated inbox message in RECEIVED state.
func NewMessage(id uuid.UUID, eventType, topic string, payload []byte, receivedAt time.Time) (*Message, error) {
	if id == uuid.Nil {
		return nil, ErrMessageIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) > 0 && !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	return &Message{
		ID:         id,
		EventType:  eventType,
		Topic:      strings.TrimSpace(topic),
		Payload:    payload,
		Status:     StatusReceived,
		ReceivedAt: receivedAt,
		UpdatedAt:  receivedAt,
	}, nil
}

// FromBusMessage converts a wire envelope into an inbox message.
func FromBusMessage(msg bus.Message) (*Message, error) {
	return NewMessage(msg.ID, msg.EventType, msg.Topic, msg.Payload, time.Now().UTC())
}
