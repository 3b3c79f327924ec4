package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DecodeFunc turns a raw JSON payload into a typed value for its event type.
type DecodeFunc func(payload json.RawMessage) (any, error)

// DecoderRegistry is a closed set of type tag to decoder mappings. An
// unrecognized tag is a data error, never a lookup by reflection.
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewDecoderRegistry creates an empty decoder registry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: make(map[string]DecodeFunc)}
}

// Register binds a decoder to an event type tag. Registering the same tag
// twice replaces the previous decoder.
func (registry *DecoderRegistry) Register(eventType string, decode DecodeFunc) error {
	if eventType == "" {
		return ErrEmptyEventType
	}

	if decode == nil {
		return ErrNilDecoder
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.decoders[eventType] = decode

	return nil
}

// RegisterType binds a tag to a JSON unmarshal into T.
func RegisterType[T any](registry *DecoderRegistry, eventType string) error {
	return registry.Register(eventType, func(payload json.RawMessage) (any, error) {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}

		return value, nil
	})
}

// Decode resolves the decoder for event.Type and applies it to the payload.
func (registry *DecoderRegistry) Decode(event Event) (any, error) {
	registry.mu.RLock()
	decode, ok := registry.decoders[event.Type]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, event.Type)
	}

	return decode(event.Payload)
}

// Known reports whether a decoder is registered for eventType.
func (registry *DecoderRegistry) Known(eventType string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	_, ok := registry.decoders[eventType]

	return ok
}
