package events

import "errors"

var (
	// ErrNilEventID indicates the event id is the zero uuid.
	ErrNilEventID = errors.New("event id must not be nil")

	// ErrEmptyEventType indicates the event type is empty after trimming.
	ErrEmptyEventType = errors.New("event type must not be empty")

	// ErrInvalidPayload indicates the payload is not valid JSON.
	ErrInvalidPayload = errors.New("event payload must be valid JSON")

	// ErrPayloadTooLarge indicates the payload exceeds the size bound.
	ErrPayloadTooLarge = errors.New("event payload exceeds maximum size")

	// ErrNilReactor indicates a nil reactor was passed to the registry.
	ErrNilReactor = errors.New("reactor must not be nil")

	// ErrNilDecoder indicates a nil decode function was passed to the registry.
	ErrNilDecoder = errors.New("decoder must not be nil")

	// ErrUnknownEventType indicates no decoder is registered for a type tag.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrNoReactors indicates dispatch found no reactors for a type in strict mode.
	ErrNoReactors = errors.New("no reactors registered for event type")

	// ErrNilRecorder indicates a nil recorder was passed to Dispatch.
	ErrNilRecorder = errors.New("recorder must not be nil")

	// ErrDispatchUnsettled indicates reactors kept raising new events past
	// the round bound.
	ErrDispatchUnsettled = errors.New("dispatch did not settle: reactors keep raising events")
)
