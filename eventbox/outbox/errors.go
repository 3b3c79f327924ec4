package outbox

import "errors"

var (
	ErrEventRequired            = errors.New("outbox event is required")
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrPayloadRequired          = errors.New("outbox event payload is required")
	ErrPayloadTooLarge          = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("outbox event payload must be valid JSON")
	ErrEventIDRequired          = errors.New("outbox event id is required")
	ErrAggregateIDRequired      = errors.New("outbox event aggregate id is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
	ErrBusRequired              = errors.New("message bus is required")
	ErrStatusInvalid            = errors.New("invalid outbox status")
	ErrTransitionInvalid        = errors.New("invalid outbox status transition")
	ErrEventNotFound            = errors.New("outbox event not found")
	ErrEventNotClaimed          = errors.New("outbox event is not claimed by this dispatcher")
)
