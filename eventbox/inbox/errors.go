package inbox

import "errors"

var (
	ErrMessageRequired          = errors.New("inbox message is required")
	ErrMessageIDRequired        = errors.New("inbox message id is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrPayloadNotJSON           = errors.New("inbox message payload must be valid JSON")
	ErrRepositoryRequired       = errors.New("inbox repository is required")
	ErrProcessorRequired        = errors.New("inbox processor is required")
	ErrProcessorRunning         = errors.New("inbox processor sweep is already running")
	ErrHandlerRequired          = errors.New("message handler is required")
	ErrHandlerNotRegistered     = errors.New("message handler is not registered")
	ErrHandlerAlreadyRegistered = errors.New("message handler already registered")
	ErrBusRequired              = errors.New("message bus is required")
	ErrStatusInvalid            = errors.New("invalid inbox status")
	ErrTransitionInvalid        = errors.New("invalid inbox status transition")
	ErrMessageNotFound          = errors.New("inbox message not found")
	ErrMessageClaimed           = errors.New("inbox message is claimed by another processor")
)
