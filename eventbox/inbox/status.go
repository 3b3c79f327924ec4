package inbox

import "fmt"

// Status represents a valid inbox message lifecycle state.
type Status string

const (
	// StatusReceived marks messages recorded but not yet claimed.
	StatusReceived Status = "RECEIVED"
	// StatusProcessing marks messages claimed by a processor.
	StatusProcessing Status = "PROCESSING"
	// StatusProcessed marks messages whose effects completed. Terminal.
	StatusProcessed Status = "PROCESSED"
	// StatusFailed marks messages whose processing failed with attempts left.
	StatusFailed Status = "FAILED"
	// StatusDead marks messages abandoned at the retry ceiling. Terminal;
	// the row itself is the dead-letter record.
	StatusDead Status = "DEAD"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the inbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusReceived, StatusProcessing, StatusProcessed, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusDead
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusReceived:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing || next == StatusDead
	case StatusProcessing:
		return next == StatusProcessing || next == StatusProcessed || next == StatusFailed || next == StatusDead
	case StatusProcessed, StatusDead:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
