package outbox

import "fmt"

// Status represents a valid outbox event lifecycle state.
type Status string

const (
	// StatusPending marks events staged and awaiting dispatch.
	StatusPending Status = "PENDING"
	// StatusProcessing marks events claimed by a dispatcher cycle.
	StatusProcessing Status = "PROCESSING"
	// StatusPublished marks events acknowledged by the transport. Terminal.
	StatusPublished Status = "PUBLISHED"
	// StatusFailed marks events whose publish failed with attempts remaining.
	StatusFailed Status = "FAILED"
	// StatusDead marks events abandoned after the retry ceiling or a
	// non-retryable error. Terminal and operator-visible via ListDead.
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

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (status Status) IsTerminal() bool {
	return status == StatusPublished || status == StatusDead
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing || next == StatusDead
	case StatusProcessing:
		return next == StatusProcessing || next == StatusPublished || next == StatusFailed || next == StatusDead
	case StatusPublished, StatusDead:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
