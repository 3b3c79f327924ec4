package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordResult is the tri-state outcome of recording a delivery. Duplicate
// detection is a normal result, not an error.
type RecordResult int

const (
	// ResultNew means the message was recorded and claimed for processing.
	ResultNew RecordResult = iota
	// ResultDuplicateProcessed means the message was already fully processed
	// (or dead); the delivery should be acknowledged and discarded.
	ResultDuplicateProcessed
	// ResultDuplicateInProgress means a previous delivery stopped short of
	// completion and this delivery won the claim back; the caller should
	// resume processing.
	ResultDuplicateInProgress
	// ResultDuplicateClaimed means another processor currently holds the
	// claim on this id; the delivery should be retried later, not processed.
	ResultDuplicateClaimed
)

func (r RecordResult) String() string {
	switch r {
	case ResultNew:
		return "new"
	case ResultDuplicateProcessed:
		return "duplicate_processed"
	case ResultDuplicateInProgress:
		return "duplicate_in_progress"
	case ResultDuplicateClaimed:
		return "duplicate_claimed"
	default:
		return "unknown"
	}
}

// Repository defines persistence operations for inbox messages.
type Repository interface {
	// Record inserts the message if its id is unseen, claiming it as
	// PROCESSING. A duplicate id yields a duplicate result and never an
	// error: a terminal row reports ResultDuplicateProcessed, a FAILED row is
	// atomically re-claimed to PROCESSING and reports
	// ResultDuplicateInProgress, and a row another processor holds reports
	// ResultDuplicateClaimed. The insert, the claim and the status read are
	// one atomic step, which is what serializes processing per id.
	Record(ctx context.Context, msg *Message) (RecordResult, error)

	// MarkProcessed finalizes a claimed message after its effects completed.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// MarkFailed records a processing failure and increments attempts. At
	// maxAttempts the message flips to DEAD. The resulting status is
	// returned so callers can decide between redelivery and acknowledgment.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) (Status, error)

	// GetByID fetches a single message, ErrMessageNotFound when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// ReclaimStalled re-claims PROCESSING messages whose claim predates
	// staleBefore, covering processors that died mid-message.
	ReclaimStalled(ctx context.Context, limit int, staleBefore time.Time, maxAttempts int) ([]*Message, error)

	// ListDead returns DEAD messages for operator inspection, oldest first.
	ListDead(ctx context.Context, limit int) ([]*Message, error)
}
