package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It aliases *sql.Tx so staging participates directly in the caller's
// database/sql transaction with no adapter layer: the outbox insert commits
// or rolls back with the business write.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox events.
//
// List and Reset operations claim the rows they return by flipping them to
// PROCESSING, so concurrent dispatchers never pick the same row twice.
type Repository interface {
	// Create stages a pending event outside any caller transaction.
	Create(ctx context.Context, event *Event) (*Event, error)

	// CreateWithTx stages a pending event inside the caller's transaction.
	CreateWithTx(ctx context.Context, tx Tx, event *Event) (*Event, error)

	// ListPending claims up to limit PENDING events, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Event, error)

	// ListPendingByType claims up to limit PENDING events of one type.
	ListPendingByType(ctx context.Context, eventType string, limit int) ([]*Event, error)

	// GetByID fetches a single event, ErrEventNotFound when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// MarkPublished finalizes a claimed event as delivered.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// MarkFailed records a publish failure and increments attempts. Once
	// attempts reach maxAttempts the event flips to DEAD instead of FAILED.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error

	// ListFailedForRetry returns FAILED events older than failedBefore with
	// attempts below maxAttempts, without claiming them.
	ListFailedForRetry(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error)

	// ResetForRetry reclaims cooled-down FAILED events back to PROCESSING.
	ResetForRetry(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error)

	// ResetStuckProcessing reclaims PROCESSING events whose claim predates
	// processingBefore, covering dispatchers that died mid-cycle.
	ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Event, error)

	// MarkDead abandons an event immediately, bypassing the retry ceiling.
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error

	// ListDead returns DEAD events for operator inspection, oldest first.
	ListDead(ctx context.Context, limit int) ([]*Event, error)
}
