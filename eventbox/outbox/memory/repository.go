package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halberd-labs/lib-eventbox/eventbox/outbox"
)

// Repository is an in-memory outbox.Repository. It honors the same claim and
// lifecycle semantics as the Postgres adapter, guarded by one mutex, making
// it suitable for tests and single-process wiring.
type Repository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*outbox.Event
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates an empty in-memory outbox store.
func NewRepository() *Repository {
	return &Repository{events: make(map[uuid.UUID]*outbox.Event)}
}

// Create stages a pending event.
func (repo *Repository) Create(_ context.Context, event *outbox.Event) (*outbox.Event, error) {
	if event == nil {
		return nil, outbox.ErrEventRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := cloneEvent(event)
	repo.events[stored.ID] = stored

	return cloneEvent(stored), nil
}

// CreateWithTx stages a pending event. The in-memory store has no real
// transactions; the tx handle is accepted for contract compatibility.
func (repo *Repository) CreateWithTx(ctx context.Context, _ outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	return repo.Create(ctx, event)
}

// ListPending claims up to limit PENDING events, oldest first.
func (repo *Repository) ListPending(_ context.Context, limit int) ([]*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.claimLocked(limit, func(event *outbox.Event) bool {
		return event.Status == outbox.StatusPending
	}), nil
}

// ListPendingByType claims up to limit PENDING events of one type.
func (repo *Repository) ListPendingByType(_ context.Context, eventType string, limit int) ([]*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.claimLocked(limit, func(event *outbox.Event) bool {
		return event.Status == outbox.StatusPending && event.EventType == eventType
	}), nil
}

// GetByID fetches a single event.
func (repo *Repository) GetByID(_ context.Context, id uuid.UUID) (*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return nil, outbox.ErrEventNotFound
	}

	return cloneEvent(event), nil
}

// MarkPublished finalizes a claimed event as delivered.
func (repo *Repository) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	if event.Status != outbox.StatusProcessing {
		return fmt.Errorf("%w: %s", outbox.ErrEventNotClaimed, id)
	}

	published := publishedAt
	event.Status = outbox.StatusPublished
	event.PublishedAt = &published
	event.LastError = ""
	event.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkFailed records a publish failure, flipping to DEAD at the ceiling.
func (repo *Repository) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	if event.Status != outbox.StatusProcessing {
		return fmt.Errorf("%w: %s", outbox.ErrEventNotClaimed, id)
	}

	event.Attempts++
	event.LastError = errMsg
	event.UpdatedAt = time.Now().UTC()

	if maxAttempts > 0 && event.Attempts >= maxAttempts {
		event.Status = outbox.StatusDead
	} else {
		event.Status = outbox.StatusFailed
	}

	return nil
}

// ListFailedForRetry returns cooled-down FAILED events without claiming them.
func (repo *Repository) ListFailedForRetry(_ context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	matched := repo.selectLocked(limit, func(event *outbox.Event) bool {
		return event.Status == outbox.StatusFailed &&
			event.UpdatedAt.Before(failedBefore) &&
			event.Attempts < maxAttempts
	})

	result := make([]*outbox.Event, len(matched))
	for i, event := range matched {
		result[i] = cloneEvent(event)
	}

	return result, nil
}

// ResetForRetry reclaims cooled-down FAILED events back to PROCESSING.
func (repo *Repository) ResetForRetry(_ context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	matched := repo.selectLocked(limit, func(event *outbox.Event) bool {
		return event.Status == outbox.StatusFailed &&
			event.UpdatedAt.Before(failedBefore) &&
			event.Attempts < maxAttempts
	})

	return repo.transitionLocked(matched, outbox.StatusProcessing), nil
}

// ResetStuckProcessing reclaims PROCESSING claims older than processingBefore.
func (repo *Repository) ResetStuckProcessing(_ context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	matched := repo.selectLocked(limit, func(event *outbox.Event) bool {
		return event.Status == outbox.StatusProcessing &&
			event.UpdatedAt.Before(processingBefore) &&
			event.Attempts < maxAttempts
	})

	return repo.transitionLocked(matched, outbox.StatusProcessing), nil
}

// MarkDead abandons an event immediately.
func (repo *Repository) MarkDead(_ context.Context, id uuid.UUID, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	if event.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", outbox.ErrTransitionInvalid, event.Status, outbox.StatusDead)
	}

	event.Status = outbox.StatusDead
	event.LastError = errMsg
	event.UpdatedAt = time.Now().UTC()

	return nil
}

// ListDead returns DEAD events for operator inspection, oldest first.
func (repo *Repository) ListDead(_ context.Context, limit int) ([]*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	matched := repo.selectLocked(limit, func(event *outbox.Event) bool {
		return event.Status == outbox.StatusDead
	})

	result := make([]*outbox.Event, len(matched))
	for i, event := range matched {
		result[i] = cloneEvent(event)
	}

	return result, nil
}

// selectLocked returns up to limit stored events matching the predicate,
// ordered by creation time. Caller holds the mutex.
func (repo *Repository) selectLocked(limit int, match func(*outbox.Event) bool) []*outbox.Event {
	if limit <= 0 {
		return nil
	}

	var matched []*outbox.Event

	for _, event := range repo.events {
		if match(event) {
			matched = append(matched, event)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}

		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched
}

func (repo *Repository) claimLocked(limit int, match func(*outbox.Event) bool) []*outbox.Event {
	return repo.transitionLocked(repo.selectLocked(limit, match), outbox.StatusProcessing)
}

func (repo *Repository) transitionLocked(matched []*outbox.Event, next outbox.Status) []*outbox.Event {
	now := time.Now().UTC()
	result := make([]*outbox.Event, 0, len(matched))

	for _, event := range matched {
		event.Status = next
		event.UpdatedAt = now
		result = append(result, cloneEvent(event))
	}

	return result
}

func cloneEvent(event *outbox.Event) *outbox.Event {
	clone := *event

	if event.Payload != nil {
		clone.Payload = append([]byte(nil), event.Payload...)
	}

	if event.PublishedAt != nil {
		published := *event.PublishedAt
		clone.PublishedAt = &published
	}

	return &clone
}
