package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halberd-labs/lib-eventbox/eventbox/inbox"
)

// Repository is an in-memory inbox.Repository. It honors the same dedup and
// claim semantics as the Postgres adapter, guarded by one mutex, making it
// suitable for tests and single-process wiring.
type Repository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*inbox.Message
}

var _ inbox.Repository = (*Repository)(nil)

// NewRepository creates an empty in-memory inbox store.
func NewRepository() *Repository {
	return &Repository{messages: make(map[uuid.UUID]*inbox.Message)}
}

// Record inserts an unseen message claimed as PROCESSING, or reports the
// duplicate state of an already recorded one. A FAILED duplicate is
// re-claimed in the same step; a duplicate still held by a live claim is
// reported as claimed so the delivery can be retried later.
func (repo *Repository) Record(_ context.Context, msg *inbox.Message) (inbox.RecordResult, error) {
	if msg == nil {
		return 0, inbox.ErrMessageRequired
	}

	if msg.ID == uuid.Nil {
		return 0, inbox.ErrMessageIDRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	if existing, ok := repo.messages[msg.ID]; ok {
		if existing.Status.IsTerminal() {
			return inbox.ResultDuplicateProcessed, nil
		}

		if existing.Status == inbox.StatusProcessing {
			return inbox.ResultDuplicateClaimed, nil
		}

		existing.Status = inbox.StatusProcessing
		existing.UpdatedAt = time.Now().UTC()

		return inbox.ResultDuplicateInProgress, nil
	}

	stored := cloneMessage(msg)
	stored.Status = inbox.StatusProcessing
	stored.UpdatedAt = time.Now().UTC()
	repo.messages[stored.ID] = stored

	return inbox.ResultNew, nil
}

// MarkProcessed finalizes a claimed message as done.
func (repo *Repository) MarkProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	msg, ok := repo.messages[id]
	if !ok {
		return inbox.ErrMessageNotFound
	}

	if !msg.Status.CanTransitionTo(inbox.StatusProcessed) {
		return fmt.Errorf("%w: %s -> %s", inbox.ErrTransitionInvalid, msg.Status, inbox.StatusProcessed)
	}

	done := processedAt
	msg.Status = inbox.StatusProcessed
	msg.ProcessedAt = &done
	msg.LastError = ""
	msg.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkFailed records a processing failure, flipping to DEAD at the ceiling.
func (repo *Repository) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) (inbox.Status, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	msg, ok := repo.messages[id]
	if !ok {
		return "", inbox.ErrMessageNotFound
	}

	if msg.Status.IsTerminal() {
		return "", fmt.Errorf("%w: %s -> %s", inbox.ErrTransitionInvalid, msg.Status, inbox.StatusFailed)
	}

	msg.Attempts++
	msg.LastError = errMsg
	msg.UpdatedAt = time.Now().UTC()

	if maxAttempts > 0 && msg.Attempts >= maxAttempts {
		msg.Status = inbox.StatusDead
	} else {
		msg.Status = inbox.StatusFailed
	}

	return msg.Status, nil
}

// GetByID fetches a single message.
func (repo *Repository) GetByID(_ context.Context, id uuid.UUID) (*inbox.Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	msg, ok := repo.messages[id]
	if !ok {
		return nil, inbox.ErrMessageNotFound
	}

	return cloneMessage(msg), nil
}

// ReclaimStalled re-claims PROCESSING messages whose claim predates
// staleBefore, plus FAILED messages below the attempt ceiling.
func (repo *Repository) ReclaimStalled(_ context.Context, limit int, staleBefore time.Time, maxAttempts int) ([]*inbox.Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	matched := repo.selectLocked(limit, func(msg *inbox.Message) bool {
		if msg.Attempts >= maxAttempts {
			return false
		}

		switch msg.Status {
		case inbox.StatusProcessing, inbox.StatusFailed:
			return msg.UpdatedAt.Before(staleBefore)
		default:
			return false
		}
	})

	now := time.Now().UTC()
	result := make([]*inbox.Message, 0, len(matched))

	for _, msg := range matched {
		msg.Status = inbox.StatusProcessing
		msg.UpdatedAt = now
		result = append(result, cloneMessage(msg))
	}

	return result, nil
}

// ListDead returns DEAD messages for operator inspection, oldest first.
func (repo *Repository) ListDead(_ context.Context, limit int) ([]*inbox.Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	matched := repo.selectLocked(limit, func(msg *inbox.Message) bool {
		return msg.Status == inbox.StatusDead
	})

	result := make([]*inbox.Message, len(matched))
	for i, msg := range matched {
		result[i] = cloneMessage(msg)
	}

	return result, nil
}

// selectLocked returns up to limit stored messages matching the predicate,
// ordered by receipt time. Caller holds the mutex.
func (repo *Repository) selectLocked(limit int, match func(*inbox.Message) bool) []*inbox.Message {
	if limit <= 0 {
		return nil
	}

	var matched []*inbox.Message

	for _, msg := range repo.messages {
		if match(msg) {
			matched = append(matched, msg)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}

		return matched[i].ReceivedAt.Before(matched[j].ReceivedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched
}

func cloneMessage(msg *inbox.Message) *inbox.Message {
	clone := *msg

	if msg.Payload != nil {
		clone.Payload = append([]byte(nil), msg.Payload...)
	}

	if msg.ProcessedAt != nil {
		done := *msg.ProcessedAt
		clone.ProcessedAt = &done
	}

	return &clone
}
