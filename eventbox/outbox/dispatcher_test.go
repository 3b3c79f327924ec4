//go:build unit

package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/halberd-labs/lib-eventbox/eventbox/backoff"
	"github.com/halberd-labs/lib-eventbox/eventbox/clock"
	"github.com/stretchr/testify/require"
)

var errTransportDown = errors.New("transport down")

// fakeRepo is an in-memory Repository with injectable failures.
type fakeRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*Event

	listPendingErr error
	markFailedErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{events: make(map[uuid.UUID]*Event)}
}

func (repo *fakeRepo) add(event *Event) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.events[event.ID] = event
}

func (repo *fakeRepo) get(id uuid.UUID) *Event {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.events[id]
}

func (repo *fakeRepo) Create(_ context.Context, event *Event) (*Event, error) {
	repo.add(event)
	return event, nil
}

func (repo *fakeRepo) CreateWithTx(ctx context.Context, _ Tx, event *Event) (*Event, error) {
	return repo.Create(ctx, event)
}

func (repo *fakeRepo) selectAndClaim(limit int, match func(*Event) bool) []*Event {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var matched []*Event

	for _, event := range repo.events {
		if match(event) {
			matched = append(matched, event)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	for _, event := range matched {
		event.Status = StatusProcessing
		event.UpdatedAt = time.Now().UTC()
	}

	return matched
}

func (repo *fakeRepo) ListPending(_ context.Context, limit int) ([]*Event, error) {
	if repo.listPendingErr != nil {
		return nil, repo.listPendingErr
	}

	return repo.selectAndClaim(limit, func(event *Event) bool {
		return event.Status == StatusPending
	}), nil
}

func (repo *fakeRepo) ListPendingByType(_ context.Context, eventType string, limit int) ([]*Event, error) {
	return repo.selectAndClaim(limit, func(event *Event) bool {
		return event.Status == StatusPending && event.EventType == eventType
	}), nil
}

func (repo *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	event := repo.get(id)
	if event == nil {
		return nil, ErrEventNotFound
	}

	return event, nil
}

func (repo *fakeRepo) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return ErrEventNotFound
	}

	event.Status = StatusPublished
	event.PublishedAt = &publishedAt

	return nil
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if repo.markFailedErr != nil {
		return repo.markFailedErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return ErrEventNotFound
	}

	event.Attempts++
	event.LastError = errMsg

	if maxAttempts > 0 && event.Attempts >= maxAttempts {
		event.Status = StatusDead
	} else {
		event.Status = StatusFailed
	}

	return nil
}

func (repo *fakeRepo) ListFailedForRetry(_ context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var matched []*Event

	for _, event := range repo.events {
		if event.Status == StatusFailed && event.UpdatedAt.Before(failedBefore) && event.Attempts < maxAttempts {
			matched = append(matched, event)
		}
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (repo *fakeRepo) ResetForRetry(_ context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error) {
	return repo.selectAndClaim(limit, func(event *Event) bool {
		return event.Status == StatusFailed && event.UpdatedAt.Before(failedBefore) && event.Attempts < maxAttempts
	}), nil
}

func (repo *fakeRepo) ResetStuckProcessing(_ context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Event, error) {
	return repo.selectAndClaim(limit, func(event *Event) bool {
		return event.Status == StatusProcessing && event.UpdatedAt.Before(processingBefore) && event.Attempts < maxAttempts
	}), nil
}

func (repo *fakeRepo) MarkDead(_ context.Context, id uuid.UUID, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return ErrEventNotFound
	}

	event.Status = StatusDead
	event.LastError = errMsg

	return nil
}

func (repo *fakeRepo) ListDead(_ context.Context, limit int) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var matched []*Event

	for _, event := range repo.events {
		if event.Status == StatusDead {
			matched = append(matched, event)
		}
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func stagePending(t *testing.T, repo *fakeRepo, eventType string) *Event {
	t.Helper()

	event, err := NewEvent(eventType, uuid.New(), "events", []byte(`{"k":"v"}`))
	require.NoError(t, err)

	repo.add(event)

	return event
}

func succeedingRegistry(t *testing.T, published *[]uuid.UUID) *HandlerRegistry {
	t.Helper()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterFallback(func(_ context.Context, event *Event) error {
		*published = append(*published, event.ID)
		return nil
	}))

	return registry
}

func TestDispatchOncePublishesPending(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	first := stagePending(t, repo, "account.created")
	second := stagePending(t, repo, "account.updated")

	var published []uuid.UUID

	dispatcher, err := NewDispatcher(repo, succeedingRegistry(t, &published), nil, nil)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 2, result.Published)
	require.Zero(t, result.Failed)

	require.Len(t, published, 2)
	require.Equal(t, StatusPublished, repo.get(first.ID).Status)
	require.Equal(t, StatusPublished, repo.get(second.ID).Status)
	require.NotNil(t, repo.get(first.ID).PublishedAt)
}

func TestDispatchRetriesTransientFailureInCycle(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	event := stagePending(t, repo, "account.created")

	var attempts int

	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterFallback(func(_ context.Context, _ *Event) error {
		attempts++
		if attempts < 3 {
			return errTransportDown
		}

		return nil
	}))

	dispatcher, err := NewDispatcher(repo, registry, nil, nil,
		WithPublishMaxAttempts(3),
		WithPublishBackoff(backoff.Policy{Strategy: backoff.StrategyFixed, Base: time.Millisecond}),
	)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Published)
	require.Equal(t, 3, attempts)
	require.Equal(t, StatusPublished, repo.get(event.ID).Status)
}

func TestDispatchExhaustedAttemptsGoDead(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	event := stagePending(t, repo, "account.created")

	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterFallback(func(_ context.Context, _ *Event) error {
		return errTransportDown
	}))

	dispatcher, err := NewDispatcher(repo, registry, nil, nil,
		WithPublishMaxAttempts(1),
		WithMaxAttempts(2),
		WithRetryWindow(time.Nanosecond),
	)
	require.NoError(t, err)

	// First cycle: publish fails, attempts -> 1, status FAILED.
	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Equal(t, StatusFailed, repo.get(event.ID).Status)
	require.Equal(t, 1, repo.get(event.ID).Attempts)
	require.NotEmpty(t, repo.get(event.ID).LastError)

	// Second cycle: event is reclaimed past the cooldown, fails again, and
	// hits the ceiling.
	time.Sleep(2 * time.Millisecond)

	result = dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Equal(t, StatusDead, repo.get(event.ID).Status)
	require.Equal(t, 2, repo.get(event.ID).Attempts)

	// Dead events never reappear in a dispatch cycle.
	result = dispatcher.DispatchOnceResult(context.Background())
	require.Zero(t, result.Processed)

	dead, err := repo.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestDispatchNonRetryableGoesStraightToDead(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	event := stagePending(t, repo, "account.created")

	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterFallback(func(_ context.Context, _ *Event) error {
		return ErrHandlerNotRegistered
	}))

	classifier := RetryClassifierFunc(func(err error) bool {
		return errors.Is(err, ErrHandlerNotRegistered)
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil,
		WithRetryClassifier(classifier),
		WithPublishMaxAttempts(5),
	)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Equal(t, StatusDead, repo.get(event.ID).Status)
	// Non-retryable errors short-circuit the in-cycle retry loop.
	require.Zero(t, repo.get(event.ID).Attempts)
}

func TestDispatchBatchBounded(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	for range 5 {
		stagePending(t, repo, "account.created")
	}

	var published []uuid.UUID

	dispatcher, err := NewDispatcher(repo, succeedingRegistry(t, &published), nil, nil, WithBatchSize(2))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 2, result.Processed)
}

func TestDispatchPriorityTypesFirst(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()

	normal, err := NewEvent("bulk.sync", uuid.New(), "events", []byte(`{}`))
	require.NoError(t, err)
	normal.CreatedAt = time.Now().UTC().Add(-time.Hour)
	repo.add(normal)

	urgent := stagePending(t, repo, "payment.captured")

	var published []uuid.UUID

	dispatcher, err := NewDispatcher(repo, succeedingRegistry(t, &published), nil, nil,
		WithPriorityEventTypes("payment.captured"),
	)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 2, result.Published)
	require.Equal(t, urgent.ID, published[0], "priority event must be published before older pending events")
}

func TestDispatchToleratesListPendingFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.listPendingErr = errors.New("db down")

	var published []uuid.UUID

	dispatcher, err := NewDispatcher(repo, succeedingRegistry(t, &published), nil, nil)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Zero(t, result.Processed)
}

func TestDispatchStateUpdateFailureCounted(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	stagePending(t, repo, "account.created")

	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterFallback(func(_ context.Context, _ *Event) error {
		return errTransportDown
	}))

	repo.markFailedErr = errors.New("db down")

	dispatcher, err := NewDispatcher(repo, registry, nil, nil, WithPublishMaxAttempts(1))
	require.NoError(t, err)

	// Failure to persist FAILED state is logged, not fatal.
	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Failed)
}

func TestRunContextDrivenByClock(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	manual := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	published := make(chan uuid.UUID, 8)

	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterFallback(func(_ context.Context, event *Event) error {
		published <- event.ID
		return nil
	}))

	dispatcher, err := NewDispatcher(repo, registry, nil, nil, WithClock(manual))
	require.NoError(t, err)

	first := stagePending(t, repo, "account.created")

	runDone := make(chan error, 1)
	go func() {
		runDone <- dispatcher.RunContext(context.Background(), nil)
	}()

	// The initial cycle fires without a tick.
	select {
	case id := <-published:
		require.Equal(t, first.ID, id)
	case <-time.After(time.Second):
		t.Fatal("initial dispatch never ran")
	}

	second := stagePending(t, repo, "account.created")
	manual.Tick()

	select {
	case id := <-published:
		require.Equal(t, second.ID, id)
	case <-time.After(time.Second):
		t.Fatal("ticked dispatch never ran")
	}

	dispatcher.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run never returned after stop")
	}

	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

func TestRunContextRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	manual := clock.NewManual(time.Now().UTC())

	dispatcher, err := NewDispatcher(repo, NewHandlerRegistry(), nil, nil, WithClock(manual))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- dispatcher.RunContext(ctx, nil)
	}()

	require.Eventually(t, func() bool {
		return errors.Is(dispatcher.RunContext(ctx, nil), ErrDispatcherRunning)
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run never returned after cancel")
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, NewHandlerRegistry(), nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDispatcher(newFakeRepo(), nil, nil, nil)
	require.ErrorIs(t, err, ErrHandlerRegistryRequired)
}

func TestDefaultDispatcherConfigNormalize(t *testing.T) {
	t.Parallel()

	var cfg DispatcherConfig
	cfg.normalize()

	defaults := DefaultDispatcherConfig()
	require.Equal(t, defaults.DispatchInterval, cfg.DispatchInterval)
	require.Equal(t, defaults.BatchSize, cfg.BatchSize)
	require.Equal(t, defaults.MaxAttempts, cfg.MaxAttempts)
	require.Equal(t, defaults.PublishBackoff.Base, cfg.PublishBackoff.Base)
}
