//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/halberd-labs/lib-eventbox/eventbox/outbox"
	eventboxpg "github.com/halberd-labs/lib-eventbox/eventbox/postgres"
)

type repoFixture struct {
	ctx       context.Context
	client    *eventboxpg.Client
	primaryDB *sql.DB
	repo      *Repository
	tableName string
}

func setupPostgresContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()

	ctx := context.Background()
	dsn := setupPostgresContainer(t)

	client, err := eventboxpg.NewClient(eventboxpg.Config{PrimaryDSN: dsn, ReplicaDSN: dsn})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("cleanup: client close: %v", err)
		}
	})

	primaryDB, err := client.Primary(ctx)
	require.NoError(t, err)

	_, err = primaryDB.ExecContext(ctx,
		`CREATE TYPE outbox_event_status AS ENUM ('PENDING','PROCESSING','PUBLISHED','FAILED','DEAD')`)
	require.NoError(t, err)

	tableName := "outbox_events"

	_, err = primaryDB.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE %s (
	id UUID PRIMARY KEY,
	event_type TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	status outbox_event_status NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	published_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`, quoteIdentifier(tableName)))
	require.NoError(t, err)

	repo, err := NewRepository(client, WithTableName(tableName))
	require.NoError(t, err)

	return &repoFixture{
		ctx:       ctx,
		client:    client,
		primaryDB: primaryDB,
		repo:      repo,
		tableName: tableName,
	}
}

func stageFixtureEvent(t *testing.T, fx *repoFixture, eventType string) *outbox.Event {
	t.Helper()

	event, err := outbox.NewEvent(eventType, uuid.New(), "events", []byte(`{"ok":true}`))
	require.NoError(t, err)

	created, err := fx.repo.Create(fx.ctx, event)
	require.NoError(t, err)

	return created
}

func forceEventState(t *testing.T, fx *repoFixture, id uuid.UUID, status outbox.Status, attempts int, updatedAt time.Time) {
	t.Helper()

	_, err := fx.primaryDB.ExecContext(fx.ctx, fmt.Sprintf(
		"UPDATE %s SET status = $1::outbox_event_status, attempts = $2, updated_at = $3 WHERE id = $4",
		quoteIdentifier(fx.tableName),
	), status, attempts, updatedAt, id)
	require.NoError(t, err)
}

func TestRepository_IntegrationCreateClaimAndMarkFailed(t *testing.T) {
	fx := newRepoFixture(t)

	created := stageFixtureEvent(t, fx, "payment.created")
	require.Equal(t, outbox.StatusPending, created.Status)

	pending, err := fx.repo.ListPending(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, outbox.StatusProcessing, pending[0].Status)

	// Claimed rows are invisible to a second claimer.
	again, err := fx.repo.ListPending(fx.ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, fx.repo.MarkFailed(fx.ctx, created.ID, "password=abc123", 5))

	updated, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, updated.Status)
	require.Equal(t, 1, updated.Attempts)
	require.NotContains(t, updated.LastError, "abc123")
}

func TestRepository_IntegrationMarkFailedCeilingGoesDead(t *testing.T) {
	fx := newRepoFixture(t)

	event := stageFixtureEvent(t, fx, "payment.exhausted")
	forceEventState(t, fx, event.ID, outbox.StatusProcessing, 1, time.Now().UTC())

	require.NoError(t, fx.repo.MarkFailed(fx.ctx, event.ID, "still down", 2))

	dead, err := fx.repo.GetByID(fx.ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDead, dead.Status)
	require.Equal(t, 2, dead.Attempts)
	require.Equal(t, "max dispatch attempts exceeded", dead.LastError)

	listed, err := fx.repo.ListDead(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, event.ID, listed[0].ID)
}

func TestRepository_IntegrationMarkPublished(t *testing.T) {
	fx := newRepoFixture(t)

	event := stageFixtureEvent(t, fx, "payment.published")

	now := time.Now().UTC()
	forceEventState(t, fx, event.ID, outbox.StatusProcessing, 0, now)
	require.NoError(t, fx.repo.MarkPublished(fx.ctx, event.ID, now))

	published, err := fx.repo.GetByID(fx.ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)
}

func TestRepository_IntegrationMarkPublishedRequiresClaim(t *testing.T) {
	fx := newRepoFixture(t)

	event := stageFixtureEvent(t, fx, "payment.state.guard")

	err := fx.repo.MarkPublished(fx.ctx, event.ID, time.Now().UTC())
	require.ErrorIs(t, err, ErrClaimConflict)
}

func TestRepository_IntegrationMarkDeadRedactsSensitiveData(t *testing.T) {
	fx := newRepoFixture(t)

	event := stageFixtureEvent(t, fx, "payment.poison")
	forceEventState(t, fx, event.ID, outbox.StatusProcessing, 0, time.Now().UTC())

	require.NoError(t, fx.repo.MarkDead(fx.ctx, event.ID, "token=super-secret"))

	dead, err := fx.repo.GetByID(fx.ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDead, dead.Status)
	require.NotContains(t, dead.LastError, "super-secret")

	// Dead is terminal.
	require.ErrorIs(t, fx.repo.MarkDead(fx.ctx, event.ID, "again"), ErrClaimConflict)
}

func TestRepository_IntegrationListPendingByType(t *testing.T) {
	fx := newRepoFixture(t)

	target := stageFixtureEvent(t, fx, "payment.priority")
	_ = stageFixtureEvent(t, fx, "payment.other")

	claimed, err := fx.repo.ListPendingByType(fx.ctx, "payment.priority", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, target.ID, claimed[0].ID)
	require.Equal(t, outbox.StatusProcessing, claimed[0].Status)
}

func TestRepository_IntegrationResetForRetry(t *testing.T) {
	fx := newRepoFixture(t)

	event := stageFixtureEvent(t, fx, "payment.failed")

	staleTime := time.Now().UTC().Add(-time.Hour)
	forceEventState(t, fx, event.ID, outbox.StatusFailed, 1, staleTime)

	retried, err := fx.repo.ResetForRetry(fx.ctx, 10, time.Now().UTC(), 5)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.Equal(t, event.ID, retried[0].ID)
	require.Equal(t, outbox.StatusProcessing, retried[0].Status)
}

func TestRepository_IntegrationResetStuckProcessing(t *testing.T) {
	fx := newRepoFixture(t)

	retryEvent := stageFixtureEvent(t, fx, "payment.stuck.retry")
	exhaustedEvent := stageFixtureEvent(t, fx, "payment.stuck.exhausted")

	staleTime := time.Now().UTC().Add(-time.Hour)
	forceEventState(t, fx, retryEvent.ID, outbox.StatusProcessing, 1, staleTime)
	forceEventState(t, fx, exhaustedEvent.ID, outbox.StatusProcessing, 2, staleTime)

	reclaimed, err := fx.repo.ResetStuckProcessing(fx.ctx, 10, time.Now().UTC(), 3)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, retryEvent.ID, reclaimed[0].ID)
	require.Equal(t, outbox.StatusProcessing, reclaimed[0].Status)
	require.Equal(t, 2, reclaimed[0].Attempts)

	exhausted, err := fx.repo.GetByID(fx.ctx, exhaustedEvent.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDead, exhausted.Status)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, "max dispatch attempts exceeded", exhausted.LastError)
}

func TestRepository_IntegrationCreateWithTx(t *testing.T) {
	fx := newRepoFixture(t)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Errorf("cleanup: tx rollback: %v", err)
		}
	})

	event, err := outbox.NewEvent("payment.tx.create", uuid.New(), "events", []byte(`{"ok":true}`))
	require.NoError(t, err)

	created, err := fx.repo.CreateWithTx(fx.ctx, tx, event)
	require.NoError(t, err)
	require.NotNil(t, created)

	// Invisible until the business transaction commits.
	_, err = fx.repo.GetByID(fx.ctx, created.ID)
	require.ErrorIs(t, err, outbox.ErrEventNotFound)

	require.NoError(t, tx.Commit())

	stored, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, stored.ID)
	require.Equal(t, "events", stored.Topic)
}

func TestRepository_IntegrationCreateWithTxRollbackDiscardsEvent(t *testing.T) {
	fx := newRepoFixture(t)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	event, err := outbox.NewEvent("payment.tx.rollback", uuid.New(), "", []byte(`{"ok":true}`))
	require.NoError(t, err)

	_, err = fx.repo.CreateWithTx(fx.ctx, tx, event)
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())

	_, err = fx.repo.GetByID(fx.ctx, event.ID)
	require.ErrorIs(t, err, outbox.ErrEventNotFound)
}

func TestRepository_IntegrationDispatcherLifecycle(t *testing.T) {
	fx := newRepoFixture(t)

	created := stageFixtureEvent(t, fx, "payment.dispatch.lifecycle")

	handlers := outbox.NewHandlerRegistry()

	var handled atomic.Bool

	require.NoError(t, handlers.Register("payment.dispatch.lifecycle", func(_ context.Context, event *outbox.Event) error {
		require.Equal(t, created.ID, event.ID)
		handled.Store(true)

		return nil
	}))

	dispatcher, err := outbox.NewDispatcher(
		fx.repo,
		handlers,
		nil,
		noop.NewTracerProvider().Tracer("test"),
		outbox.WithBatchSize(10),
		outbox.WithPublishMaxAttempts(1),
	)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(fx.ctx)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Published)
	require.Equal(t, 0, result.Failed)
	require.True(t, handled.Load())

	stored, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPublished, stored.Status)
	require.NotNil(t, stored.PublishedAt)
}
