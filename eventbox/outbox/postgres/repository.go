package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halberd-labs/lib-eventbox/eventbox"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/opentelemetry"
	"github.com/halberd-labs/lib-eventbox/eventbox/outbox"
	"github.com/halberd-labs/lib-eventbox/eventbox/postgres"
	"github.com/halberd-labs/lib-eventbox/eventbox/sanitize"
)

const (
	maxSQLIdentifierLength = 63
	exhaustedAttemptsError = "max dispatch attempts exceeded"
)

var (
	ErrConnectionRequired        = errors.New("postgres client is required")
	ErrRepositoryNotInitialized  = errors.New("outbox repository not initialized")
	ErrClaimConflict             = errors.New("outbox event claim conflict")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	outboxColumns = "id, event_type, aggregate_id, topic, payload, status, attempts, published_at, last_error, created_at, updated_at"
)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger. Nil values are ignored.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.Any(logger) {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the default outbox_events table name. Accepts a
// schema-qualified path such as "billing.outbox_events".
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithTransactionTimeout bounds repository-owned transactions.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox events in PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent dispatchers partition the backlog
// instead of blocking on it.
type Repository struct {
	client             *postgres.Client
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(client *postgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:             client,
		logger:             log.NewNop(),
		tableName:          "outbox_events",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_events"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create stages a pending event in a repository-owned transaction.
func (repo *Repository) Create(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	return repo.create(ctx, nil, event)
}

// CreateWithTx stages a pending event inside the caller's transaction, so the
// outbox insert commits or rolls back with the business write.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	return repo.create(ctx, tx, event)
}

func (repo *Repository) create(ctx context.Context, tx *sql.Tx, event *outbox.Event) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if event == nil {
		return nil, outbox.ErrEventRequired
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_event")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, tx, func(execTx *sql.Tx) (*outbox.Event, error) {
		now := time.Now().UTC()

		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table +
			" (id, event_type, aggregate_id, topic, payload, status, attempts, published_at, last_error, created_at, updated_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING " + outboxColumns

		row := execTx.QueryRowContext(ctx, query,
			event.ID,
			strings.TrimSpace(event.EventType),
			event.AggregateID,
			strings.TrimSpace(event.Topic),
			event.Payload,
			outbox.StatusPending,
			0,
			nil,
			"",
			createdAt,
			createdAt,
		)

		return scanEvent(row)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to create outbox event", err)
		logSanitizedError(logger, ctx, "failed to create outbox event", err)

		return nil, fmt.Errorf("creating outbox event: %w", err)
	}

	return result, nil
}

// GetByID retrieves an outbox event by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_by_id")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

		return scanEvent(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrEventNotFound
		}

		opentelemetry.HandleSpanError(span, "failed to get outbox event", err)
		logSanitizedError(logger, ctx, "failed to get outbox event", err)

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return result, nil
}

// ListPending claims up to limit pending events, oldest first.
func (repo *Repository) ListPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	return repo.claimPending(ctx, "", limit)
}

// ListPendingByType claims up to limit pending events of one type.
func (repo *Repository) ListPendingByType(ctx context.Context, eventType string, limit int) ([]*outbox.Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, outbox.ErrEventTypeRequired
	}

	return repo.claimPending(ctx, eventType, limit)
}

func (repo *Repository) claimPending(ctx context.Context, eventType string, limit int) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_pending")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table + " WHERE status = $1"
		args := []any{outbox.StatusPending}

		if eventType != "" {
			query += " AND event_type = $2"
			args = append(args, eventType)
		}

		query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED", len(args)+1)
		args = append(args, limit)

		events, err := queryEvents(ctx, tx, query, args, limit, "querying pending events")
		if err != nil {
			return nil, err
		}

		if len(events) == 0 {
			return events, nil
		}

		now := time.Now().UTC()
		if err := repo.markEventsProcessing(ctx, tx, now, collectEventIDs(events), outbox.StatusPending); err != nil {
			return nil, err
		}

		applyProcessingState(events, now)

		return events, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list outbox events", err)
		logSanitizedError(logger, ctx, "failed to list outbox events", err)

		return nil, fmt.Errorf("listing pending events: %w", err)
	}

	return result, nil
}

// MarkPublished finalizes a claimed event as delivered. A zero-row update
// means the claim was lost and surfaces as ErrClaimConflict.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_published")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_event_status, published_at = $2, last_error = '', updated_at = $3" +
			" WHERE id = $4 AND status = $5::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusPublished, publishedAt, time.Now().UTC(), id, outbox.StatusProcessing)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox published", err)
		logSanitizedError(logger, ctx, "failed to mark outbox published", err)

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed records a publish failure. At the attempt ceiling the row flips
// to DEAD inside the same statement, so there is no window where an exhausted
// event sits in FAILED.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	errMsg = sanitize.Message(errMsg)

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END::outbox_event_status, " +
			"attempts = attempts + 1, " +
			"last_error = CASE WHEN attempts + 1 >= $1 THEN $4 ELSE $5 END, " +
			"updated_at = $6 WHERE id = $7 AND status = $8::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			maxAttempts,
			outbox.StatusDead,
			outbox.StatusFailed,
			exhaustedAttemptsError,
			errMsg,
			time.Now().UTC(),
			id,
			outbox.StatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox failed", err)
		logSanitizedError(logger, ctx, "failed to mark outbox failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// ListFailedForRetry lists cooled-down failed events without claiming them.
func (repo *Repository) ListFailedForRetry(
	ctx context.Context,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_failed_for_retry")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Event, error) {
		return repo.listFailedRows(ctx, tx, limit, failedBefore, maxAttempts, false)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list failed events for retry", err)
		logSanitizedError(logger, ctx, "failed to list failed events for retry", err)

		return nil, fmt.Errorf("listing failed events for retry: %w", err)
	}

	return result, nil
}

// ResetForRetry atomically selects and reclaims cooled-down failed events.
func (repo *Repository) ResetForRetry(
	ctx context.Context,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_for_retry")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Event, error) {
		events, err := repo.listFailedRows(ctx, tx, limit, failedBefore, maxAttempts, true)
		if err != nil {
			return nil, err
		}

		if len(events) == 0 {
			return events, nil
		}

		now := time.Now().UTC()
		if err := repo.markEventsProcessing(ctx, tx, now, collectEventIDs(events), outbox.StatusFailed); err != nil {
			return nil, err
		}

		applyProcessingState(events, now)

		return events, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset events for retry", err)
		logSanitizedError(logger, ctx, "failed to reset events for retry", err)

		return nil, fmt.Errorf("resetting events for retry: %w", err)
	}

	return result, nil
}

// ResetStuckProcessing reclaims claims older than processingBefore. Events at
// the attempt ceiling are dead-lettered instead of reclaimed.
func (repo *Repository) ResetStuckProcessing(
	ctx context.Context,
	limit int,
	processingBefore time.Time,
	maxAttempts int,
) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_outbox_processing")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Event, error) {
		events, err := repo.listStuckRows(ctx, tx, limit, processingBefore)
		if err != nil {
			return nil, err
		}

		if len(events) == 0 {
			return events, nil
		}

		retryEvents, exhaustedIDs := splitStuckEvents(events, maxAttempts)
		now := time.Now().UTC()

		if ids := collectEventIDs(retryEvents); len(ids) > 0 {
			// Keep PROCESSING while incrementing attempts. Flipping back to
			// PENDING would let another dispatcher claim and publish the same
			// event the moment this transaction commits.
			if err := repo.markStuckEventsReprocessing(ctx, tx, now, ids); err != nil {
				return nil, err
			}

			applyStuckReprocessingState(retryEvents, now)
		}

		if len(exhaustedIDs) > 0 {
			if err := repo.markStuckEventsDead(ctx, tx, now, exhaustedIDs); err != nil {
				return nil, err
			}
		}

		return retryEvents, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset stuck events", err)
		logSanitizedError(logger, ctx, "failed to reset stuck events", err)

		return nil, fmt.Errorf("reset stuck events: %w", err)
	}

	return result, nil
}

// MarkDead abandons an event immediately, bypassing the retry ceiling.
func (repo *Repository) MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	errMsg = sanitize.Message(errMsg)

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_dead")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_event_status, last_error = $2, updated_at = $3" +
			" WHERE id = $4 AND status NOT IN ($5::outbox_event_status, $6::outbox_event_status)"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusDead, errMsg, time.Now().UTC(), id, outbox.StatusPublished, outbox.StatusDead)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox dead", err)
		logSanitizedError(logger, ctx, "failed to mark outbox dead", err)

		return fmt.Errorf("marking dead: %w", err)
	}

	return nil
}

// ListDead returns dead-lettered events for operator inspection, oldest first.
func (repo *Repository) ListDead(ctx context.Context, limit int) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_dead")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table +
			" WHERE status = $1 ORDER BY created_at ASC LIMIT $2"

		return queryEvents(ctx, tx, query, []any{outbox.StatusDead, limit}, limit, "querying dead events")
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list dead events", err)
		logSanitizedError(logger, ctx, "failed to list dead events", err)

		return nil, fmt.Errorf("listing dead events: %w", err)
	}

	return result, nil
}

func (repo *Repository) listFailedRows(
	ctx context.Context,
	tx *sql.Tx,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
	forUpdate bool,
) ([]*outbox.Event, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = $1 AND attempts < $2 AND updated_at <= $3 ORDER BY updated_at ASC LIMIT $4"

	if forUpdate {
		query += " FOR UPDATE SKIP LOCKED"
	}

	args := []any{outbox.StatusFailed, maxAttempts, failedBefore, limit}

	return queryEvents(ctx, tx, query, args, limit, "querying failed events for retry")
}

func (repo *Repository) listStuckRows(
	ctx context.Context,
	tx *sql.Tx,
	limit int,
	processingBefore time.Time,
) ([]*outbox.Event, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = $1 AND updated_at <= $2 ORDER BY updated_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED"

	args := []any{outbox.StatusProcessing, processingBefore, limit}

	return queryEvents(ctx, tx, query, args, limit, "querying stuck events")
}

func (repo *Repository) markEventsProcessing(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
	fromStatus outbox.Status,
) error {
	if err := outbox.ValidateTransition(string(fromStatus), string(outbox.StatusProcessing)); err != nil {
		return fmt.Errorf("status transition: %w", err)
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, updated_at = $2" +
		" WHERE id = ANY($3::uuid[]) AND status = $4::outbox_event_status"

	result, err := tx.ExecContext(ctx, query, outbox.StatusProcessing, now, ids, fromStatus)
	if err != nil {
		return fmt.Errorf("updating status to %s: %w", outbox.StatusProcessing, err)
	}

	// The SELECT ran FOR UPDATE in this transaction, so every listed row must
	// still be claimable; anything less is a conflict.
	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating status to %s: %w", outbox.StatusProcessing, err)
	}

	return nil
}

func (repo *Repository) markStuckEventsReprocessing(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
) error {
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, attempts = attempts + 1, updated_at = $2" +
		" WHERE id = ANY($3::uuid[]) AND status = $4::outbox_event_status"

	result, err := tx.ExecContext(ctx, query, outbox.StatusProcessing, now, ids, outbox.StatusProcessing)
	if err != nil {
		return fmt.Errorf("updating stuck events to processing: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating stuck events to processing: %w", err)
	}

	return nil
}

func (repo *Repository) markStuckEventsDead(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
) error {
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, attempts = attempts + 1, last_error = $2, updated_at = $3" +
		" WHERE id = ANY($4::uuid[]) AND status = $5::outbox_event_status"

	result, err := tx.ExecContext(ctx, query,
		outbox.StatusDead, exhaustedAttemptsError, now, ids, outbox.StatusProcessing)
	if err != nil {
		return fmt.Errorf("updating stuck events to dead: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating stuck events to dead: %w", err)
	}

	return nil
}

func splitStuckEvents(events []*outbox.Event, maxAttempts int) ([]*outbox.Event, []uuid.UUID) {
	retryEvents := make([]*outbox.Event, 0, len(events))
	exhaustedIDs := make([]uuid.UUID, 0)

	for _, event := range events {
		if event == nil || event.ID == uuid.Nil {
			continue
		}

		if event.Attempts+1 >= maxAttempts {
			exhaustedIDs = append(exhaustedIDs, event.ID)

			continue
		}

		retryEvents = append(retryEvents, event)
	}

	return retryEvents, exhaustedIDs
}

func applyProcessingState(events []*outbox.Event, now time.Time) {
	for _, event := range events {
		if event == nil {
			continue
		}

		event.Status = outbox.StatusProcessing
		event.UpdatedAt = now
	}
}

func applyStuckReprocessingState(events []*outbox.Event, now time.Time) {
	for _, event := range events {
		if event == nil {
			continue
		}

		event.Attempts++
		event.Status = outbox.StatusProcessing
		event.UpdatedAt = now
	}
}

func collectEventIDs(events []*outbox.Event) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(events))

	for _, event := range events {
		if event == nil || event.ID == uuid.Nil {
			continue
		}

		ids = append(ids, event.ID)
	}

	return ids
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.Event, error) {
	var (
		event     outbox.Event
		topic     sql.NullString
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&event.ID,
		&event.EventType,
		&event.AggregateID,
		&topic,
		&event.Payload,
		&event.Status,
		&event.Attempts,
		&event.PublishedAt,
		&lastError,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if topic.Valid {
		event.Topic = topic.String
	}

	if lastError.Valid {
		event.LastError = lastError.String
	}

	return &event, nil
}

func queryEvents(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.Event, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	events := make([]*outbox.Event, 0, limit)

	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", scanErr)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return events, nil
}

// withTxOrExisting runs fn inside the caller's transaction when one is given,
// otherwise in a repository-owned transaction bounded by transactionTimeout.
func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	primary, err := repo.client.Primary(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := primary.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Any(logger) || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", sanitize.Error(err)))
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrClaimConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return ErrClaimConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, ErrClaimConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}
