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
	"github.com/halberd-labs/lib-eventbox/eventbox/inbox"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/opentelemetry"
	"github.com/halberd-labs/lib-eventbox/eventbox/postgres"
	"github.com/halberd-labs/lib-eventbox/eventbox/sanitize"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired        = errors.New("postgres client is required")
	ErrRepositoryNotInitialized  = errors.New("inbox repository not initialized")
	ErrClaimConflict             = errors.New("inbox message claim conflict")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	inboxColumns = "id, event_type, topic, payload, status, attempts, received_at, processed_at, last_error, updated_at"
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

// WithTableName overrides the default inbox_messages table name.
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

// Repository persists inbox messages in PostgreSQL. The dedup insert rides on
// the primary key: ON CONFLICT (id) DO NOTHING plus a status read in the same
// transaction makes Record one atomic step.
type Repository struct {
	client             *postgres.Client
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ inbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL inbox repository.
func NewRepository(client *postgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:             client,
		logger:             log.NewNop(),
		tableName:          "inbox_messages",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "inbox_messages"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Record inserts the message claimed as PROCESSING, or reports the duplicate
// state of an already recorded one. A FAILED duplicate is re-claimed inside
// the same transaction, so exactly one caller at a time owns any given id.
func (repo *Repository) Record(ctx context.Context, msg *inbox.Message) (inbox.RecordResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if msg == nil {
		return 0, inbox.ErrMessageRequired
	}

	if msg.ID == uuid.Nil {
		return 0, inbox.ErrMessageIDRequired
	}

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.record_inbox_message")
	defer span.End()

	result, err := withTx(repo, ctx, func(tx *sql.Tx) (inbox.RecordResult, error) {
		now := time.Now().UTC()

		receivedAt := msg.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = now
		}

		table := quoteIdentifierPath(repo.tableName)
		insert := "INSERT INTO " + table +
			" (id, event_type, topic, payload, status, attempts, received_at, processed_at, last_error, updated_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING"

		execResult, execErr := tx.ExecContext(ctx, insert,
			msg.ID,
			strings.TrimSpace(msg.EventType),
			strings.TrimSpace(msg.Topic),
			msg.Payload,
			inbox.StatusProcessing,
			0,
			receivedAt,
			nil,
			"",
			now,
		)
		if execErr != nil {
			return 0, fmt.Errorf("inserting inbox message: %w", execErr)
		}

		rows, rowsErr := execResult.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		if rows == 1 {
			return inbox.ResultNew, nil
		}

		// Duplicate id. Re-claim a FAILED row in the same transaction; a row
		// that stays put is either terminal or held by a live claim.
		reclaim := "UPDATE " + table +
			" SET status = $1::inbox_message_status, updated_at = $2" +
			" WHERE id = $3 AND status IN ($4::inbox_message_status, $5::inbox_message_status)"

		reclaimResult, reclaimErr := tx.ExecContext(ctx, reclaim,
			inbox.StatusProcessing, now, msg.ID, inbox.StatusReceived, inbox.StatusFailed)
		if reclaimErr != nil {
			return 0, fmt.Errorf("re-claiming duplicate: %w", reclaimErr)
		}

		reclaimed, reclaimedErr := reclaimResult.RowsAffected()
		if reclaimedErr != nil {
			return 0, fmt.Errorf("rows affected: %w", reclaimedErr)
		}

		if reclaimed == 1 {
			return inbox.ResultDuplicateInProgress, nil
		}

		var status inbox.Status

		statusQuery := "SELECT status FROM " + table + " WHERE id = $1"
		if scanErr := tx.QueryRowContext(ctx, statusQuery, msg.ID).Scan(&status); scanErr != nil {
			return 0, fmt.Errorf("reading duplicate status: %w", scanErr)
		}

		if status.IsTerminal() {
			return inbox.ResultDuplicateProcessed, nil
		}

		return inbox.ResultDuplicateClaimed, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to record inbox message", err)
		logSanitizedError(logger, ctx, "failed to record inbox message", err)

		return 0, fmt.Errorf("recording inbox message: %w", err)
	}

	return result, nil
}

// MarkProcessed finalizes a claimed message as done.
func (repo *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
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

	ctx, span := tracer.Start(ctx, "postgres.mark_inbox_processed")
	defer span.End()

	_, err := withTx(repo, ctx, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::inbox_message_status, processed_at = $2, last_error = '', updated_at = $3" +
			" WHERE id = $4 AND status = $5::inbox_message_status"

		result, execErr := tx.ExecContext(ctx, query,
			inbox.StatusProcessed, processedAt, time.Now().UTC(), id, inbox.StatusProcessing)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark inbox processed", err)
		logSanitizedError(logger, ctx, "failed to mark inbox processed", err)

		return fmt.Errorf("marking processed: %w", err)
	}

	return nil
}

// MarkFailed records a processing failure and returns the resulting status.
// At the attempt ceiling the row flips to DEAD inside the same statement.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) (inbox.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return "", ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return "", ErrIDRequired
	}

	if maxAttempts <= 0 {
		return "", ErrMaxAttemptsMustBePositive
	}

	errMsg = sanitize.Message(errMsg)

	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_inbox_failed")
	defer span.End()

	status, err := withTx(repo, ctx, func(tx *sql.Tx) (inbox.Status, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END::inbox_message_status, " +
			"attempts = attempts + 1, " +
			"last_error = $4, " +
			"updated_at = $5 WHERE id = $6 AND status NOT IN ($7::inbox_message_status, $8::inbox_message_status)" +
			" RETURNING status"

		var next inbox.Status

		scanErr := tx.QueryRowContext(ctx, query,
			maxAttempts,
			inbox.StatusDead,
			inbox.StatusFailed,
			errMsg,
			time.Now().UTC(),
			id,
			inbox.StatusProcessed,
			inbox.StatusDead,
		).Scan(&next)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return "", ErrClaimConflict
			}

			return "", fmt.Errorf("executing update: %w", scanErr)
		}

		return next, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark inbox failed", err)
		logSanitizedError(logger, ctx, "failed to mark inbox failed", err)

		return "", fmt.Errorf("marking failed: %w", err)
	}

	return status, nil
}

// GetByID retrieves an inbox message by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*inbox.Message, error) {
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

	ctx, span := tracer.Start(ctx, "postgres.get_inbox_by_id")
	defer span.End()

	result, err := withTx(repo, ctx, func(tx *sql.Tx) (*inbox.Message, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + inboxColumns + " FROM " + table + " WHERE id = $1"

		return scanMessage(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inbox.ErrMessageNotFound
		}

		opentelemetry.HandleSpanError(span, "failed to get inbox message", err)
		logSanitizedError(logger, ctx, "failed to get inbox message", err)

		return nil, fmt.Errorf("getting inbox message: %w", err)
	}

	return result, nil
}

// ReclaimStalled re-claims PROCESSING messages whose claim predates
// staleBefore, plus FAILED messages below the attempt ceiling.
func (repo *Repository) ReclaimStalled(
	ctx context.Context,
	limit int,
	staleBefore time.Time,
	maxAttempts int,
) ([]*inbox.Message, error) {
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

	ctx, span := tracer.Start(ctx, "postgres.reclaim_inbox_stalled")
	defer span.End()

	result, err := withTx(repo, ctx, func(tx *sql.Tx) ([]*inbox.Message, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + inboxColumns + " FROM " + table +
			" WHERE status IN ($1::inbox_message_status, $2::inbox_message_status)" +
			" AND attempts < $3 AND updated_at <= $4" +
			" ORDER BY updated_at ASC LIMIT $5 FOR UPDATE SKIP LOCKED"

		args := []any{inbox.StatusProcessing, inbox.StatusFailed, maxAttempts, staleBefore, limit}

		messages, err := queryMessages(ctx, tx, query, args, limit)
		if err != nil {
			return nil, err
		}

		if len(messages) == 0 {
			return messages, nil
		}

		ids := collectMessageIDs(messages)
		now := time.Now().UTC()

		update := "UPDATE " + table +
			" SET status = $1::inbox_message_status, updated_at = $2 WHERE id = ANY($3::uuid[])"

		execResult, execErr := tx.ExecContext(ctx, update, inbox.StatusProcessing, now, ids)
		if execErr != nil {
			return nil, fmt.Errorf("reclaiming stalled messages: %w", execErr)
		}

		if err := ensureRowsAffectedExact(execResult, int64(len(ids))); err != nil {
			return nil, fmt.Errorf("reclaiming stalled messages: %w", err)
		}

		for _, msg := range messages {
			msg.Status = inbox.StatusProcessing
			msg.UpdatedAt = now
		}

		return messages, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reclaim stalled messages", err)
		logSanitizedError(logger, ctx, "failed to reclaim stalled messages", err)

		return nil, fmt.Errorf("reclaiming stalled messages: %w", err)
	}

	return result, nil
}

// ListDead returns dead-lettered messages for operator inspection, oldest
// first.
func (repo *Repository) ListDead(ctx context.Context, limit int) ([]*inbox.Message, error) {
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

	ctx, span := tracer.Start(ctx, "postgres.list_inbox_dead")
	defer span.End()

	result, err := withTx(repo, ctx, func(tx *sql.Tx) ([]*inbox.Message, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + inboxColumns + " FROM " + table +
			" WHERE status = $1 ORDER BY received_at ASC LIMIT $2"

		return queryMessages(ctx, tx, query, []any{inbox.StatusDead, limit}, limit)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list dead messages", err)
		logSanitizedError(logger, ctx, "failed to list dead messages", err)

		return nil, fmt.Errorf("listing dead messages: %w", err)
	}

	return result, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*inbox.Message, error) {
	var (
		msg       inbox.Message
		topic     sql.NullString
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&msg.ID,
		&msg.EventType,
		&topic,
		&msg.Payload,
		&msg.Status,
		&msg.Attempts,
		&msg.ReceivedAt,
		&msg.ProcessedAt,
		&lastError,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if topic.Valid {
		msg.Topic = topic.String
	}

	if lastError.Valid {
		msg.LastError = lastError.String
	}

	return &msg, nil
}

func queryMessages(ctx context.Context, tx *sql.Tx, query string, args []any, limit int) ([]*inbox.Message, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying inbox messages: %w", err)
	}

	defer rows.Close()

	messages := make([]*inbox.Message, 0, limit)

	for rows.Next() {
		msg, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning inbox message: %w", scanErr)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return messages, nil
}

func collectMessageIDs(messages []*inbox.Message) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(messages))

	for _, msg := range messages {
		if msg == nil || msg.ID == uuid.Nil {
			continue
		}

		ids = append(ids, msg.ID)
	}

	return ids
}

// withTx runs fn in a repository-owned transaction bounded by
// transactionTimeout.
func withTx[T any](repo *Repository, ctx context.Context, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

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

	tx, err := primary.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
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
