package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/halberd-labs/lib-eventbox/eventbox/backoff"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
)

var (
	// ErrURLRequired indicates an empty or unparsable AMQP URL.
	ErrURLRequired = errors.New("rabbitmq: connection URL is required")

	// ErrConnectionClosed indicates an operation on an explicitly closed connection.
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")

	// ErrRedialRateLimited indicates a redial was refused because the previous
	// attempt failed too recently. Callers should retry later.
	ErrRedialRateLimited = errors.New("rabbitmq: redial rate-limited")
)

// redialBackoffCap bounds the enforced delay between failed redial attempts.
const redialBackoffCap = 30 * time.Second

type dialFunc func(ctx context.Context, rawURL string) (*amqp.Connection, error)

// Connection holds one AMQP connection and hands out dedicated channels.
//
// Channel redials lazily when the underlying connection has dropped. Failed
// redials are rate-limited with exponential backoff so a dead broker is not
// hammered by every caller at once.
type Connection struct {
	rawURL       string
	logger       log.Logger
	dial         dialFunc
	redialPolicy backoff.Policy

	mu             sync.Mutex
	conn           *amqp.Connection
	closed         bool
	redialAttempts int
	lastRedial     time.Time
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the connection logger. Nil values are ignored.
func WithConnectionLogger(logger log.Logger) ConnectionOption {
	return func(conn *Connection) {
		if logger != nil {
			conn.logger = logger
		}
	}
}

// WithRedialPolicy overrides the backoff policy applied between failed
// redial attempts.
func WithRedialPolicy(policy backoff.Policy) ConnectionOption {
	return func(conn *Connection) {
		if policy.Base > 0 {
			conn.redialPolicy = policy
		}
	}
}

// NewConnection validates the URL and returns an unconnected Connection.
// Dialing happens on Connect or on the first Channel call.
func NewConnection(rawURL string, opts ...ConnectionOption) (*Connection, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrURLRequired
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q is not a valid URL", ErrURLRequired, redactURL(rawURL))
	}

	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return nil, fmt.Errorf("%w: scheme must be amqp or amqps", ErrURLRequired)
	}

	conn := &Connection{
		rawURL:       rawURL,
		logger:       log.NewNop(),
		redialPolicy: backoff.New(500*time.Millisecond, redialBackoffCap),
		dial: func(ctx context.Context, u string) (*amqp.Connection, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			return amqp.Dial(u)
		},
	}

	for _, opt := range opts {
		opt(conn)
	}

	return conn, nil
}

// Connect establishes the underlying AMQP connection if there is none yet.
func (c *Connection) Connect(ctx context.Context) error {
	_, err := c.ensureConnection(ctx)

	return err
}

// Channel returns a fresh channel on the live connection, redialing first if
// the connection has dropped. Every caller owns the returned channel and is
// responsible for closing it.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	return ch, nil
}

// Connected reports whether a live connection is currently held.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection and all channels opened on it. The Connection
// cannot be reused afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("rabbitmq: close connection: %w", err)
	}

	return nil
}

func (c *Connection) ensureConnection(ctx context.Context) (*amqp.Connection, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	if c.conn != nil && !c.conn.IsClosed() {
		conn := c.conn
		c.mu.Unlock()

		return conn, nil
	}

	// Enforce a minimum delay between failed redials. Without this every
	// claimed batch against a dead broker turns into its own dial storm.
	if c.redialAttempts > 0 {
		delay := c.redialPolicy.Delay(c.redialAttempts)
		if elapsed := time.Since(c.lastRedial); elapsed < delay {
			c.mu.Unlock()

			return nil, fmt.Errorf("%w: next attempt in %s", ErrRedialRateLimited, delay-elapsed)
		}
	}

	c.lastRedial = time.Now()
	dial := c.dial
	logger := c.logger
	c.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "dialing rabbitmq", log.String("url", redactURL(c.rawURL)))

	conn, err := dial(ctx, c.rawURL)
	if err != nil {
		c.mu.Lock()
		c.redialAttempts++
		c.mu.Unlock()

		dialErr := newRedactedError(err, c.rawURL, "rabbitmq: dial")
		logger.Log(ctx, log.LevelError, "failed to dial rabbitmq", log.String("error_detail", dialErr.Error()))

		return nil, dialErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = conn.Close()

		return nil, ErrConnectionClosed
	}

	// Another caller may have won the redial race while the lock was
	// released. Keep theirs, discard ours.
	if c.conn != nil && !c.conn.IsClosed() {
		_ = conn.Close()

		return c.conn, nil
	}

	c.conn = conn
	c.redialAttempts = 0

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return conn, nil
}

// redactedError carries a credential-free message while keeping the original
// error reachable for errors.Is / errors.As.
type redactedError struct {
	original error
	message  string
}

func (e *redactedError) Error() string { return e.message }

func (e *redactedError) Unwrap() error { return e.original }

func newRedactedError(err error, rawURL, prefix string) error {
	msg := err.Error()
	if rawURL != "" {
		msg = strings.ReplaceAll(msg, rawURL, redactURL(rawURL))
	}

	return fmt.Errorf("%s: %w", prefix, &redactedError{original: err, message: redactPassword(msg, rawURL)})
}

// redactPassword scrubs the decoded password wherever it appears, covering
// error text that embeds the credential outside the URL form.
func redactPassword(msg, rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.User == nil {
		return msg
	}

	if pass, ok := parsed.User.Password(); ok && pass != "" {
		msg = strings.ReplaceAll(msg, pass, "xxxxx")
	}

	return msg
}

func redactURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "amqp://[unparsable]"
	}

	return parsed.Redacted()
}
