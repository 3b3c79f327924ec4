package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/halberd-labs/lib-eventbox/eventbox/backoff"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/runtime"
)

var (
	// ErrChannelRequired indicates a nil channel was handed to a constructor.
	ErrChannelRequired = errors.New("rabbitmq: channel is required")

	// ErrConfirmsUnavailable indicates the channel refused confirm mode.
	ErrConfirmsUnavailable = errors.New("rabbitmq: channel does not support confirm mode")

	// ErrPublishNacked indicates the broker rejected the message.
	ErrPublishNacked = errors.New("rabbitmq: message was nacked by broker")

	// ErrConfirmTimeout indicates no confirmation arrived in time.
	ErrConfirmTimeout = errors.New("rabbitmq: confirmation timed out")

	// ErrPublisherClosed indicates a publish on a closed or recovering publisher.
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")

	// ErrRecoveryExhausted indicates automatic recovery gave up.
	ErrRecoveryExhausted = errors.New("rabbitmq: channel recovery exhausted all attempts")

	// ErrReconnectWhileOpen indicates Reconnect was called on a live publisher.
	ErrReconnectWhileOpen = errors.New("rabbitmq: cannot reconnect while publisher is open")

	// ErrReconnectAfterClose indicates Reconnect was called after an explicit Close.
	ErrReconnectAfterClose = errors.New("rabbitmq: cannot reconnect after close")
)

const (
	defaultConfirmTimeout = 5 * time.Second

	// confirmBuffer must cover the maximum number of unconfirmed publishes
	// so the broker's confirm stream never blocks.
	confirmBuffer = 256

	// confirmDrainGrace bounds the drain of stale confirmations during
	// recovery and close.
	confirmDrainGrace = 100 * time.Millisecond

	defaultRecoveryAttempts = 10
	defaultRecoveryBase     = time.Second
	defaultRecoveryCap      = 30 * time.Second
)

// HealthState is the publisher's connection health.
type HealthState int

const (
	// HealthConnected means the publisher holds a live confirm-mode channel.
	HealthConnected HealthState = iota

	// HealthRecovering means the channel closed and recovery is in progress.
	HealthRecovering

	// HealthDisconnected means the publisher is closed or recovery gave up.
	HealthDisconnected
)

// String returns a human-readable health state.
func (h HealthState) String() string {
	switch h {
	case HealthConnected:
		return "connected"
	case HealthRecovering:
		return "recovering"
	case HealthDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConfirmableChannel is the slice of amqp.Channel the publisher needs.
// *amqp.Channel satisfies it.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider supplies a fresh dedicated channel during recovery.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// HealthCallback observes publisher health transitions.
type HealthCallback func(HealthState)

// Publisher wraps one confirm-mode channel. Publishes are serialized per
// instance so each confirmation pairs with the publish that is waiting for
// it, without delivery-tag bookkeeping. Shard across publishers for more
// throughput.
type Publisher struct {
	logger           log.Logger
	confirmTimeout   time.Duration
	provider         ChannelProvider
	recoveryAttempts int
	recoveryPolicy   backoff.Policy
	onHealthChange   HealthCallback

	publishMu sync.Mutex
	mu        sync.RWMutex
	ch        ConfirmableChannel
	confirms  chan amqp.Confirmation
	closedCh  chan struct{}
	closeOnce *sync.Once
	stop      chan struct{}
	health    HealthState
	closed    bool
	shutdown  bool
	exhausted bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger. Nil values are ignored.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(pub *Publisher) {
		if !nilcheck.Any(logger) {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout bounds the wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithChannelProvider enables automatic channel recovery. The provider is
// asked for a fresh channel each attempt after the current one closes.
func WithChannelProvider(provider ChannelProvider) PublisherOption {
	return func(pub *Publisher) {
		if provider != nil {
			pub.provider = provider
		}
	}
}

// WithRecoveryAttempts caps consecutive recovery attempts.
func WithRecoveryAttempts(attempts int) PublisherOption {
	return func(pub *Publisher) {
		if attempts > 0 {
			pub.recoveryAttempts = attempts
		}
	}
}

// WithRecoveryPolicy overrides the backoff between recovery attempts.
func WithRecoveryPolicy(policy backoff.Policy) PublisherOption {
	return func(pub *Publisher) {
		if policy.Base > 0 {
			pub.recoveryPolicy = policy
		}
	}
}

// WithHealthCallback registers an observer for health transitions.
func WithHealthCallback(fn HealthCallback) PublisherOption {
	return func(pub *Publisher) {
		if fn != nil {
			pub.onHealthChange = fn
		}
	}
}

// NewPublisher puts ch into confirm mode and returns a publisher bound to it.
func NewPublisher(ch ConfirmableChannel, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Any(ch) {
		return nil, ErrChannelRequired
	}

	pub := &Publisher{
		logger:           log.NewNop(),
		confirmTimeout:   defaultConfirmTimeout,
		recoveryAttempts: defaultRecoveryAttempts,
		recoveryPolicy:   backoff.New(defaultRecoveryBase, defaultRecoveryCap),
		stop:             make(chan struct{}),
		health:           HealthConnected,
	}

	for _, opt := range opts {
		opt(pub)
	}

	pub.mu.Lock()
	err := pub.attachLocked(ch)
	pub.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return pub, nil
}

// attachLocked enters confirm mode on ch and installs it as the live channel.
// Caller holds pub.mu.
func (pub *Publisher) attachLocked(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmsUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = make(chan struct{})
	pub.closeOnce = &sync.Once{}
	pub.closed = false
	pub.exhausted = false

	pub.watchClose(closeNotify)

	return nil
}

// watchClose waits for the channel's close event and hands it to recovery.
func (pub *Publisher) watchClose(closeNotify chan *amqp.Error) {
	stop := pub.stop

	runtime.SafeGo(pub.logger, "rabbitmq-publisher-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			pub.handleChannelClosed(amqpErr)
		case <-stop:
		}
	})
}

func (pub *Publisher) handleChannelClosed(amqpErr *amqp.Error) {
	pub.mu.Lock()
	pub.closed = true
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	hasRecovery := pub.provider != nil && !pub.shutdown
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !hasRecovery {
		pub.setHealth(HealthDisconnected)

		return
	}

	pub.recoverChannel(amqpErr)
}

func (pub *Publisher) recoverChannel(cause *amqp.Error) {
	pub.setHealth(HealthRecovering)

	causeText := "unknown"
	if cause != nil {
		causeText = sanitizeCauseText(cause)
	}

	pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed, starting recovery",
		log.String("cause", causeText),
		log.Int("max_attempts", pub.recoveryAttempts),
	)

	// Wait out any in-flight publish, then drop the dead channel and drain
	// stale confirmations so the next attach starts from a clean stream.
	pub.publishMu.Lock()

	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()
		pub.publishMu.Unlock()
		pub.setHealth(HealthDisconnected)

		return
	}

	oldCh := pub.ch
	confirms := pub.confirms
	pub.ch = nil
	pub.mu.Unlock()
	pub.publishMu.Unlock()

	if !nilcheck.Any(oldCh) {
		_ = oldCh.Close()
	}

	drainConfirms(confirms)

	for attempt := 1; attempt <= pub.recoveryAttempts; attempt++ {
		if aborted := pub.waitRecoveryDelay(attempt); aborted {
			pub.setHealth(HealthDisconnected)

			return
		}

		if pub.tryRecoveryAttempt(attempt) {
			pub.setHealth(HealthConnected)

			return
		}
	}

	pub.logger.Log(context.Background(), log.LevelError, "rabbitmq channel recovery exhausted",
		log.Int("attempts", pub.recoveryAttempts))

	pub.mu.Lock()
	pub.exhausted = true
	pub.mu.Unlock()

	pub.setHealth(HealthDisconnected)
}

// waitRecoveryDelay sleeps the policy delay for attempt. Returns true when
// the publisher was closed while waiting.
func (pub *Publisher) waitRecoveryDelay(attempt int) bool {
	delay := pub.recoveryPolicy.Delay(attempt)

	pub.logger.Log(context.Background(), log.LevelInfo, "rabbitmq channel recovery attempt",
		log.Int("attempt", attempt),
		log.Int("max_attempts", pub.recoveryAttempts),
		log.String("backoff", delay.String()),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false
	case <-pub.stop:
		return true
	}
}

func (pub *Publisher) tryRecoveryAttempt(attempt int) bool {
	ch, err := pub.provider(context.Background())
	if err != nil {
		pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel provider failed",
			log.Int("attempt", attempt), log.Err(err))

		return false
	}

	if err := pub.Reconnect(ch); err != nil {
		pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel reconnect failed",
			log.Int("attempt", attempt), log.Err(err))

		if !nilcheck.Any(ch) {
			_ = ch.Close()
		}

		return false
	}

	pub.logger.Log(context.Background(), log.LevelInfo, "rabbitmq channel recovered",
		log.Int("attempt", attempt))

	return true
}

// Publish sends msg and waits for the broker confirmation. A nack, timeout,
// or cancellation surfaces as an error; timeout and cancellation also retire
// the channel, because the confirmation left behind would desynchronize the
// next wait.
func (pub *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		exhausted := pub.exhausted
		pub.mu.RUnlock()

		if exhausted {
			return fmt.Errorf("%w: %w", ErrPublisherClosed, ErrRecoveryExhausted)
		}

		return ErrPublisherClosed
	}

	ch := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if nilcheck.Any(ch) {
		return ErrPublisherClosed
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && confirmStreamCorrupted(err) {
		pub.retireChannel(ch)
	}

	return err
}

// confirmStreamCorrupted reports whether the pending confirmation would be
// attributed to the wrong publish on the next wait.
func confirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retireChannel marks the publisher closed and closes ch; the close monitor
// picks that up and runs recovery once publishMu is released.
// Caller holds publishMu.
func (pub *Publisher) retireChannel(ch ConfirmableChannel) {
	pub.mu.Lock()
	pub.closed = true
	pub.ch = nil
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !nilcheck.Any(ch) {
		_ = ch.Close()
	}
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closedCh <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timer.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("rabbitmq: wait confirm: %w", ctx.Err())
	}
}

// Reconnect installs a fresh channel after an operational close. Rejected
// while the publisher is still open or after an explicit Close.
func (pub *Publisher) Reconnect(ch ConfirmableChannel) error {
	if nilcheck.Any(ch) {
		return ErrChannelRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if !pub.closed {
		return ErrReconnectWhileOpen
	}

	if pub.shutdown {
		return ErrReconnectAfterClose
	}

	return pub.attachLocked(ch)
}

// Close permanently shuts the publisher down, draining pending confirmations.
func (pub *Publisher) Close() error {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	ch := pub.ch
	pub.ch = nil
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	confirms := pub.confirms
	safeCloseSignal(pub.stop)
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	var closeErr error

	if !nilcheck.Any(ch) {
		if err := ch.Close(); err != nil {
			closeErr = fmt.Errorf("rabbitmq: close publisher channel: %w", err)
		}
	}

	drainConfirms(confirms)
	pub.setHealth(HealthDisconnected)

	return closeErr
}

// Health returns the current health snapshot.
func (pub *Publisher) Health() HealthState {
	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.health
}

func (pub *Publisher) setHealth(state HealthState) {
	pub.mu.Lock()
	pub.health = state
	callback := pub.onHealthChange
	pub.mu.Unlock()

	if callback != nil {
		callback(state)
	}
}

func safeCloseSignal(ch chan struct{}) {
	if ch == nil {
		return
	}

	select {
	case <-ch:
	default:
		close(ch)
	}
}

// drainConfirms empties the stale confirmation stream so a reattached channel
// starts clean. The grace window only needs to cover confirms already in
// flight, not a full confirmation round trip.
func drainConfirms(confirms <-chan amqp.Confirmation) {
	if confirms == nil {
		return
	}

	grace := time.NewTimer(confirmDrainGrace)
	defer grace.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		case <-grace.C:
			return
		}
	}
}

func sanitizeCauseText(amqpErr *amqp.Error) string {
	return fmt.Sprintf("code=%d reason=%s", amqpErr.Code, amqpErr.Reason)
}
