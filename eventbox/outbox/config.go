package outbox

import (
	"strings"
	"time"

	"github.com/halberd-labs/lib-eventbox/eventbox/backoff"
	"github.com/halberd-labs/lib-eventbox/eventbox/clock"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval   = 2 * time.Second
	defaultBatchSize          = 50
	defaultPublishMaxAttempts = 3
	defaultPublishBackoff     = 200 * time.Millisecond
	defaultPublishBackoffCap  = 5 * time.Second
	defaultRetryWindow        = 5 * time.Minute
	defaultMaxAttempts        = 10
	defaultProcessingTimeout  = 10 * time.Minute
	defaultPriorityBudget     = 10
	defaultMaxFailedPerBatch  = 25
)

// DispatcherConfig controls dispatcher polling, retry, and claiming behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of events processed per cycle.
	BatchSize int
	// PublishMaxAttempts is the max in-cycle publish attempts for one event.
	PublishMaxAttempts int
	// PublishBackoff computes the delay between in-cycle publish retries.
	PublishBackoff backoff.Policy
	// RetryWindow is the minimum age for failed events to become retry-eligible.
	RetryWindow time.Duration
	// MaxAttempts is the total attempt ceiling before an event goes DEAD.
	MaxAttempts int
	// ProcessingTimeout is the age threshold for reclaiming stuck claims.
	ProcessingTimeout time.Duration
	// PriorityBudget limits how many events priority types can claim per cycle.
	PriorityBudget int
	// MaxFailedPerBatch limits how many failed events are reclaimed per cycle.
	MaxFailedPerBatch int
	// PriorityEventTypes defines ordered event types to pull first each cycle.
	PriorityEventTypes []string
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:   defaultDispatchInterval,
		BatchSize:          defaultBatchSize,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     backoff.New(defaultPublishBackoff, defaultPublishBackoffCap),
		RetryWindow:        defaultRetryWindow,
		MaxAttempts:        defaultMaxAttempts,
		ProcessingTimeout:  defaultProcessingTimeout,
		PriorityBudget:     defaultPriorityBudget,
		MaxFailedPerBatch:  defaultMaxFailedPerBatch,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff.Base <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaults.RetryWindow
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.PriorityBudget <= 0 {
		cfg.PriorityBudget = defaults.PriorityBudget
	}

	if cfg.MaxFailedPerBatch <= 0 {
		cfg.MaxFailedPerBatch = defaults.MaxFailedPerBatch
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets the maximum events processed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithPublishMaxAttempts sets max in-cycle publish attempts per event.
func WithPublishMaxAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets the backoff policy for in-cycle publish retries.
func WithPublishBackoff(policy backoff.Policy) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if policy.Base > 0 {
			dispatcher.cfg.PublishBackoff = policy
		}
	}
}

// WithRetryWindow sets failed-event cooldown before retry reclamation.
func WithRetryWindow(retryWindow time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if retryWindow > 0 {
			dispatcher.cfg.RetryWindow = retryWindow
		}
	}
}

// WithMaxAttempts sets the total attempt ceiling before events go DEAD.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.MaxAttempts = attempts
		}
	}
}

// WithProcessingTimeout sets the timeout used to reclaim stuck claims.
func WithProcessingTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithPriorityBudget sets the per-cycle priority selection budget.
func WithPriorityBudget(budget int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if budget > 0 {
			dispatcher.cfg.PriorityBudget = budget
		}
	}
}

// WithMaxFailedPerBatch sets max failed events reclaimed each cycle.
func WithMaxFailedPerBatch(maxFailed int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxFailed > 0 {
			dispatcher.cfg.MaxFailedPerBatch = maxFailed
		}
	}
}

// WithPriorityEventTypes sets the ordered event types selected before generic
// pending events.
func WithPriorityEventTypes(eventTypes ...string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		types := make([]string, 0, len(eventTypes))
		for _, eventType := range eventTypes {
			normalized := strings.TrimSpace(eventType)
			if normalized == "" {
				continue
			}

			types = append(types, normalized)
		}

		if len(types) == 0 {
			dispatcher.cfg.PriorityEventTypes = nil

			return
		}

		dispatcher.cfg.PriorityEventTypes = types
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Any(classifier) {
			dispatcher.retryClassifier = nil

			return
		}

		dispatcher.retryClassifier = classifier
	}
}

// WithClock injects the clock driving the poll loop. Nil values are ignored.
func WithClock(clk clock.Clock) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Any(clk) {
			dispatcher.clock = clk
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Any(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
