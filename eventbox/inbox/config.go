package inbox

import (
	"time"

	"github.com/halberd-labs/lib-eventbox/eventbox/clock"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultProcessTimeout = 30 * time.Second
	defaultMaxAttempts    = 5
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 50
	defaultStaleAfter     = 10 * time.Minute
)

// ProcessorConfig controls processing timeouts, retry ceilings, and the
// stalled-message sweep.
type ProcessorConfig struct {
	// ProcessTimeout bounds one handler invocation.
	ProcessTimeout time.Duration
	// MaxAttempts is the total attempt ceiling before a message goes DEAD.
	MaxAttempts int
	// SweepInterval is the period between stalled-message sweeps.
	SweepInterval time.Duration
	// SweepBatchSize bounds how many stalled messages one sweep reclaims.
	SweepBatchSize int
	// StaleAfter is the claim age past which a PROCESSING message counts as
	// stalled.
	StaleAfter time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultProcessorConfig returns the baseline processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ProcessTimeout: defaultProcessTimeout,
		MaxAttempts:    defaultMaxAttempts,
		SweepInterval:  defaultSweepInterval,
		SweepBatchSize: defaultSweepBatchSize,
		StaleAfter:     defaultStaleAfter,
	}
}

func (cfg *ProcessorConfig) normalize() {
	defaults := DefaultProcessorConfig()

	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaults.ProcessTimeout
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaults.SweepBatchSize
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
}

// ProcessorOption mutates processor configuration at construction.
type ProcessorOption func(*Processor)

// WithProcessTimeout bounds one handler invocation.
func WithProcessTimeout(timeout time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.cfg.ProcessTimeout = timeout
		}
	}
}

// WithMaxAttempts sets the attempt ceiling before messages go DEAD.
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(processor *Processor) {
		if attempts > 0 {
			processor.cfg.MaxAttempts = attempts
		}
	}
}

// WithSweepInterval sets the period between stalled-message sweeps.
func WithSweepInterval(interval time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if interval > 0 {
			processor.cfg.SweepInterval = interval
		}
	}
}

// WithSweepBatchSize bounds how many stalled messages one sweep reclaims.
func WithSweepBatchSize(size int) ProcessorOption {
	return func(processor *Processor) {
		if size > 0 {
			processor.cfg.SweepBatchSize = size
		}
	}
}

// WithStaleAfter sets the claim age past which messages count as stalled.
func WithStaleAfter(age time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if age > 0 {
			processor.cfg.StaleAfter = age
		}
	}
}

// WithClock injects the clock driving the sweep loop. Nil values are ignored.
func WithClock(clk clock.Clock) ProcessorOption {
	return func(processor *Processor) {
		if !nilcheck.Any(clk) {
			processor.clock = clk
		}
	}
}

// WithMeterProvider injects a custom meter provider for processor metrics.
func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Any(provider) {
			processor.cfg.MeterProvider = nil

			return
		}

		processor.cfg.MeterProvider = provider
	}
}
