package inbox

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/halberd-labs/lib-eventbox/eventbox"
	"github.com/halberd-labs/lib-eventbox/eventbox/bus"
	"github.com/halberd-labs/lib-eventbox/eventbox/clock"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/opentelemetry"
	"github.com/halberd-labs/lib-eventbox/eventbox/runtime"
	"github.com/halberd-labs/lib-eventbox/eventbox/sanitize"
)

// Processor turns at-least-once deliveries into at-most-once effects: every
// delivery is recorded before its handler runs, duplicates are discarded or
// resumed based on the recorded status, and completion is persisted after
// the handler succeeds.
//
// As an App it also runs a background sweep reclaiming messages whose
// processor died mid-claim.
type Processor struct {
	repo     Repository
	handlers *HandlerRegistry
	logger   log.Logger
	tracer   trace.Tracer
	clock    clock.Clock
	cfg      ProcessorConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	sweepWg    sync.WaitGroup

	metrics processorMetrics
}

var _ eventbox.App = (*Processor)(nil)

// NewProcessor creates an inbox processor.
func NewProcessor(
	repo Repository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...ProcessorOption,
) (*Processor, error) {
	if nilcheck.Any(repo) {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRequired
	}

	if nilcheck.Any(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbox.noop")
	}

	if nilcheck.Any(logger) {
		logger = log.NewNop()
	}

	processor := &Processor{
		repo:     repo,
		handlers: handlers,
		logger:   logger,
		tracer:   tracer,
		clock:    clock.System(),
		cfg:      DefaultProcessorConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	processor.cfg.normalize()

	metrics, err := newProcessorMetrics(processor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox metrics: %w", err)
	}

	processor.metrics = metrics

	return processor, nil
}

// Process handles one delivered envelope. A nil return acknowledges the
// delivery; an error asks the transport to redeliver. Messages that exhaust
// their attempts are acknowledged with the DEAD row as their record.
func (processor *Processor) Process(ctx context.Context, envelope bus.Message) error {
	if processor == nil {
		return ErrProcessorRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := processor.clock.Now()

	ctx, span := processor.tracer.Start(ctx, "inbox.process")
	defer span.End()

	span.SetAttributes(
		attribute.String("inbox.message_id", envelope.ID.String()),
		attribute.String("inbox.event_type", envelope.EventType),
	)

	msg, err := FromBusMessage(envelope)
	if err != nil {
		opentelemetry.HandleSpanError(span, "invalid inbox message", err)

		return fmt.Errorf("record delivery: %w", err)
	}

	result, err := processor.repo.Record(ctx, msg)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to record delivery", err)
		log.SafeError(processor.logger, ctx, "failed to record inbox delivery", err, false)

		return fmt.Errorf("record delivery: %w", err)
	}

	span.SetAttributes(attribute.String("inbox.record_result", result.String()))

	if result == ResultDuplicateProcessed {
		processor.metrics.addDuplicateSkipped(ctx, 1)
		processor.logger.Log(ctx, log.LevelDebug, "duplicate delivery discarded",
			log.String("message_id", msg.ID.String()),
			log.String("event_type", msg.EventType),
		)

		return nil
	}

	if result == ResultDuplicateClaimed {
		processor.logger.Log(ctx, log.LevelDebug, "delivery raced a live claim, leaving for redelivery",
			log.String("message_id", msg.ID.String()),
			log.String("event_type", msg.EventType),
		)

		return fmt.Errorf("record delivery: %w", ErrMessageClaimed)
	}

	// ResultNew and ResultDuplicateInProgress both proceed: an in-progress
	// duplicate re-claimed the row, so this delivery resumes the earlier
	// one's work while holding the only live claim.
	err = processor.runHandler(ctx, msg)

	processor.metrics.recordLatency(ctx, processor.clock.Now().Sub(start).Seconds())

	if err == nil {
		if markErr := processor.repo.MarkProcessed(ctx, msg.ID, processor.clock.Now().UTC()); markErr != nil {
			opentelemetry.HandleSpanError(span, "failed to persist PROCESSED state", markErr)
			log.SafeError(processor.logger, ctx, "inbox effects applied but PROCESSED state not persisted", markErr, false)

			// The row stays claimed; the stalled sweep will surface it and
			// the duplicate check keeps the redelivery harmless.
			return fmt.Errorf("mark processed: %w", markErr)
		}

		processor.metrics.addProcessed(ctx, 1)

		return nil
	}

	opentelemetry.HandleSpanError(span, "inbox handler failed", err)
	processor.metrics.addFailed(ctx, 1)

	status, markErr := processor.repo.MarkFailed(ctx, msg.ID, sanitize.Error(err), processor.cfg.MaxAttempts)
	if markErr != nil {
		log.SafeError(processor.logger, ctx, "failed to persist FAILED state", markErr, false)

		return fmt.Errorf("handler failed (%v); mark failed: %w", err, markErr)
	}

	if status == StatusDead {
		processor.logger.Log(ctx, log.LevelError, "inbox message exhausted attempts and was dead-lettered",
			log.String("message_id", msg.ID.String()),
			log.String("event_type", msg.EventType),
		)

		// Acknowledge: the DEAD row is the operator-visible record.
		return nil
	}

	return fmt.Errorf("process %s: %w", msg.EventType, err)
}

func (processor *Processor) runHandler(ctx context.Context, msg *Message) error {
	handlerCtx := ctx

	if processor.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc

		handlerCtx, cancel = context.WithTimeout(ctx, processor.cfg.ProcessTimeout)
		defer cancel()
	}

	return processor.handlers.Handle(handlerCtx, msg)
}

// Bind subscribes the processor to the given event types on a bus.
func (processor *Processor) Bind(messageBus bus.MessageBus, eventTypes ...string) ([]bus.Subscription, error) {
	if processor == nil {
		return nil, ErrProcessorRequired
	}

	if nilcheck.Any(messageBus) {
		return nil, ErrBusRequired
	}

	subs := make([]bus.Subscription, 0, len(eventTypes))

	for _, eventType := range eventTypes {
		sub, err := messageBus.Subscribe(eventType, processor.Process)
		if err != nil {
			for _, existing := range subs {
				_ = existing.Unsubscribe()
			}

			return nil, fmt.Errorf("subscribe %s: %w", eventType, err)
		}

		subs = append(subs, sub)
	}

	return subs, nil
}

// Run starts the stalled-message sweep loop until Stop is called.
func (processor *Processor) Run(launcher *eventbox.Launcher) error {
	return processor.RunContext(context.Background(), launcher)
}

// RunContext starts the sweep loop until Stop is called or ctx is cancelled.
func (processor *Processor) RunContext(parentCtx context.Context, launcher *eventbox.Launcher) error {
	if processor == nil {
		return ErrProcessorRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !processor.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer processor.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "inbox processor sweep started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "inbox processor sweep stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "inbox", "processor_run")

	ticker := processor.clock.NewTicker(processor.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-processor.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			select {
			case <-processor.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			processor.runSweep(ctx)
		}
	}
}

func (processor *Processor) runSweep(ctx context.Context) {
	processor.sweepWg.Add(1)
	defer processor.sweepWg.Done()

	sweepCtx, span := processor.tracer.Start(ctx, "inbox.processor.sweep")
	defer span.End()
	defer runtime.RecoverAndLogWithContext(sweepCtx, processor.logger, "inbox", "processor_sweep")

	processed := processor.SweepOnce(sweepCtx)
	span.SetAttributes(attribute.Int("inbox.sweep.reclaimed", processed))
}

// SweepOnce reclaims one batch of stalled messages and reprocesses them,
// returning the number reclaimed.
func (processor *Processor) SweepOnce(ctx context.Context) int {
	if processor == nil || processor.repo == nil {
		return 0
	}

	if ctx == nil {
		ctx = context.Background()
	}

	staleBefore := processor.clock.Now().UTC().Add(-processor.cfg.StaleAfter)

	stalled, err := processor.repo.ReclaimStalled(ctx, processor.cfg.SweepBatchSize, staleBefore, processor.cfg.MaxAttempts)
	if err != nil {
		log.SafeError(processor.logger, ctx, "failed to reclaim stalled inbox messages", err, false)

		return 0
	}

	for _, msg := range stalled {
		if ctx.Err() != nil {
			break
		}

		if msg == nil {
			continue
		}

		processor.reprocessStalled(ctx, msg)
	}

	return len(stalled)
}

func (processor *Processor) reprocessStalled(ctx context.Context, msg *Message) {
	err := processor.runHandler(ctx, msg)
	if err == nil {
		if markErr := processor.repo.MarkProcessed(ctx, msg.ID, processor.clock.Now().UTC()); markErr != nil {
			log.SafeError(processor.logger, ctx, "stalled message reprocessed but PROCESSED state not persisted", markErr, false)

			return
		}

		processor.metrics.addProcessed(ctx, 1)

		return
	}

	processor.metrics.addFailed(ctx, 1)

	status, markErr := processor.repo.MarkFailed(ctx, msg.ID, sanitize.Error(err), processor.cfg.MaxAttempts)
	if markErr != nil {
		log.SafeError(processor.logger, ctx, "failed to persist FAILED state for stalled message", markErr, false)

		return
	}

	if status == StatusDead {
		processor.logger.Log(ctx, log.LevelError, "stalled inbox message exhausted attempts and was dead-lettered",
			log.String("message_id", msg.ID.String()),
			log.String("event_type", msg.EventType),
		)
	}
}

// Stop signals the sweep loop to stop.
func (processor *Processor) Stop() {
	if processor == nil {
		return
	}

	processor.stopOnce.Do(func() {
		processor.runStateMu.Lock()
		cancel := processor.cancelFunc
		stop := processor.stop
		if stop == nil {
			stop = make(chan struct{})
			processor.stop = stop
		}
		processor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the sweep loop and waits for the in-flight sweep, bounded
// by ctx.
func (processor *Processor) Shutdown(ctx context.Context) error {
	if processor == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	processor.Stop()

	done := make(chan struct{})

	runtime.SafeGo(processor.logger, "inbox.processor_shutdown_wait", runtime.KeepRunning, func() {
		processor.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor shutdown: %w", ctx.Err())
	}
}

func (processor *Processor) registerRun(cancel context.CancelFunc) bool {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.running {
		return false
	}

	if processor.stop == nil || isClosedSignal(processor.stop) {
		processor.stop = make(chan struct{})
		processor.stopOnce = sync.Once{}
	}

	processor.running = true
	processor.cancelFunc = cancel

	return true
}

func (processor *Processor) clearRun() {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	processor.running = false
	processor.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
