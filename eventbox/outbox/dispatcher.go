package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/halberd-labs/lib-eventbox/eventbox"
	"github.com/halberd-labs/lib-eventbox/eventbox/clock"
	"github.com/halberd-labs/lib-eventbox/eventbox/internal/nilcheck"
	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/opentelemetry"
	"github.com/halberd-labs/lib-eventbox/eventbox/runtime"
	"github.com/halberd-labs/lib-eventbox/eventbox/sanitize"
)

// Dispatcher polls the outbox store and publishes claimed events through
// registered handlers. Multiple dispatcher instances may run against the
// same store; the repository's claim semantics keep them from colliding.
type Dispatcher struct {
	repo            Repository
	handlers        *HandlerRegistry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	clock           clock.Clock
	cfg             DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ eventbox.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo Repository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Any(repo) {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if nilcheck.Any(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbox.noop")
	}

	if nilcheck.Any(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:     repo,
		handlers: handlers,
		logger:   logger,
		tracer:   tracer,
		clock:    clock.System(),
		cfg:      DefaultDispatcherConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *eventbox.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is
// cancelled. An initial cycle fires immediately; subsequent cycles follow
// the configured interval on the injected clock.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *eventbox.Launcher) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := dispatcher.clock.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.runCycle(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx, "outbox.dispatcher.dispatch_once")
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, dispatcher.logger, "outbox", "dispatcher_cycle")

	result := dispatcher.DispatchOnceResult(cycleCtx)
	span.SetAttributes(
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle, bounded by ctx.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one dispatch cycle and returns the processed count.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Processed
}

// DispatchOnceResult processes one dispatch cycle and returns counters.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil {
		return DispatchResult{}
	}

	if dispatcher.repo == nil || dispatcher.handlers == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Any(logger) {
		logger = log.NewNop()
	}

	start := dispatcher.clock.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	batch := dispatcher.collectEvents(ctx, span)

	var result DispatchResult

	dispatcher.metrics.recordBatchDepth(ctx, int64(len(batch)))

	// Delivery is at-least-once: publish happens before MarkPublished. If
	// state persistence fails after publish, consumers see a redelivery and
	// must deduplicate by event id.
	for _, event := range batch {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		result.Processed++

		if err := dispatcher.publishEventWithRetry(ctx, event); err != nil {
			dispatcher.handlePublishError(ctx, logger, event, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := dispatcher.repo.MarkPublished(ctx, event.ID, dispatcher.clock.Now().UTC()); err != nil {
			logger.Log(
				ctx,
				log.LevelError,
				"outbox event published but failed to persist PUBLISHED state; event may be redelivered",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitize.Error(err)),
			)

			dispatcher.metrics.addStateUpdateFailed(ctx, 1)

			result.StateUpdateFailed++
		}
	}

	dispatcher.metrics.addPublished(ctx, int64(result.Published))
	dispatcher.metrics.addFailed(ctx, int64(result.Failed))
	dispatcher.metrics.recordLatency(ctx, dispatcher.clock.Now().Sub(start).Seconds())

	return result
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

// collectEvents gathers events for a single cycle using a layered strategy:
//
//  1. Priority events: pending events matching PriorityEventTypes (up to PriorityBudget)
//  2. Stuck events: PROCESSING claims older than ProcessingTimeout
//  3. Failed events: FAILED events older than RetryWindow with attempts remaining
//  4. Pending events: remaining PENDING events, oldest first
//
// The total batch is bounded by BatchSize and deduplicated by event id.
func (dispatcher *Dispatcher) collectEvents(ctx context.Context, span trace.Span) []*Event {
	logger := dispatcher.logger
	now := dispatcher.clock.Now().UTC()
	failedBefore := now.Add(-dispatcher.cfg.RetryWindow)
	processingBefore := now.Add(-dispatcher.cfg.ProcessingTimeout)

	priorityBudget := min(dispatcher.cfg.PriorityBudget, dispatcher.cfg.BatchSize)
	priorityEvents := dispatcher.collectPriorityEvents(ctx, span, priorityBudget)
	collected := len(priorityEvents)

	stuckLimit := dispatcher.cfg.BatchSize - collected
	if stuckLimit <= 0 {
		return deduplicateEvents(priorityEvents)
	}

	stuckEvents, err := dispatcher.repo.ResetStuckProcessing(ctx, stuckLimit, processingBefore, dispatcher.cfg.MaxAttempts)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset stuck events", err)
		log.SafeError(logger, ctx, "failed to reset stuck events", err, false)
	}

	collected += len(stuckEvents)

	failedLimit := min(dispatcher.cfg.BatchSize-collected, dispatcher.cfg.MaxFailedPerBatch)
	if failedLimit <= 0 {
		return deduplicateEvents(append(priorityEvents, stuckEvents...))
	}

	failedEvents, err := dispatcher.repo.ResetForRetry(ctx, failedLimit, failedBefore, dispatcher.cfg.MaxAttempts)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset failed events for retry", err)
		log.SafeError(logger, ctx, "failed to reset failed events for retry", err, false)
	}

	collected += len(failedEvents)

	remaining := dispatcher.cfg.BatchSize - collected
	if remaining <= 0 {
		return deduplicateEvents(append(append(priorityEvents, stuckEvents...), failedEvents...))
	}

	pendingEvents, err := dispatcher.repo.ListPending(ctx, remaining)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list pending outbox events", err)
		log.SafeError(logger, ctx, "failed to list pending outbox events", err, false)

		return deduplicateEvents(append(append(priorityEvents, stuckEvents...), failedEvents...))
	}

	all := make([]*Event, 0, collected+len(pendingEvents))
	all = append(all, priorityEvents...)
	all = append(all, stuckEvents...)
	all = append(all, failedEvents...)
	all = append(all, pendingEvents...)

	return deduplicateEvents(all)
}

func (dispatcher *Dispatcher) collectPriorityEvents(ctx context.Context, span trace.Span, budget int) []*Event {
	if budget <= 0 || len(dispatcher.cfg.PriorityEventTypes) == 0 {
		return nil
	}

	var result []*Event

	for _, eventType := range dispatcher.cfg.PriorityEventTypes {
		remaining := budget - len(result)
		if remaining <= 0 {
			break
		}

		claimed, err := dispatcher.repo.ListPendingByType(ctx, eventType, remaining)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to list priority events", err)
			log.SafeError(dispatcher.logger, ctx, "failed to list priority events", err, false)

			continue
		}

		result = append(result, claimed...)
	}

	return result
}

func deduplicateEvents(batch []*Event) []*Event {
	if len(batch) == 0 {
		return batch
	}

	seen := make(map[uuid.UUID]bool, len(batch))
	result := make([]*Event, 0, len(batch))

	for _, event := range batch {
		if event == nil {
			continue
		}

		if seen[event.ID] {
			continue
		}

		seen[event.ID] = true
		result = append(result, event)
	}

	return result
}

func (dispatcher *Dispatcher) publishEventWithRetry(ctx context.Context, event *Event) error {
	maxAttempts := dispatcher.cfg.PublishMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultPublishMaxAttempts
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := dispatcher.publishEvent(ctx, event)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt, maxAttempts, err)
		if dispatcher.isNonRetryableError(err) || attempt == maxAttempts {
			break
		}

		if waitErr := dispatcher.cfg.PublishBackoff.Sleep(ctx, attempt); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrEventRequired
	}

	if len(event.Payload) == 0 {
		return ErrPayloadRequired
	}

	return dispatcher.handlers.Handle(ctx, event)
}

func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, logger log.Logger, event *Event, err error) {
	if dispatcher.isNonRetryableError(err) {
		if markErr := dispatcher.repo.MarkDead(ctx, event.ID, sanitize.Error(err)); markErr != nil {
			logger.Log(ctx, log.LevelError, "failed to mark outbox event dead",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitize.Error(markErr)),
			)
		}

		return
	}

	if markErr := dispatcher.repo.MarkFailed(ctx, event.ID, sanitize.Error(err), dispatcher.cfg.MaxAttempts); markErr != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox event failed",
			log.String("event_id", event.ID.String()),
			log.String("error", sanitize.Error(markErr)),
		)
	}
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil || nilcheck.Any(dispatcher.retryClassifier) {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
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
