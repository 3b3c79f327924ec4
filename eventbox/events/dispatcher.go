package events

import (
	"context"
	"fmt"

	"github.com/halberd-labs/lib-eventbox/eventbox/log"
)

// Dispatcher delivers buffered events to registered reactors synchronously,
// in the caller's goroutine. It is the in-process half of event delivery;
// cross-process delivery goes through the outbox.
type Dispatcher struct {
	registry *ReactorRegistry
	logger   log.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger. Nil values are ignored.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *ReactorRegistry, opts ...DispatcherOption) *Dispatcher {
	dispatcher := &Dispatcher{
		registry: registry,
		logger:   log.NewNop(),
	}

	for _, opt := range opts {
		opt(dispatcher)
	}

	if dispatcher.registry == nil {
		dispatcher.registry = NewReactorRegistry()
	}

	return dispatcher
}

// maxDispatchRounds bounds follow-up rounds so a reactor that re-raises on
// every delivery cannot spin Dispatch forever.
const maxDispatchRounds = 100

// Dispatch drains the recorder's pending events through their reactors, in
// raise order, reactors in registration order. Events a reactor raises onto
// the same recorder during dispatch are delivered in a follow-up round, so
// nothing a reactor stages is lost. The first reactor error stops delivery
// and is returned with the undispatched events left in the buffer, so the
// caller can roll back its unit of work. On success the recorder is empty.
func (d *Dispatcher) Dispatch(ctx context.Context, recorder *Recorder) error {
	if recorder == nil {
		return ErrNilRecorder
	}

	for round := 0; round < maxDispatchRounds; round++ {
		pending := recorder.PendingEvents()
		if len(pending) == 0 {
			return nil
		}

		for _, event := range pending {
			if err := d.dispatchOne(ctx, event); err != nil {
				return err
			}
		}

		recorder.dropFirst(len(pending))
	}

	return ErrDispatchUnsettled
}

// DispatchEvent delivers a single event without a recorder.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event Event) error {
	return d.dispatchOne(ctx, event)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, event Event) error {
	reactors := d.registry.ReactorsFor(event.Type)
	if len(reactors) == 0 {
		if d.registry.strict {
			return fmt.Errorf("%w: %s", ErrNoReactors, event.Type)
		}

		d.logger.Log(ctx, log.LevelDebug, "no reactors for event",
			log.String("event_type", event.Type),
			log.String("event_id", event.ID.String()),
		)

		return nil
	}

	for _, reactor := range reactors {
		if err := reactor(ctx, event); err != nil {
			return fmt.Errorf("reactor failed for event %s (%s): %w", event.ID, event.Type, err)
		}
	}

	return nil
}
