package eventbox

import (
	"context"

	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type trackingContextKey struct{}

// trackingValues holds request-scoped facilities attached to a context.
type trackingValues struct {
	CorrelationID string
	Logger        log.Logger
	Tracer        trace.Tracer
}

func trackingFrom(ctx context.Context) *trackingValues {
	if ctx == nil {
		return nil
	}

	values, _ := ctx.Value(trackingContextKey{}).(*trackingValues)

	return values
}

func withTracking(ctx context.Context, mutate func(*trackingValues)) context.Context {
	values := trackingFrom(ctx)

	// Copy-on-write so sibling contexts never observe each other's mutations.
	next := trackingValues{}
	if values != nil {
		next = *values
	}

	mutate(&next)

	return context.WithValue(ctx, trackingContextKey{}, &next)
}

// ContextWithLogger attaches a logger to the context.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	return withTracking(ctx, func(v *trackingValues) { v.Logger = logger })
}

// ContextWithTracer attaches a tracer to the context.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return withTracking(ctx, func(v *trackingValues) { v.Tracer = tracer })
}

// ContextWithCorrelationID attaches a correlation id to the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return withTracking(ctx, func(v *trackingValues) { v.CorrelationID = id })
}

// LoggerFromContext extracts the context logger, falling back to a nop.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if values := trackingFrom(ctx); values != nil && values.Logger != nil {
		return values.Logger
	}

	return log.NewNop()
}

// TracerFromContext extracts the context tracer, falling back to a noop.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if values := trackingFrom(ctx); values != nil && values.Tracer != nil {
		return values.Tracer
	}

	return noop.NewTracerProvider().Tracer("eventbox.noop")
}

// CorrelationIDFromContext extracts the correlation id, empty when unset.
func CorrelationIDFromContext(ctx context.Context) string {
	if values := trackingFrom(ctx); values != nil {
		return values.CorrelationID
	}

	return ""
}

// NewTrackingFromContext extracts logger, tracer, and correlation id with
// nop/noop fallbacks.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	return LoggerFromContext(ctx), TracerFromContext(ctx), CorrelationIDFromContext(ctx)
}
