//go:build unit

package inbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)

			var total int64
			for _, point := range sum.DataPoints {
				total += point.Value
			}

			return total
		}
	}

	return 0
}

func TestProcessRecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	repo := newFakeRepo()
	handler := &countingHandler{failures: 1}
	processor := newTestProcessor(t, repo, handler.handle, WithMeterProvider(provider))

	ctx := context.Background()
	envelope := newEnvelope()

	// First delivery fails, redelivery succeeds, third is a duplicate.
	require.Error(t, processor.Process(ctx, envelope))
	require.NoError(t, processor.Process(ctx, envelope))
	require.NoError(t, processor.Process(ctx, envelope))

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(ctx, &rm))
	require.Equal(t, int64(1), counterValue(t, rm, "inbox.messages.processed"))
	require.Equal(t, int64(1), counterValue(t, rm, "inbox.messages.failed"))
	require.Equal(t, int64(1), counterValue(t, rm, "inbox.messages.duplicates_skipped"))
}

func TestProcessEmitsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tracerProvider.Tracer("test")

	registry := NewHandlerRegistry()
	handler := &countingHandler{}
	require.NoError(t, registry.Register("order.created", handler.handle))

	processor, err := NewProcessor(newFakeRepo(), registry, nil, tracer)
	require.NoError(t, err)

	require.NoError(t, processor.Process(context.Background(), newEnvelope()))

	spanNames := make([]string, 0)
	for _, span := range recorder.Ended() {
		spanNames = append(spanNames, span.Name())
	}

	require.Contains(t, spanNames, "inbox.process")
}
