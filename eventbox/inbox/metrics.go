package inbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type processorMetrics struct {
	messagesProcessed metric.Int64Counter
	messagesFailed    metric.Int64Counter
	duplicatesSkipped metric.Int64Counter
	processLatency    metric.Float64Histogram
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbox.inbox.processor")

	var (
		metrics processorMetrics
		err     error
	)

	metrics.messagesProcessed, err = meter.Int64Counter(
		"inbox.messages.processed",
		metric.WithDescription("Number of inbox messages processed successfully"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.processed counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"inbox.messages.failed",
		metric.WithDescription("Number of inbox messages whose processing failed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.failed counter: %w", err)
	}

	metrics.duplicatesSkipped, err = meter.Int64Counter(
		"inbox.messages.duplicates_skipped",
		metric.WithDescription("Number of duplicate deliveries discarded without reprocessing"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.duplicates_skipped counter: %w", err)
	}

	metrics.processLatency, err = meter.Float64Histogram(
		"inbox.process.latency",
		metric.WithDescription("Time taken to process one inbox message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.process.latency histogram: %w", err)
	}

	return metrics, nil
}

func (m processorMetrics) addProcessed(ctx context.Context, count int64) {
	if m.messagesProcessed == nil || count <= 0 {
		return
	}

	m.messagesProcessed.Add(ctx, count)
}

func (m processorMetrics) addFailed(ctx context.Context, count int64) {
	if m.messagesFailed == nil || count <= 0 {
		return
	}

	m.messagesFailed.Add(ctx, count)
}

func (m processorMetrics) addDuplicateSkipped(ctx context.Context, count int64) {
	if m.duplicatesSkipped == nil || count <= 0 {
		return
	}

	m.duplicatesSkipped.Add(ctx, count)
}

func (m processorMetrics) recordLatency(ctx context.Context, seconds float64) {
	if m.processLatency == nil {
		return
	}

	m.processLatency.Record(ctx, seconds)
}
