package publisher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/infra/telemetry"
)

type publisherMetrics struct {
	published     metric.Int64Counter
	skipped       metric.Int64Counter
	errors        metric.Int64Counter
	flushDuration metric.Float64Histogram
}

func newPublisherMetrics() *publisherMetrics {
	meter := otel.Meter("herald.publisher")
	m := new(publisherMetrics)
	m.published, _ = meter.Int64Counter("publisher.updates.published",
		metric.WithDescription("Number of updates handed to a hub or the async queue"),
		metric.WithUnit("{update}"))
	m.skipped, _ = meter.Int64Counter("publisher.updates.skipped",
		metric.WithDescription("Number of mutations that produced no update"),
		metric.WithUnit("{mutation}"))
	m.errors, _ = meter.Int64Counter("publisher.errors",
		metric.WithDescription("Number of updates that failed to publish"),
		metric.WithUnit("{error}"))
	m.flushDuration, _ = meter.Float64Histogram("publisher.flush.duration",
		metric.WithDescription("Latency of a full flush"),
		metric.WithUnit("ms"))
	return m
}

func (m *publisherMetrics) recordPublished(ctx context.Context, class string, outcome schema.Outcome, delivery string) {
	if m.published == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(
		telemetry.UpdateAttributes(telemetry.Environment(), class, outcome.String(), delivery)...))
}

func (m *publisherMetrics) recordSkip(ctx context.Context, class, reason string) {
	if m.skipped == nil {
		return
	}
	m.skipped.Add(ctx, 1, metric.WithAttributes(telemetry.SkipAttributes(telemetry.Environment(), class, reason)...))
}

func (m *publisherMetrics) recordFailure(ctx context.Context, class string, outcome schema.Outcome) {
	if m.errors == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(telemetry.ErrorAttributes(telemetry.Environment(), class, outcome.String())...))
}

func (m *publisherMetrics) recordFlush(ctx context.Context, start time.Time, err error) {
	if m.flushDuration == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.flushDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "", "flush", result)...))
}
