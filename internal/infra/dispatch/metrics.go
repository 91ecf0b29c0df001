package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/herald/internal/infra/telemetry"
)

type queueMetrics struct {
	kind      string
	enqueued  metric.Int64Counter
	delivered metric.Int64Counter
	failures  metric.Int64Counter
}

func newQueueMetrics(kind string) queueMetrics {
	meter := otel.Meter("herald.dispatch")
	m := queueMetrics{kind: kind}
	m.enqueued, _ = meter.Int64Counter("dispatch.enqueued",
		metric.WithDescription("Number of updates accepted by the async dispatch channel"),
		metric.WithUnit("{update}"))
	m.delivered, _ = meter.Int64Counter("dispatch.delivered",
		metric.WithDescription("Number of queued updates delivered to a hub"),
		metric.WithUnit("{update}"))
	m.failures, _ = meter.Int64Counter("dispatch.failures",
		metric.WithDescription("Number of enqueue or delivery failures"),
		metric.WithUnit("{error}"))
	return m
}

func (m queueMetrics) recordEnqueue(ctx context.Context, err error) {
	if err != nil {
		m.recordFailure(ctx, "enqueue")
		return
	}
	if m.enqueued != nil {
		m.enqueued.Add(ctx, 1, metric.WithAttributes(telemetry.QueueAttributes(telemetry.Environment(), m.kind, "accepted")...))
	}
}

func (m queueMetrics) recordDelivery(ctx context.Context, err error) {
	if err != nil {
		m.recordFailure(ctx, "deliver")
		return
	}
	if m.delivered != nil {
		m.delivered.Add(ctx, 1, metric.WithAttributes(telemetry.QueueAttributes(telemetry.Environment(), m.kind, "delivered")...))
	}
}

func (m queueMetrics) recordFailure(ctx context.Context, stage string) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(telemetry.QueueAttributes(telemetry.Environment(), m.kind, stage+"_failed")...))
	}
}
