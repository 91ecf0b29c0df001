package hub

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/infra/telemetry"
)

type hubMetrics struct {
	publishDuration metric.Float64Histogram
	published       metric.Int64Counter
	failures        metric.Int64Counter
	connections     metric.Int64Counter
}

func newHubMetrics() hubMetrics {
	meter := otel.Meter("herald.hub")
	var m hubMetrics
	m.publishDuration, _ = meter.Float64Histogram("hub.publish.duration",
		metric.WithDescription("Latency of hub publish operations"),
		metric.WithUnit("ms"))
	m.published, _ = meter.Int64Counter("hub.updates.published",
		metric.WithDescription("Number of updates delivered to a hub"),
		metric.WithUnit("{update}"))
	m.failures, _ = meter.Int64Counter("hub.publish.errors",
		metric.WithDescription("Number of failed hub publish operations"),
		metric.WithUnit("{error}"))
	m.connections, _ = meter.Int64Counter("hub.connection.transitions",
		metric.WithDescription("Connection state transitions of streaming hubs"),
		metric.WithUnit("{transition}"))
	return m
}

// observe records the outcome of one publish call started at start.
func (m hubMetrics) observe(ctx context.Context, hub string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = string(errs.CodeTransport)
		var e *errs.E
		if errors.As(err, &e) {
			result = string(e.Code)
		}
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), hub, "hub.publish", result)...)
	if m.publishDuration != nil {
		m.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	if err != nil {
		if m.failures != nil {
			m.failures.Add(ctx, 1, attrs)
		}
		return
	}
	if m.published != nil {
		m.published.Add(ctx, 1, attrs)
	}
}

func (m hubMetrics) connection(hub, state string) {
	if m.connections == nil {
		return
	}
	m.connections.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), hub, state)...))
}
