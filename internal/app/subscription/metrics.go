package subscription

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/herald/internal/infra/telemetry"
)

type trackerMetrics struct {
	registrations metric.Int64Counter
	pushes        metric.Int64Counter
	skipped       metric.Int64Counter
	conflicts     metric.Int64Counter
}

func newTrackerMetrics() *trackerMetrics {
	meter := otel.Meter("herald.subscription")
	m := new(trackerMetrics)
	m.registrations, _ = meter.Int64Counter("subscription.registrations",
		metric.WithDescription("Number of subscription registrations, created or reused"),
		metric.WithUnit("{subscription}"))
	m.pushes, _ = meter.Int64Counter("subscription.pushes",
		metric.WithDescription("Number of projections pushed to subscriptions"),
		metric.WithUnit("{update}"))
	m.skipped, _ = meter.Int64Counter("subscription.dedup.skipped",
		metric.WithDescription("Number of pushes skipped because the projection did not change"),
		metric.WithUnit("{update}"))
	m.conflicts, _ = meter.Int64Counter("subscription.cache.conflicts",
		metric.WithDescription("Number of conflicting subscription cache writes"),
		metric.WithUnit("{conflict}"))
	return m
}

func (m *trackerMetrics) recordRegistration(ctx context.Context, result string) {
	if m.registrations == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "", "subscription.register", result)...))
}

func (m *trackerMetrics) recordPush(ctx context.Context, delivery string, err error) {
	if m.pushes == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := append(telemetry.OperationResultAttributes(telemetry.Environment(), "", "subscription.push", result),
		telemetry.AttrDelivery.String(delivery))
	m.pushes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *trackerMetrics) recordSkip(ctx context.Context) {
	if m.skipped == nil {
		return
	}
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		telemetry.SkipAttributes(telemetry.Environment(), ResourceSubscription, "unchanged")...))
}

func (m *trackerMetrics) recordConflict(ctx context.Context) {
	if m.conflicts == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "", "subscription.cache.write", "conflict")...))
}
