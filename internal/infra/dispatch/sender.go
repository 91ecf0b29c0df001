package dispatch

import (
	"context"
	"fmt"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/infra/telemetry"
)

// HubPublisher publishes an update on a named hub; *hub.Registry satisfies it.
type HubPublisher interface {
	Publish(ctx context.Context, hub string, update schema.Update) error
}

// Sender chooses between synchronous hub delivery and the async queue.
type Sender struct {
	hubs  HubPublisher
	queue Queue
}

// NewSender builds a sender. queue may be nil, in which case every update is
// delivered synchronously.
func NewSender(hubs HubPublisher, queue Queue) *Sender {
	return &Sender{hubs: hubs, queue: queue}
}

// Async reports whether an async queue is configured.
func (s *Sender) Async() bool { return s != nil && s.queue != nil }

// Send enqueues env when async is requested and a queue exists, otherwise it
// publishes on the envelope's hub. It returns the delivery mode used.
func (s *Sender) Send(ctx context.Context, async bool, env Envelope) (string, error) {
	if s == nil {
		return "", errs.New("dispatch/sender", errs.CodeConfiguration, errs.WithMessage("sender not configured"))
	}
	if async && s.queue != nil {
		if err := s.queue.Enqueue(ctx, env); err != nil {
			return telemetry.DeliveryAsync, err
		}
		return telemetry.DeliveryAsync, nil
	}
	if s.hubs == nil {
		return telemetry.DeliverySync, errs.New("dispatch/sender", errs.CodeConfiguration, errs.WithMessage("no hub configured"))
	}
	if err := s.hubs.Publish(ctx, env.Hub, env.Update); err != nil {
		return telemetry.DeliverySync, fmt.Errorf("publish to hub: %w", err)
	}
	return telemetry.DeliverySync, nil
}
