// Package dispatch implements the asynchronous dispatch channel: queues that
// accept resolved updates out of band and relays that deliver them to hubs.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/infra/hub"
)

// Queue kinds.
const (
	KindNone   = "none"
	KindMemory = "memory"
	KindOutbox = "outbox"
	KindNATS   = "nats"
	KindKafka  = "kafka"
)

// Envelope carries one resolved update through a queue.
type Envelope struct {
	ID         string        `json:"id"`
	Hub        string        `json:"hub,omitempty"`
	Resource   string        `json:"resource,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Update     schema.Update `json:"update"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// NewEnvelope wraps update with a fresh identifier.
func NewEnvelope(hubName, resource, outcome string, update schema.Update) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Hub:        strings.TrimSpace(hubName),
		Resource:   resource,
		Outcome:    outcome,
		Update:     update,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (e Envelope) withDefaults() Envelope {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	return e
}

// Queue accepts envelopes for out-of-band delivery. Enqueue must not wait
// for hub delivery.
type Queue interface {
	Kind() string
	Enqueue(ctx context.Context, env Envelope) error
	Close() error
}

// Deliverer hands envelopes to hubs.
type Deliverer interface {
	Deliver(ctx context.Context, env Envelope) error
}

// HubDeliverer delivers envelopes through a hub registry.
type HubDeliverer struct {
	hubs *hub.Registry
}

// NewHubDeliverer wraps registry.
func NewHubDeliverer(registry *hub.Registry) *HubDeliverer {
	return &HubDeliverer{hubs: registry}
}

// Deliver publishes the envelope's update on its hub, or the default hub.
func (d *HubDeliverer) Deliver(ctx context.Context, env Envelope) error {
	if d == nil || d.hubs == nil {
		return errs.New("dispatch/deliver", errs.CodeConfiguration, errs.WithMessage("hub registry required"))
	}
	if err := d.hubs.Publish(ctx, env.Hub, env.Update); err != nil {
		return fmt.Errorf("deliver envelope %s: %w", env.ID, err)
	}
	return nil
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, env Envelope) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, env Envelope) error { return f(ctx, env) }

func encodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.New("dispatch/codec", errs.CodeSerialization,
			errs.WithMessage("encode envelope"),
			errs.WithCause(err))
	}
	return data, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errs.New("dispatch/codec", errs.CodeSerialization,
			errs.WithMessage("decode envelope"),
			errs.WithCause(err))
	}
	return env, nil
}
