// Package outboxstore defines the persistence contract for the durable update outbox.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event is an update waiting in the outbox for the relay to deliver it.
type Event struct {
	// AggregateType is the resource class that produced the update, or "subscription".
	AggregateType string
	// AggregateID is the dispatch envelope identifier.
	AggregateID string
	// EventType is the outcome that produced the update (create, update, delete, push).
	EventType string
	// Payload is the encoded dispatch envelope.
	Payload json.RawMessage
	// Headers carry routing hints such as the target hub.
	Headers     map[string]any
	AvailableAt time.Time
}

// EventRecord is the persisted state of an outbox entry.
type EventRecord struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Headers       map[string]any
	AvailableAt   time.Time
	PublishedAt   *time.Time
	Attempts      int
	LastError     string
	Delivered     bool
	CreatedAt     time.Time
}

// Store persists outbox entries. ListPending claims rows for the caller so
// concurrent relays do not deliver the same entry twice within one lease.
type Store interface {
	Enqueue(ctx context.Context, evt Event) (EventRecord, error)
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}
