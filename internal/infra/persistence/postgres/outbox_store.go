package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/herald/internal/domain/outboxstore"
)

// OutboxStore persists updates waiting for asynchronous delivery.
type OutboxStore struct {
	pool          *pgxpool.Pool
	lease         time.Duration
	retryInterval time.Duration
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithClaimLease sets how long a listed row stays hidden from other relays.
func WithClaimLease(lease time.Duration) OutboxOption {
	return func(s *OutboxStore) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// WithRetryInterval sets the delay before a failed row becomes pending again.
func WithRetryInterval(interval time.Duration) OutboxOption {
	return func(s *OutboxStore) {
		if interval > 0 {
			s.retryInterval = interval
		}
	}
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{
		pool:          pool,
		lease:         defaultClaimLease,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

const (
	defaultOutboxLimit   = 128
	maxOutboxLimit       = 1024
	defaultClaimLease    = 30 * time.Second
	defaultRetryInterval = 30 * time.Second
)

const outboxColumns = `
    id,
    aggregate_type,
    aggregate_id,
    event_type,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at`

const (
	outboxInsertSQL = `
INSERT INTO events_outbox (
    aggregate_type,
    aggregate_id,
    event_type,
    payload,
    headers,
    available_at
)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
ON CONFLICT (aggregate_id) DO UPDATE SET aggregate_id = EXCLUDED.aggregate_id
RETURNING` + outboxColumns + `;`

	outboxMarkDeliveredSQL = `
UPDATE events_outbox
SET delivered = TRUE,
    published_at = NOW(),
    attempts = attempts + 1,
    last_error = NULL
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	outboxDeleteSQL = `
DELETE FROM events_outbox
WHERE id = $1;
`

	outboxPurgeDeliveredSQL = `
DELETE FROM events_outbox
WHERE delivered = TRUE
  AND published_at < $1;
`
)

// Rows are claimed by pushing available_at into the future, so a relay
// that dies mid-batch releases its rows once the lease runs out.
var outboxClaimPendingSQL = `
WITH claimed AS (
    SELECT id
    FROM events_outbox
    WHERE delivered = FALSE
      AND available_at <= NOW()
    ORDER BY available_at ASC, id ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE events_outbox AS o
SET available_at = NOW() + make_interval(secs => $2)
FROM claimed
WHERE o.id = claimed.id
RETURNING` + strings.ReplaceAll(outboxColumns, "\n    ", "\n    o.") + `;`

// Enqueue inserts an update into the outbox. Enqueueing the same aggregate id
// twice returns the existing row.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	if s.pool == nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: nil pool")
	}
	aggregateType := strings.TrimSpace(evt.AggregateType)
	if aggregateType == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: aggregate type required")
	}
	aggregateID := strings.TrimSpace(evt.AggregateID)
	if aggregateID == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: aggregate id required")
	}
	eventType := strings.TrimSpace(evt.EventType)
	if eventType == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: event type required")
	}
	payload := []byte(evt.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	headers, err := encodeJSON(evt.Headers)
	if err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: encode headers: %w", err)
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL, aggregateType, aggregateID, eventType, payload, headers, availableAt)
	return scanOutboxRecord(row)
}

// ListPending claims up to limit deliverable rows, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := s.pool.Query(ctx, outboxClaimPendingSQL, limit, s.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox store: claim pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EventRecord
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// MarkDelivered flags a stored update as published.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.exec(ctx, "mark delivered", outboxMarkDeliveredSQL, id)
}

// MarkFailed records a failed delivery attempt and schedules a retry.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	nextAttempt := time.Now().Add(s.retryInterval)
	return s.exec(ctx, "mark failed", outboxMarkFailedSQL, id, strings.TrimSpace(lastError), nextAttempt)
}

// Delete removes an outbox entry by identifier.
func (s *OutboxStore) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, "delete", outboxDeleteSQL, id)
}

// PurgeDelivered removes delivered rows published before olderThan.
func (s *OutboxStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxPurgeDeliveredSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("outbox store: purge delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OutboxStore) exec(ctx context.Context, op, sql string, args ...any) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("outbox store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: %s: no rows affected", op)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (outboxstore.EventRecord, error) {
	var (
		record      outboxstore.EventRecord
		payloadJSON []byte
		headerJSON  []byte
		publishedAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.AggregateType,
		&record.AggregateID,
		&record.EventType,
		&payloadJSON,
		&headerJSON,
		&record.AvailableAt,
		&publishedAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		record.PublishedAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	headers, err := decodeJSON(headerJSON)
	if err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: decode headers: %w", err)
	}
	record.Payload = json.RawMessage(payloadJSON)
	record.Headers = headers
	return record, nil
}

func encodeJSON(value map[string]any) ([]byte, error) {
	if len(value) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func decodeJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	return out, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
