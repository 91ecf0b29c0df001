package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/herald/internal/domain/subscriptionstore"
)

const subscriptionComponent = "cache/postgres"

// SubscriptionStore keeps subscription buckets in the subscription_cache table.
// Expired rows read as misses and are replaced by the next create.
type SubscriptionStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewSubscriptionStore constructs a store; ttl applies to entries stored without one.
func NewSubscriptionStore(pool *pgxpool.Pool, ttl time.Duration) *SubscriptionStore {
	return &SubscriptionStore{pool: pool, ttl: ttl}
}

const (
	subscriptionGetSQL = `
SELECT cache_key, version, records, updated_at, expires_at
FROM subscription_cache
WHERE cache_key = $1
  AND (expires_at IS NULL OR expires_at > NOW());
`

	subscriptionPutSQL = `
INSERT INTO subscription_cache (cache_key, version, records, updated_at, expires_at)
VALUES ($1, 1, $2::jsonb, NOW(), $3)
ON CONFLICT (cache_key) DO UPDATE
SET version = subscription_cache.version + 1,
    records = EXCLUDED.records,
    updated_at = NOW(),
    expires_at = EXCLUDED.expires_at
RETURNING cache_key, version, records, updated_at, expires_at;
`

	// Creating over an expired row keeps counting versions so readers of the
	// expired row still lose their CAS.
	subscriptionCreateSQL = `
INSERT INTO subscription_cache (cache_key, version, records, updated_at, expires_at)
VALUES ($1, 1, $2::jsonb, NOW(), $3)
ON CONFLICT (cache_key) DO UPDATE
SET version = subscription_cache.version + 1,
    records = EXCLUDED.records,
    updated_at = NOW(),
    expires_at = EXCLUDED.expires_at
WHERE subscription_cache.expires_at IS NOT NULL
  AND subscription_cache.expires_at <= NOW()
RETURNING cache_key, version, records, updated_at, expires_at;
`

	subscriptionSwapSQL = `
UPDATE subscription_cache
SET version = version + 1,
    records = $3::jsonb,
    updated_at = NOW(),
    expires_at = $4
WHERE cache_key = $1
  AND version = $2
  AND (expires_at IS NULL OR expires_at > NOW())
RETURNING cache_key, version, records, updated_at, expires_at;
`

	subscriptionDeleteSQL = `
DELETE FROM subscription_cache
WHERE cache_key = $1;
`

	subscriptionPruneSQL = `
DELETE FROM subscription_cache
WHERE expires_at IS NOT NULL
  AND expires_at <= NOW();
`
)

// Get loads the bucket stored under key.
func (s *SubscriptionStore) Get(ctx context.Context, key string) (subscriptionstore.Entry, bool, error) {
	if s.pool == nil {
		return subscriptionstore.Entry{}, false, fmt.Errorf("subscription store: nil pool")
	}
	if err := subscriptionstore.ValidateKey(subscriptionComponent, key); err != nil {
		return subscriptionstore.Entry{}, false, err
	}
	entry, err := scanSubscriptionEntry(s.pool.QueryRow(ctx, subscriptionGetSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return subscriptionstore.Entry{}, false, nil
	}
	if err != nil {
		return subscriptionstore.Entry{}, false, err
	}
	return entry, true, nil
}

// Put upserts the bucket unconditionally.
func (s *SubscriptionStore) Put(ctx context.Context, entry subscriptionstore.Entry) (subscriptionstore.Entry, error) {
	if s.pool == nil {
		return subscriptionstore.Entry{}, fmt.Errorf("subscription store: nil pool")
	}
	records, expiresAt, err := s.encode(entry)
	if err != nil {
		return subscriptionstore.Entry{}, err
	}
	return scanSubscriptionEntry(s.pool.QueryRow(ctx, subscriptionPutSQL, entry.Key, records, expiresAt))
}

// CompareAndSwap writes the bucket if its version equals prevVersion; 0 means create.
func (s *SubscriptionStore) CompareAndSwap(ctx context.Context, prevVersion uint64, entry subscriptionstore.Entry) (subscriptionstore.Entry, error) {
	if s.pool == nil {
		return subscriptionstore.Entry{}, fmt.Errorf("subscription store: nil pool")
	}
	records, expiresAt, err := s.encode(entry)
	if err != nil {
		return subscriptionstore.Entry{}, err
	}
	var row pgx.Row
	if prevVersion == 0 {
		row = s.pool.QueryRow(ctx, subscriptionCreateSQL, entry.Key, records, expiresAt)
	} else {
		row = s.pool.QueryRow(ctx, subscriptionSwapSQL, entry.Key, int64(prevVersion), records, expiresAt)
	}
	stored, err := scanSubscriptionEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return subscriptionstore.Entry{}, subscriptionstore.Conflict(subscriptionComponent, entry.Key)
	}
	if err != nil {
		return subscriptionstore.Entry{}, err
	}
	return stored, nil
}

// Delete removes the bucket stored under key.
func (s *SubscriptionStore) Delete(ctx context.Context, key string) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, subscriptionDeleteSQL, key); err != nil {
		return fmt.Errorf("subscription store: delete: %w", err)
	}
	return nil
}

// PruneExpired deletes every expired bucket and reports how many were removed.
func (s *SubscriptionStore) PruneExpired(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("subscription store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, subscriptionPruneSQL)
	if err != nil {
		return 0, fmt.Errorf("subscription store: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SubscriptionStore) encode(entry subscriptionstore.Entry) ([]byte, pgtype.Timestamptz, error) {
	var expiresAt pgtype.Timestamptz
	if err := subscriptionstore.ValidateKey(subscriptionComponent, entry.Key); err != nil {
		return nil, expiresAt, err
	}
	records := entry.Records
	if records == nil {
		records = []subscriptionstore.Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, expiresAt, fmt.Errorf("subscription store: encode records: %w", err)
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	if ttl > 0 {
		expiresAt = pgtype.Timestamptz{Time: time.Now().Add(ttl), InfinityModifier: pgtype.Finite, Valid: true}
	}
	return raw, expiresAt, nil
}

func scanSubscriptionEntry(row rowScanner) (subscriptionstore.Entry, error) {
	var (
		entry     subscriptionstore.Entry
		version   int64
		raw       []byte
		expiresAt pgtype.Timestamptz
	)
	if err := row.Scan(&entry.Key, &version, &raw, &entry.UpdatedAt, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return subscriptionstore.Entry{}, err
		}
		return subscriptionstore.Entry{}, fmt.Errorf("subscription store: scan entry: %w", err)
	}
	entry.Version = uint64(version)
	if expiresAt.Valid {
		entry.TTL = expiresAt.Time.Sub(entry.UpdatedAt)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry.Records); err != nil {
			return subscriptionstore.Entry{}, fmt.Errorf("subscription store: decode records: %w", err)
		}
	}
	return entry, nil
}

var _ subscriptionstore.Store = (*SubscriptionStore)(nil)
