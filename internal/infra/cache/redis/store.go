// Package redis provides a Redis-backed subscription cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/subscriptionstore"
)

const (
	component     = "cache/redis"
	defaultPrefix = "herald:subscriptions:"
)

// Store implements subscriptionstore.Store on top of Redis strings. Writes use
// WATCH/MULTI so concurrent updates of one bucket are detected.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures the Redis store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL sets the key expiry applied to entries stored without a TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStore wraps an existing client.
func NewStore(client goredis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errs.New(component, errs.CodeConfiguration, errs.WithMessage("redis client required"))
	}
	store := &Store{client: client, prefix: defaultPrefix, ttl: 0}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("ping redis"),
			errs.WithField("addr", addr),
			errs.WithCause(err))
	}
	return NewStore(client, opts...)
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get loads the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (subscriptionstore.Entry, bool, error) {
	if err := subscriptionstore.ValidateKey(component, key); err != nil {
		return subscriptionstore.Entry{}, false, err
	}
	return s.load(ctx, s.client, key)
}

// Put stores the entry, bumping the version of whatever is currently stored.
func (s *Store) Put(ctx context.Context, entry subscriptionstore.Entry) (subscriptionstore.Entry, error) {
	if err := subscriptionstore.ValidateKey(component, entry.Key); err != nil {
		return subscriptionstore.Entry{}, err
	}
	var stored subscriptionstore.Entry
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, _, err := s.load(ctx, tx, entry.Key)
		if err != nil {
			return err
		}
		stored, err = s.write(ctx, tx, current.Version, entry)
		return err
	}, s.redisKey(entry.Key))
	if errors.Is(err, goredis.TxFailedErr) {
		return subscriptionstore.Entry{}, subscriptionstore.Conflict(component, entry.Key)
	}
	if err != nil {
		return subscriptionstore.Entry{}, err
	}
	return stored, nil
}

// CompareAndSwap writes entry only if the stored version equals prevVersion
// and no other client touched the key in between.
func (s *Store) CompareAndSwap(ctx context.Context, prevVersion uint64, entry subscriptionstore.Entry) (subscriptionstore.Entry, error) {
	if err := subscriptionstore.ValidateKey(component, entry.Key); err != nil {
		return subscriptionstore.Entry{}, err
	}
	var stored subscriptionstore.Entry
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, _, err := s.load(ctx, tx, entry.Key)
		if err != nil {
			return err
		}
		if current.Version != prevVersion {
			return subscriptionstore.Conflict(component, entry.Key)
		}
		stored, err = s.write(ctx, tx, prevVersion, entry)
		return err
	}, s.redisKey(entry.Key))
	if errors.Is(err, goredis.TxFailedErr) {
		return subscriptionstore.Entry{}, subscriptionstore.Conflict(component, entry.Key)
	}
	if err != nil {
		return subscriptionstore.Entry{}, err
	}
	return stored, nil
}

// Delete removes the key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return transportError("delete", key, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, cmd goredis.Cmdable, key string) (subscriptionstore.Entry, bool, error) {
	raw, err := cmd.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return subscriptionstore.Entry{}, false, nil
	}
	if err != nil {
		return subscriptionstore.Entry{}, false, transportError("get", key, err)
	}
	var entry subscriptionstore.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return subscriptionstore.Entry{}, false, errs.New(component, errs.CodeSerialization,
			errs.WithMessage("decode entry"),
			errs.WithField("key", key),
			errs.WithCause(err))
	}
	return entry, true, nil
}

func (s *Store) write(ctx context.Context, tx *goredis.Tx, prevVersion uint64, entry subscriptionstore.Entry) (subscriptionstore.Entry, error) {
	entry = entry.Clone()
	entry.Version = prevVersion + 1
	entry.UpdatedAt = time.Now().UTC()
	if entry.TTL <= 0 {
		entry.TTL = s.ttl
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return subscriptionstore.Entry{}, errs.New(component, errs.CodeSerialization,
			errs.WithMessage("encode entry"),
			errs.WithCause(err))
	}
	_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.redisKey(entry.Key), payload, entry.TTL)
		return nil
	})
	if err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return subscriptionstore.Entry{}, err
		}
		return subscriptionstore.Entry{}, transportError("set", entry.Key, err)
	}
	return entry, nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + key
}

func transportError(op, key string, err error) error {
	return errs.New(component, errs.CodeTransport,
		errs.WithMessage(fmt.Sprintf("redis %s", op)),
		errs.WithField("key", key),
		errs.WithCause(err))
}
