// Package memory provides an in-memory subscription cache.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/herald/internal/domain/subscriptionstore"
)

const component = "cache/memory"

// Store is an in-memory implementation of subscriptionstore.Store.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	ttl       time.Duration
	sweep     time.Duration
	now       func() time.Time
	shutdown  chan struct{}
	closeOnce sync.Once
	conflicts atomic.Uint64
}

type entry struct {
	mu    sync.Mutex
	value subscriptionstore.Entry
}

// Option configures the memory store.
type Option func(*Store)

// WithTTL sets the default TTL applied to entries stored without one.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSweepInterval overrides how often expired entries are pruned.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.sweep = interval
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a memory-backed store and starts the expiry sweeper.
func NewStore(opts ...Option) *Store {
	store := &Store{
		mu:        sync.RWMutex{},
		entries:   make(map[string]*entry),
		ttl:       0,
		sweep:     30 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		shutdown:  make(chan struct{}),
		closeOnce: sync.Once{},
		conflicts: atomic.Uint64{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	go store.sweepExpired()
	return store
}

// Get returns the entry stored under key. Expired entries are reported as misses.
func (s *Store) Get(ctx context.Context, key string) (subscriptionstore.Entry, bool, error) {
	if err := subscriptionstore.ValidateKey(component, key); err != nil {
		return subscriptionstore.Entry{}, false, err
	}
	if err := checkContext(ctx, "get"); err != nil {
		return subscriptionstore.Entry{}, false, err
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return subscriptionstore.Entry{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.value.Expired(s.now()) {
		return subscriptionstore.Entry{}, false, nil
	}
	return e.value.Clone(), true, nil
}

// Put stores entry unconditionally, bumping the version.
func (s *Store) Put(ctx context.Context, value subscriptionstore.Entry) (subscriptionstore.Entry, error) {
	if err := subscriptionstore.ValidateKey(component, value.Key); err != nil {
		return subscriptionstore.Entry{}, err
	}
	if err := checkContext(ctx, "put"); err != nil {
		return subscriptionstore.Entry{}, err
	}
	e := s.slot(value.Key)
	e.mu.Lock()
	defer e.mu.Unlock()
	value.Version = e.value.Version + 1
	e.value = s.stamp(value)
	return e.value.Clone(), nil
}

// CompareAndSwap replaces the entry if its version still equals prevVersion.
func (s *Store) CompareAndSwap(ctx context.Context, prevVersion uint64, value subscriptionstore.Entry) (subscriptionstore.Entry, error) {
	if err := subscriptionstore.ValidateKey(component, value.Key); err != nil {
		return subscriptionstore.Entry{}, err
	}
	if err := checkContext(ctx, "cas"); err != nil {
		return subscriptionstore.Entry{}, err
	}
	e := s.slot(value.Key)
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.value.Version
	if e.value.Expired(s.now()) {
		current = 0
	}
	if current != prevVersion {
		s.conflicts.Add(1)
		return subscriptionstore.Entry{}, subscriptionstore.Conflict(component, value.Key)
	}
	// Keep counting past expiry so readers of the expired entry still conflict.
	value.Version = e.value.Version + 1
	e.value = s.stamp(value)
	return e.value.Clone(), nil
}

// Delete removes the entry stored under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx, "delete"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Conflicts returns the number of rejected compare-and-swap attempts.
func (s *Store) Conflicts() uint64 {
	return s.conflicts.Load()
}

// Close stops background maintenance routines.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
	})
}

func (s *Store) slot(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = new(entry)
		s.entries[key] = e
	}
	return e
}

func (s *Store) stamp(value subscriptionstore.Entry) subscriptionstore.Entry {
	value.UpdatedAt = s.now()
	if value.TTL <= 0 {
		value.TTL = s.ttl
	}
	return value.Clone()
}

func (s *Store) sweepExpired() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pruneExpired()
		}
	}
}

func (s *Store) pruneExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.mu.Lock()
		expired := e.value.Expired(now)
		e.mu.Unlock()
		if expired {
			delete(s.entries, key)
		}
	}
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory cache %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
