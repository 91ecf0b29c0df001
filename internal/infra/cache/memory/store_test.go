package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/domain/subscriptionstore"
)

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := new(fakeClock)
	c.nanos.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func sampleEntry(key string) subscriptionstore.Entry {
	return subscriptionstore.Entry{
		Key: key,
		Records: []subscriptionstore.Record{{
			ID:       "abc",
			Fields:   schema.NormalizeSelection(map[string]any{"title": true}),
			Snapshot: map[string]any{"title": "Dune"},
		}},
	}
}

func TestStoreGetMiss(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := NewStore()
	defer store.Close()

	_, hit, err := store.Get(context.Background(), "missing")
	if err != nil || hit {
		t.Fatalf("expected clean miss, got hit=%v err=%v", hit, err)
	}
	if _, _, err := store.Get(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	created, err := store.CompareAndSwap(ctx, 0, sampleEntry("k"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if _, err := store.CompareAndSwap(ctx, 0, sampleEntry("k")); !subscriptionstore.IsConflict(err) {
		t.Fatalf("expected conflict on second create, got %v", err)
	}

	next := created.Clone()
	next.Records = append(next.Records, subscriptionstore.Record{ID: "def"})
	updated, err := store.CompareAndSwap(ctx, created.Version, next)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || len(updated.Records) != 2 {
		t.Fatalf("unexpected entry after update: %+v", updated)
	}
	if _, err := store.CompareAndSwap(ctx, created.Version, next); !subscriptionstore.IsConflict(err) {
		t.Fatalf("expected stale version to conflict, got %v", err)
	}
	if store.Conflicts() != 2 {
		t.Fatalf("expected two recorded conflicts, got %d", store.Conflicts())
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Put(ctx, sampleEntry("k")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _, _ := store.Get(ctx, "k")
	got.Records[0].ID = "mutated"
	again, _, _ := store.Get(ctx, "k")
	if again.Records[0].ID != "abc" {
		t.Fatalf("stored entry was mutated through a returned copy")
	}
}

func TestStoreExpiresEntries(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := newFakeClock()
	store := NewStore(WithTTL(time.Minute), withClock(clock.Now))
	defer store.Close()
	ctx := context.Background()

	stored, err := store.Put(ctx, sampleEntry("k"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if stored.TTL != time.Minute {
		t.Fatalf("expected default ttl to apply, got %s", stored.TTL)
	}
	clock.Advance(2 * time.Minute)

	if _, hit, _ := store.Get(ctx, "k"); hit {
		t.Fatalf("expected expired entry to miss")
	}
	if _, err := store.CompareAndSwap(ctx, stored.Version, sampleEntry("k")); !subscriptionstore.IsConflict(err) {
		t.Fatalf("expected CAS against expired version to conflict, got %v", err)
	}
	recreated, err := store.CompareAndSwap(ctx, 0, sampleEntry("k"))
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if recreated.Version <= stored.Version {
		t.Fatalf("expected version to keep increasing, got %d", recreated.Version)
	}

	clock.Advance(2 * time.Minute)
	store.pruneExpired()
	store.mu.RLock()
	remaining := len(store.entries)
	store.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected sweep to prune expired entry, %d remain", remaining)
	}
}

func TestStoreDelete(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Put(ctx, sampleEntry("k")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, hit, _ := store.Get(ctx, "k"); hit {
		t.Fatalf("expected deleted entry to miss")
	}
}
