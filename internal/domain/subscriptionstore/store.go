// Package subscriptionstore defines the persistence contract for the subscription cache.
package subscriptionstore

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

// Record is one live subscription attached to a topic.
type Record struct {
	ID       string           `json:"id"`
	Fields   schema.Selection `json:"fields"`
	Snapshot map[string]any   `json:"snapshot"`
}

// Entry is the versioned list of records stored under one cache key.
type Entry struct {
	Key       string        `json:"key"`
	Records   []Record      `json:"records"`
	Version   uint64        `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
	TTL       time.Duration `json:"ttl"`
}

// Store persists subscription buckets.
//
// CompareAndSwap with prevVersion 0 creates the entry only when the key is
// absent. Implementations return a conflict error (see IsConflict) when the
// stored version does not match.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) (Entry, error)
	CompareAndSwap(ctx context.Context, prevVersion uint64, entry Entry) (Entry, error)
	Delete(ctx context.Context, key string) error
}

// CacheKey flattens a topic IRI into a cache key by replacing "/" with "_".
func CacheKey(topic string) string {
	return strings.ReplaceAll(topic, "/", "_")
}

// Clone returns a copy of the entry whose record list can be mutated safely.
func (e Entry) Clone() Entry {
	clone := e
	if e.Records != nil {
		clone.Records = make([]Record, len(e.Records))
		copy(clone.Records, e.Records)
	}
	return clone
}

// Find returns the index of the record whose fields equal sel, or -1.
func (e Entry) Find(sel schema.Selection) int {
	for i, rec := range e.Records {
		if rec.Fields.Equal(sel) {
			return i
		}
	}
	return -1
}

// Expired reports whether the entry outlived its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 || e.UpdatedAt.IsZero() {
		return false
	}
	return e.UpdatedAt.Add(e.TTL).Before(now)
}

// Conflict builds the version mismatch error returned by CompareAndSwap.
func Conflict(component, key string) error {
	return errs.New(component, errs.CodeConflict,
		errs.WithCanonicalCode(errs.CanonicalVersionConflict),
		errs.WithMessage("version mismatch"),
		errs.WithField("key", key))
}

// IsConflict reports whether err is a CompareAndSwap version conflict.
func IsConflict(err error) bool {
	return errs.Is(err, errs.CodeConflict)
}

// ValidateKey rejects empty keys.
func ValidateKey(component, key string) error {
	if strings.TrimSpace(key) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("cache key required"))
	}
	return nil
}
