// Package subscription tracks field-level subscriptions to individual
// resources and pushes a projection of a resource to each subscription whose
// view of it changed.
package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/resource"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/domain/subscriptionstore"
	"github.com/coachpo/herald/internal/infra/dispatch"
)

const (
	component = "subscription/tracker"

	// ResourceSubscription labels envelopes carrying subscription pushes.
	ResourceSubscription = "subscription"
	outcomePush          = "push"

	defaultCASAttempts = 5
	defaultTTL         = time.Hour
)

// Sender delivers an envelope either synchronously or through the async queue.
type Sender interface {
	Send(ctx context.Context, async bool, env dispatch.Envelope) (string, error)
}

// Resources identifies tracked objects and exposes their class metadata.
type Resources interface {
	resource.IdentityResolver
	resource.PolicyStore
}

// Policies resolves the publication policy of an object. ok is false when
// the policy disables publication.
type Policies interface {
	Policy(ctx context.Context, meta resource.Metadata, obj any) (schema.Options, bool, error)
}

// Subscription is what a client needs to follow a registered subscription.
type Subscription struct {
	ID         string
	Topic      string
	MercureURL string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the tracker logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRefreshSnapshot controls whether a push replaces the stored snapshot.
// When disabled every later change is diffed against the registration result.
func WithRefreshSnapshot(refresh bool) Option {
	return func(t *Tracker) {
		t.refresh = refresh
	}
}

// WithCASAttempts bounds the retries of a conflicting cache write.
func WithCASAttempts(attempts uint) Option {
	return func(t *Tracker) {
		if attempts > 0 {
			t.casAttempts = attempts
		}
	}
}

// WithTTL sets the lifetime of newly created cache entries.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithBackOff overrides the backoff used between conflicting cache writes.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(t *Tracker) {
		if factory != nil {
			t.newBackOff = factory
		}
	}
}

type forwarded struct {
	obj  any
	opts schema.Options
}

// Tracker registers subscriptions and diffs resources against them.
type Tracker struct {
	store     subscriptionstore.Store
	resources Resources
	policies  Policies
	projector Projector
	iris      IRIGenerator
	sender    Sender

	refresh     bool
	casAttempts uint
	ttl         time.Duration
	newBackOff  func() backoff.BackOff
	logger      *log.Logger
	metrics     *trackerMetrics

	mu      sync.Mutex
	pending []forwarded
	signal  chan struct{}

	// drainMu serializes push passes so two drainers never diff the same
	// entry against a stale snapshot.
	drainMu sync.Mutex
}

// NewTracker constructs a tracker.
func NewTracker(store subscriptionstore.Store, resources Resources, policies Policies, projector Projector, iris IRIGenerator, sender Sender, opts ...Option) (*Tracker, error) {
	if store == nil || resources == nil || policies == nil || projector == nil || sender == nil {
		return nil, errs.New(component, errs.CodeConfiguration,
			errs.WithMessage("store, resources, policies, projector and sender are required"))
	}
	t := &Tracker{
		store:       store,
		resources:   resources,
		policies:    policies,
		projector:   projector,
		iris:        iris,
		sender:      sender,
		refresh:     true,
		casAttempts: defaultCASAttempts,
		ttl:         defaultTTL,
		newBackOff:  defaultBackOff,
		logger:      log.New(os.Stdout, "subscription ", log.LstdFlags|log.Lmicroseconds),
		metrics:     newTrackerMetrics(),
		signal:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

// RegisterOrFind attaches a subscription for fields to topic and returns its
// id. A subscription with the same normalized fields is reused. result is the
// payload the client already received; it is stored without the request-only
// and private fields. ok is false when topic is empty.
func (t *Tracker) RegisterOrFind(ctx context.Context, topic string, fields map[string]any, result map[string]any, privateFields ...string) (string, bool, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", false, nil
	}
	sel := requestedFields(fields)
	id := GenerateID(sel)
	snapshot := sanitize(result, privateFields)
	key := subscriptionstore.CacheKey(topic)

	created := false
	err := t.mutate(ctx, key, func(entry *subscriptionstore.Entry) bool {
		if entry.Find(sel) >= 0 {
			created = false
			return false
		}
		entry.Records = append(entry.Records, subscriptionstore.Record{ID: id, Fields: sel, Snapshot: snapshot})
		created = true
		return true
	})
	if err != nil {
		return "", false, err
	}
	if created {
		t.metrics.recordRegistration(ctx, "created")
	} else {
		t.metrics.recordRegistration(ctx, "reused")
	}
	return id, true, nil
}

// Subscribe registers a subscription for fields of obj, using the object's
// projection as the initial snapshot. Private fields come from the resource
// policy. ok is false when obj is not a registered resource, has no
// identifier, or its policy disables publication.
func (t *Tracker) Subscribe(ctx context.Context, obj any, fields map[string]any) (Subscription, bool, error) {
	class, known := t.resources.ResourceClass(obj)
	if !known {
		return Subscription{}, false, nil
	}
	meta, known := t.resources.MetadataFor(class)
	if !known {
		return Subscription{}, false, nil
	}
	opts, publish, err := t.policies.Policy(ctx, meta, obj)
	if err != nil {
		return Subscription{}, false, err
	}
	if !publish {
		return Subscription{}, false, nil
	}
	topic, err := t.resources.IRI(obj, resource.AbsPath)
	if err != nil {
		return Subscription{}, false, nil
	}
	result, err := t.projector.Project(ctx, obj, requestedFields(fields))
	if err != nil {
		return Subscription{}, false, err
	}
	id, ok, err := t.RegisterOrFind(ctx, topic, fields, result, opts.PrivateFields...)
	if err != nil || !ok {
		return Subscription{}, ok, err
	}
	return Subscription{ID: id, Topic: t.iris.TopicIRI(id), MercureURL: t.iris.MercureURL(id)}, true, nil
}

// Unsubscribe removes subscription id from topic. It reports whether the
// subscription existed.
func (t *Tracker) Unsubscribe(ctx context.Context, topic, id string) (bool, error) {
	key := subscriptionstore.CacheKey(strings.TrimSpace(topic))
	removed := false
	empty := false
	err := t.mutate(ctx, key, func(entry *subscriptionstore.Entry) bool {
		records := entry.Records[:0]
		removed = false
		for _, rec := range entry.Records {
			if rec.ID == id {
				removed = true
				continue
			}
			records = append(records, rec)
		}
		entry.Records = records
		empty = len(records) == 0
		return removed
	})
	if err != nil || !removed {
		return removed, err
	}
	if empty {
		if err := t.store.Delete(ctx, key); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Forward queues obj for the background Run loop. It never blocks on I/O.
// Writes that must surface push errors to their caller forward to a Batch.
func (t *Tracker) Forward(obj any, opts schema.Options) {
	t.mu.Lock()
	t.pending = append(t.pending, forwarded{obj: obj, opts: opts})
	t.mu.Unlock()
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of forwarded objects waiting to be diffed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run drains the ingestion queue whenever objects are forwarded, until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.signal:
			if err := t.DrainAndPush(ctx); err != nil {
				t.logger.Printf("push subscriptions: %v", err)
			}
		}
	}
}

// DrainAndPush diffs every object forwarded to the tracker against the
// subscriptions of its topic and pushes the projection to each subscription
// whose view changed. Failures of one object do not stop the others; they
// are returned joined.
func (t *Tracker) DrainAndPush(ctx context.Context) error {
	t.mu.Lock()
	items := t.pending
	t.pending = nil
	t.mu.Unlock()
	return t.pushAll(ctx, items)
}

// NewBatch returns an ingestion queue private to one unit of work. Objects
// forwarded to it are pushed only by its own DrainAndPush, never by Run.
func (t *Tracker) NewBatch() *Batch {
	return &Batch{tracker: t}
}

func (t *Tracker) pushAll(ctx context.Context, items []forwarded) error {
	if len(items) == 0 {
		return nil
	}
	t.drainMu.Lock()
	defer t.drainMu.Unlock()
	var failures []error
	for _, item := range items {
		if err := t.push(ctx, item); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Batch collects the objects forwarded during one unit of work.
type Batch struct {
	tracker *Tracker
	mu      sync.Mutex
	pending []forwarded
}

// Forward queues obj for the batch's DrainAndPush.
func (b *Batch) Forward(obj any, opts schema.Options) {
	b.mu.Lock()
	b.pending = append(b.pending, forwarded{obj: obj, opts: opts})
	b.mu.Unlock()
}

// Pending returns the number of objects waiting in the batch.
func (b *Batch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// DrainAndPush pushes the batch's objects. See Tracker.DrainAndPush.
func (b *Batch) DrainAndPush(ctx context.Context) error {
	b.mu.Lock()
	items := b.pending
	b.pending = nil
	b.mu.Unlock()
	return b.tracker.pushAll(ctx, items)
}

func (t *Tracker) push(ctx context.Context, item forwarded) error {
	topic, err := t.resources.IRI(item.obj, resource.AbsPath)
	if err != nil {
		// Objects without an identifier cannot have subscriptions.
		return nil
	}
	key := subscriptionstore.CacheKey(topic)
	entry, hit, err := t.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load subscriptions of %s: %w", topic, err)
	}
	if !hit || len(entry.Records) == 0 {
		return nil
	}

	changed := make(map[string]map[string]any)
	var failures []error
	for _, rec := range entry.Records {
		projection, err := t.projector.Project(ctx, item.obj, rec.Fields)
		if err != nil {
			failures = append(failures, fmt.Errorf("project subscription %s: %w", rec.ID, err))
			continue
		}
		payload := sanitize(projection, item.opts.PrivateFields)
		previous := rec.Snapshot
		if previous != nil {
			previous = sanitize(previous, item.opts.PrivateFields)
		}
		data, same, err := diff(payload, previous)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if same {
			t.metrics.recordSkip(ctx)
			continue
		}
		update := schema.Update{
			Topics:  []string{t.iris.TopicIRI(rec.ID)},
			Data:    string(data),
			Private: item.opts.Private,
			ID:      item.opts.ID,
			Type:    item.opts.Type,
			Retry:   item.opts.Retry,
		}
		env := dispatch.NewEnvelope(item.opts.Hub, ResourceSubscription, outcomePush, update)
		delivery, err := t.sender.Send(ctx, item.opts.Async, env)
		if err != nil {
			t.metrics.recordPush(ctx, delivery, err)
			failures = append(failures, fmt.Errorf("push subscription %s: %w", rec.ID, err))
			continue
		}
		t.metrics.recordPush(ctx, delivery, nil)
		changed[rec.ID] = payload
	}

	if t.refresh && len(changed) > 0 {
		err := t.mutate(ctx, key, func(entry *subscriptionstore.Entry) bool {
			dirty := false
			for i := range entry.Records {
				if snapshot, ok := changed[entry.Records[i].ID]; ok {
					entry.Records[i].Snapshot = snapshot
					dirty = true
				}
			}
			return dirty
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("refresh snapshots of %s: %w", topic, err))
		}
	}
	return errors.Join(failures...)
}

// mutate applies fn to the current entry under key and writes it back with
// CompareAndSwap, retrying on version conflicts. fn returns false when the
// entry needs no write.
func (t *Tracker) mutate(ctx context.Context, key string, fn func(entry *subscriptionstore.Entry) bool) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		current, hit, err := t.store.Get(ctx, key)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		entry := current.Clone()
		if !hit {
			entry = subscriptionstore.Entry{Key: key, TTL: t.ttl}
		}
		if !fn(&entry) {
			return struct{}{}, nil
		}
		if _, err := t.store.CompareAndSwap(ctx, current.Version, entry); err != nil {
			if subscriptionstore.IsConflict(err) {
				t.metrics.recordConflict(ctx)
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(t.newBackOff()), backoff.WithMaxTries(t.casAttempts))
	return err
}

// sanitize copies payload without the client subscription id and private fields.
func sanitize(payload map[string]any, privateFields []string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	delete(out, FieldClientSubscriptionID)
	for _, field := range privateFields {
		delete(out, field)
	}
	return out
}

// diff encodes payload and compares it with the stored snapshot. Map keys are
// encoded in sorted order, so equal documents encode identically.
func diff(payload, snapshot map[string]any) ([]byte, bool, error) {
	current, err := json.Marshal(payload)
	if err != nil {
		return nil, false, errs.New(component, errs.CodeSerialization,
			errs.WithMessage("encode projection"),
			errs.WithCause(err))
	}
	if snapshot == nil {
		return current, false, nil
	}
	previous, err := json.Marshal(snapshot)
	if err != nil {
		return nil, false, errs.New(component, errs.CodeSerialization,
			errs.WithMessage("encode snapshot"),
			errs.WithCause(err))
	}
	return current, bytes.Equal(current, previous), nil
}
