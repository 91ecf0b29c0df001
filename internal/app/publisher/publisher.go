// Package publisher collects the resources a transaction mutated and, once the
// transaction is flushed, turns each of them into a hub update.
package publisher

import (
	"context"
	"fmt"
	"log"
	"os"
	"reflect"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/app/policy"
	"github.com/coachpo/herald/internal/app/serializer"
	"github.com/coachpo/herald/internal/domain/resource"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/infra/dispatch"
)

const component = "publisher"

// Resources is the part of the resource registry the publisher relies on.
type Resources interface {
	Metadata(obj any) (resource.Metadata, bool)
	MetadataFor(class string) (resource.Metadata, bool)
	Classes() []string
	IRI(obj any, kind resource.ReferenceKind) (string, error)
}

// Sender delivers an envelope either synchronously or through the async queue.
type Sender interface {
	Send(ctx context.Context, async bool, env dispatch.Envelope) (string, error)
}

// Tracker receives every created or updated object after its update went out.
type Tracker interface {
	Forward(obj any, opts schema.Options)
}

// ChangeSource hands over the objects a finished transaction touched.
type ChangeSource interface {
	Drain(ctx context.Context) (schema.ChangeSet, error)
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger overrides the publisher logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracker forwards published objects to a subscription tracker.
func WithTracker(tracker Tracker) Option {
	return func(p *Publisher) {
		p.tracker = tracker
	}
}

// WithFormat sets the serialization format used for payloads.
func WithFormat(format string) Option {
	return func(p *Publisher) {
		if format != "" {
			p.format = format
		}
	}
}

// WithIncludeType adds "@type" to deletion tombstones.
func WithIncludeType(include bool) Option {
	return func(p *Publisher) {
		p.includeType = include
	}
}

// Publisher accumulates mutated resources between Collect and Flush.
type Publisher struct {
	resources   Resources
	resolver    *policy.Resolver
	serializer  serializer.Serializer
	sender      Sender
	tracker     Tracker
	format      string
	includeType bool
	logger      *log.Logger
	metrics     *publisherMetrics

	mu      sync.Mutex
	created *bucket
	updated *bucket
	deleted *bucket
}

// New constructs a publisher.
func New(resources Resources, resolver *policy.Resolver, ser serializer.Serializer, sender Sender, opts ...Option) (*Publisher, error) {
	if resources == nil || resolver == nil || ser == nil || sender == nil {
		return nil, errs.New(component, errs.CodeConfiguration,
			errs.WithMessage("resources, resolver, serializer and sender are required"))
	}
	p := &Publisher{
		resources:   resources,
		resolver:    resolver,
		serializer:  ser,
		sender:      sender,
		tracker:     nil,
		format:      serializer.FormatJSONLD,
		includeType: false,
		logger:      log.New(os.Stdout, "publisher ", log.LstdFlags|log.Lmicroseconds),
		metrics:     newPublisherMetrics(),
		created:     newBucket(),
		updated:     newBucket(),
		deleted:     newBucket(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Validate checks the declared policy of every registered resource.
func (p *Publisher) Validate() error {
	for _, class := range p.resources.Classes() {
		meta, ok := p.resources.MetadataFor(class)
		if !ok {
			continue
		}
		if err := p.resolver.Validate(meta); err != nil {
			return err
		}
	}
	return nil
}

// Collect records obj under outcome. Objects that are not resources, or whose
// policy disables publishing, are skipped without error. Deleted objects are
// snapshotted immediately because they may not resolve after the commit.
func (p *Publisher) Collect(ctx context.Context, obj any, outcome schema.Outcome) error {
	if !outcome.Valid() {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown outcome %d", outcome)))
	}
	meta, ok := p.resources.Metadata(obj)
	if !ok {
		p.metrics.recordSkip(ctx, fmt.Sprintf("%T", obj), "not_resource")
		return nil
	}
	opts, publish, err := p.resolver.Policy(ctx, meta, obj)
	if err != nil {
		return err
	}
	if !publish {
		p.metrics.recordSkip(ctx, meta.Class, "disabled")
		return nil
	}

	item := pending{key: identityKey(obj), obj: obj, meta: meta, opts: opts}
	if outcome == schema.OutcomeDeleted {
		if item.opts.Topics, err = p.resolver.Topics(ctx, meta.Class, opts.Topics, obj); err != nil {
			return err
		}
		if item.snapshot, err = p.resolver.Snapshot(meta, obj); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch outcome {
	case schema.OutcomeCreated:
		p.created.put(item)
	case schema.OutcomeUpdated:
		p.updated.put(item)
	case schema.OutcomeDeleted:
		p.deleted.put(item)
	}
	return nil
}

// CollectSet records every object of set.
func (p *Publisher) CollectSet(ctx context.Context, set schema.ChangeSet) error {
	groups := []struct {
		outcome schema.Outcome
		objects []any
	}{
		{schema.OutcomeCreated, set.Created},
		{schema.OutcomeUpdated, set.Updated},
		{schema.OutcomeDeleted, set.Deleted},
	}
	for _, group := range groups {
		for _, obj := range group.objects {
			if err := p.Collect(ctx, obj, group.outcome); err != nil {
				return err
			}
		}
	}
	return nil
}

// PublishFrom drains source, collects the change set and flushes it.
func (p *Publisher) PublishFrom(ctx context.Context, source ChangeSource) error {
	set, err := source.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain change source: %w", err)
	}
	if err := p.CollectSet(ctx, set); err != nil {
		p.Reset()
		return err
	}
	return p.Flush(ctx)
}

// Pending returns the number of collected objects per outcome.
func (p *Publisher) Pending() (created, updated, deleted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created.items), len(p.updated.items), len(p.deleted.items)
}

// Reset drops everything collected so far.
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.created, p.updated, p.deleted = newBucket(), newBucket(), newBucket()
	p.mu.Unlock()
}

// Flush publishes created, then updated, then deleted objects. The collected
// sets are cleared before anything is published, so they are empty afterwards
// whether or not publishing failed. The first publish error aborts the flush.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	created, updated, deleted := p.created, p.updated, p.deleted
	p.created, p.updated, p.deleted = newBucket(), newBucket(), newBucket()
	p.mu.Unlock()

	total := len(created.items) + len(updated.items) + len(deleted.items)
	if total == 0 {
		return nil
	}
	start := time.Now()
	err := p.flush(ctx, created, updated, deleted)
	p.metrics.recordFlush(ctx, start, err)
	if err != nil {
		p.logger.Printf("flush aborted: %v", err)
	}
	return err
}

func (p *Publisher) flush(ctx context.Context, created, updated, deleted *bucket) error {
	for _, item := range created.items {
		if err := p.publishResource(ctx, item, schema.OutcomeCreated); err != nil {
			return err
		}
	}
	for _, item := range updated.items {
		if err := p.publishResource(ctx, item, schema.OutcomeUpdated); err != nil {
			return err
		}
	}
	for _, item := range deleted.items {
		if err := p.publishTombstone(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishResource(ctx context.Context, item pending, outcome schema.Outcome) error {
	opts := item.opts
	topics, err := p.resolver.Topics(ctx, item.meta.Class, opts.Topics, item.obj)
	if err != nil {
		return err
	}
	if topics == nil {
		iri, err := p.resources.IRI(item.obj, resource.AbsURL)
		if err != nil {
			return fmt.Errorf("resource %s: default topic: %w", item.meta.Class, err)
		}
		topics = []string{iri}
	}

	var data string
	if opts.Data != nil {
		data = *opts.Data
	} else {
		serializationContext := opts.NormalizationContext
		if serializationContext == nil {
			serializationContext = item.meta.NormalizationContext
		}
		if serializationContext == nil {
			serializationContext = map[string]any{}
		}
		if data, err = p.serializer.Serialize(ctx, item.obj, p.format, serializationContext); err != nil {
			return fmt.Errorf("resource %s: %w", item.meta.Class, err)
		}
	}

	if err := p.send(ctx, item.meta.Class, outcome, buildUpdate(topics, data, opts), opts); err != nil {
		return err
	}
	if p.tracker != nil {
		p.tracker.Forward(item.obj, opts.Clone())
	}
	return nil
}

func (p *Publisher) publishTombstone(ctx context.Context, item pending) error {
	tombstone := map[string]any{"@id": item.snapshot.ID}
	if p.includeType {
		tombstone["@type"] = item.snapshot.Type()
	}
	data, err := json.Marshal(tombstone)
	if err != nil {
		return errs.New(component, errs.CodeSerialization,
			errs.WithResource(item.meta.Class),
			errs.WithMessage("encode tombstone"),
			errs.WithCause(err))
	}
	topics := item.opts.Topics
	if topics == nil {
		topics = []string{item.snapshot.IRI}
	}
	return p.send(ctx, item.meta.Class, schema.OutcomeDeleted, buildUpdate(topics, string(data), item.opts), item.opts)
}

func (p *Publisher) send(ctx context.Context, class string, outcome schema.Outcome, update schema.Update, opts schema.Options) error {
	env := dispatch.NewEnvelope(opts.Hub, class, outcome.String(), update)
	delivery, err := p.sender.Send(ctx, opts.Async, env)
	if err != nil {
		p.metrics.recordFailure(ctx, class, outcome)
		return fmt.Errorf("resource %s: %s update: %w", class, outcome, err)
	}
	p.metrics.recordPublished(ctx, class, outcome, delivery)
	return nil
}

func buildUpdate(topics []string, data string, opts schema.Options) schema.Update {
	return schema.Update{
		Topics:  append([]string(nil), topics...),
		Data:    data,
		Private: opts.Private,
		ID:      opts.ID,
		Type:    opts.Type,
		Retry:   opts.Retry,
	}
}

type pending struct {
	key      any
	obj      any
	meta     resource.Metadata
	opts     schema.Options
	snapshot schema.DeletionSnapshot
}

// bucket keeps objects in first-collection order. Collecting the same object
// again keeps its position and replaces its options.
type bucket struct {
	index map[any]int
	items []pending
}

func newBucket() *bucket {
	return &bucket{index: make(map[any]int), items: nil}
}

func (b *bucket) put(item pending) {
	if i, ok := b.index[item.key]; ok {
		b.items[i].opts = item.opts
		b.items[i].snapshot = item.snapshot
		return
	}
	b.index[item.key] = len(b.items)
	b.items = append(b.items, item)
}

type pointerKey struct {
	typ  reflect.Type
	addr uintptr
}

type uniqueKey struct{ _ byte }

// identityKey makes pointers equal when they point at the same object and
// comparable values equal when they are equal. Anything else never dedupes.
func identityKey(obj any) any {
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return pointerKey{typ: v.Type(), addr: v.Pointer()}
	}
	if v.IsValid() && v.Comparable() {
		return obj
	}
	return &uniqueKey{}
}
