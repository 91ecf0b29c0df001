package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/coachpo/herald/internal/app/policy"
	"github.com/coachpo/herald/internal/app/serializer"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/domain/subscriptionstore"
	"github.com/coachpo/herald/internal/infra/cache/memory"
	"github.com/coachpo/herald/internal/infra/dispatch"
	"github.com/coachpo/herald/internal/testutil/fixtures"
)

type pushRecorder struct {
	mu    sync.Mutex
	sent  []dispatch.Envelope
	async []bool
	err   error
}

func (r *pushRecorder) Send(_ context.Context, async bool, env dispatch.Envelope) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "sync", r.err
	}
	r.sent = append(r.sent, env)
	r.async = append(r.async, async)
	return "sync", nil
}

func (r *pushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTracker(t *testing.T, opts ...Option) (*Tracker, *memory.Store, *pushRecorder) {
	t.Helper()
	return newTrackerWithPolicy(t, schema.Enabled(), opts...)
}

func newTrackerWithPolicy(t *testing.T, bookPolicy schema.RawPolicy, opts ...Option) (*Tracker, *memory.Store, *pushRecorder) {
	t.Helper()
	reg := fixtures.Registry(bookPolicy)
	store := memory.NewStore()
	t.Cleanup(store.Close)
	sender := new(pushRecorder)
	tracker, err := NewTracker(store, reg, policy.NewResolver(nil, reg), NewSerializerProjector(serializer.New(reg)),
		NewIRIGenerator(fixtures.BaseURL, fixtures.BaseURL+"/.well-known/mercure"), sender, opts...)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker, store, sender
}

func privateISBN() schema.RawPolicy {
	return schema.WithOptions(map[string]any{schema.OptionPrivateFields: []any{"isbn"}})
}

func TestGenerateIDIgnoresOrderAndRequestFields(t *testing.T) {
	a := requestedFields(map[string]any{"title": true, "author": map[string]any{"name": true, "id": true}})
	b := requestedFields(map[string]any{
		"author":                  []any{"id", "name"},
		"title":                   true,
		FieldClientSubscriptionID: true,
		FieldMercureURL:           true,
	})
	if GenerateID(a) != GenerateID(b) {
		t.Fatalf("expected equal ids for %q and %q", a.Key(), b.Key())
	}
	if len(GenerateID(a)) != 64 {
		t.Fatalf("expected hex sha256, got %s", GenerateID(a))
	}
	if GenerateID(a) == GenerateID(requestedFields(map[string]any{"title": true})) {
		t.Fatalf("expected different selections to yield different ids")
	}
}

func TestIRIGenerator(t *testing.T) {
	g := NewIRIGenerator("https://example.com/", "https://hub.example.com/.well-known/mercure")
	if got := g.TopicIRI("abc"); got != "https://example.com/subscriptions/abc" {
		t.Fatalf("unexpected topic %s", got)
	}
	want := "https://hub.example.com/.well-known/mercure?topic=https%3A%2F%2Fexample.com%2Fsubscriptions%2Fabc"
	if got := g.MercureURL("abc"); got != want {
		t.Fatalf("unexpected mercure url\n got: %s\nwant: %s", got, want)
	}
	if got := g.MercureURLFor("abc", "https://hub/?jwt=x"); got != "https://hub/?jwt=x&topic=https%3A%2F%2Fexample.com%2Fsubscriptions%2Fabc" {
		t.Fatalf("unexpected mercure url with query %s", got)
	}
}

func TestRegisterOrFindReusesEqualSelections(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()

	id1, ok, err := tracker.RegisterOrFind(ctx, "/books/1", map[string]any{"title": true, "id": true}, map[string]any{"id": 1, "title": "Dune"})
	if err != nil || !ok {
		t.Fatalf("register: ok=%v err=%v", ok, err)
	}
	id2, _, err := tracker.RegisterOrFind(ctx, "/books/1", map[string]any{"id": true, "title": true}, nil)
	if err != nil || id2 != id1 {
		t.Fatalf("expected reuse of %s, got %s err=%v", id1, id2, err)
	}
	id3, _, err := tracker.RegisterOrFind(ctx, "/books/1", map[string]any{"title": true}, nil)
	if err != nil || id3 == id1 {
		t.Fatalf("expected a new id for another selection, got %s err=%v", id3, err)
	}

	entry, hit, err := store.Get(ctx, subscriptionstore.CacheKey("/books/1"))
	if err != nil || !hit {
		t.Fatalf("get: hit=%v err=%v", hit, err)
	}
	if entry.Key != "_books_1" || len(entry.Records) != 2 {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if id, ok, err := tracker.RegisterOrFind(ctx, "  ", map[string]any{"title": true}, nil); id != "" || ok || err != nil {
		t.Fatalf("expected registration without topic to be skipped, got id=%q ok=%v err=%v", id, ok, err)
	}
}

func TestRegisterStripsRequestAndPrivateFields(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()

	_, _, err := tracker.RegisterOrFind(ctx, "/books/1",
		map[string]any{"title": true, "isbn": true, FieldClientSubscriptionID: true},
		map[string]any{"title": "Dune", "isbn": "123", FieldClientSubscriptionID: "client-1"},
		"isbn")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	entry, _, _ := store.Get(ctx, subscriptionstore.CacheKey("/books/1"))
	rec := entry.Records[0]
	if rec.Fields.Key() != "isbn,title" {
		t.Fatalf("unexpected stored fields %s", rec.Fields.Key())
	}
	if _, ok := rec.Snapshot[FieldClientSubscriptionID]; ok {
		t.Fatalf("expected client subscription id to be stripped, got %v", rec.Snapshot)
	}
	if _, ok := rec.Snapshot["isbn"]; ok {
		t.Fatalf("expected private field to be stripped, got %v", rec.Snapshot)
	}
}

func TestDrainPushesOnlyChangedProjections(t *testing.T) {
	tracker, _, sender := newTracker(t)
	ctx := context.Background()
	book := fixtures.NewBook(1, "Dune")

	sub, ok, err := tracker.Subscribe(ctx, book, map[string]any{"id": true, "title": true, "author": map[string]any{"name": true}})
	if err != nil || !ok {
		t.Fatalf("subscribe: ok=%v err=%v", ok, err)
	}
	if sub.Topic != "https://example.com/subscriptions/"+sub.ID {
		t.Fatalf("unexpected subscription topic %s", sub.Topic)
	}

	tracker.Forward(book, schema.DefaultOptions())
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("expected no push for an unchanged projection, got %d", sender.count())
	}

	book.Title = "Children of Dune"
	book.ISBN = "changed but not selected"
	tracker.Forward(book, schema.DefaultOptions())
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected one push, got %d", sender.count())
	}
	env := sender.sent[0]
	if env.Update.Topics[0] != sub.Topic || env.Resource != ResourceSubscription {
		t.Fatalf("unexpected push envelope %+v", env)
	}
	if want := `{"author":{"name":"Frank Herbert"},"id":1,"title":"Children of Dune"}`; env.Update.Data != want {
		t.Fatalf("unexpected push payload\n got: %s\nwant: %s", env.Update.Data, want)
	}

	tracker.Forward(book, schema.DefaultOptions())
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected refreshed snapshot to suppress a repeat push, got %d", sender.count())
	}
}

func TestRefreshDisabledDiffsAgainstRegistration(t *testing.T) {
	tracker, _, sender := newTracker(t, WithRefreshSnapshot(false))
	ctx := context.Background()
	book := fixtures.NewBook(1, "Dune")
	if _, _, err := tracker.Subscribe(ctx, book, map[string]any{"title": true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	book.Title = "Dune Messiah"
	for i := 0; i < 2; i++ {
		tracker.Forward(book, schema.DefaultOptions())
		if err := tracker.DrainAndPush(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
	if sender.count() != 2 {
		t.Fatalf("expected every drain to push against the registration snapshot, got %d", sender.count())
	}
}

func TestSubscribeSkipsDisabledResources(t *testing.T) {
	tracker, store, _ := newTrackerWithPolicy(t, schema.Disabled())
	ctx := context.Background()

	sub, ok, err := tracker.Subscribe(ctx, fixtures.NewBook(1, "Dune"), map[string]any{"title": true})
	if err != nil || ok || sub.ID != "" {
		t.Fatalf("expected disabled resource to be untrackable, got sub=%+v ok=%v err=%v", sub, ok, err)
	}
	if _, hit, err := store.Get(ctx, subscriptionstore.CacheKey("/books/1")); err != nil || hit {
		t.Fatalf("expected no cache entry, hit=%v err=%v", hit, err)
	}

	type unregistered struct{ ID int }
	if _, ok, err := tracker.Subscribe(ctx, &unregistered{ID: 1}, map[string]any{"id": true}); err != nil || ok {
		t.Fatalf("expected unregistered type to be untrackable, ok=%v err=%v", ok, err)
	}
}

func TestSubscribeTakesPrivateFieldsFromPolicy(t *testing.T) {
	tracker, store, _ := newTrackerWithPolicy(t, privateISBN())
	ctx := context.Background()

	if _, ok, err := tracker.Subscribe(ctx, fixtures.NewBook(1, "Dune"), map[string]any{"title": true, "isbn": true}); err != nil || !ok {
		t.Fatalf("subscribe: ok=%v err=%v", ok, err)
	}
	entry, _, _ := store.Get(ctx, subscriptionstore.CacheKey("/books/1"))
	if len(entry.Records) != 1 {
		t.Fatalf("expected one record, got %+v", entry)
	}
	snapshot := entry.Records[0].Snapshot
	if _, ok := snapshot["isbn"]; ok {
		t.Fatalf("expected policy private field to be stripped, got %v", snapshot)
	}
	if snapshot["title"] != "Dune" {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
}

func TestPrivateFieldsNeverDiffedOrPushed(t *testing.T) {
	tracker, _, sender := newTrackerWithPolicy(t, privateISBN())
	ctx := context.Background()
	book := fixtures.NewBook(1, "Dune")
	if _, _, err := tracker.Subscribe(ctx, book, map[string]any{"title": true, "isbn": true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	reg := fixtures.Registry(privateISBN())
	meta, _ := reg.Metadata(book)
	opts, _, err := policy.NewResolver(nil, reg).Policy(ctx, meta, book)
	if err != nil {
		t.Fatalf("resolve policy: %v", err)
	}

	book.ISBN = "000"
	tracker.Forward(book, opts)
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("expected private field change to be ignored, got %d pushes", sender.count())
	}

	book.Title = "Heretics of Dune"
	tracker.Forward(book, opts)
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 1 || sender.sent[0].Update.Data != `{"title":"Heretics of Dune"}` {
		t.Fatalf("unexpected pushes %+v", sender.sent)
	}
}

func TestSnapshotPrivateFieldsIgnoredOnDiff(t *testing.T) {
	tracker, _, sender := newTracker(t)
	ctx := context.Background()
	book := fixtures.NewBook(1, "Dune")
	// Registered before isbn became private, so the snapshot still holds it.
	if _, _, err := tracker.RegisterOrFind(ctx, "/books/1",
		map[string]any{"title": true, "isbn": true},
		map[string]any{"title": "Dune", "isbn": book.ISBN}); err != nil {
		t.Fatalf("register: %v", err)
	}
	opts := schema.DefaultOptions()
	opts.PrivateFields = []string{"isbn"}
	tracker.Forward(book, opts)
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("expected no push for an unchanged public view, got %+v", sender.sent)
	}
}

func TestPushCarriesPolicyOptions(t *testing.T) {
	tracker, _, sender := newTracker(t)
	ctx := context.Background()
	book := fixtures.NewBook(1, "Dune")
	if _, _, err := tracker.Subscribe(ctx, book, map[string]any{"title": true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	opts := schema.DefaultOptions()
	opts.Async = false
	opts.Hub = "managed"
	opts.Private = true
	opts.Retry = 3

	book.Title = "changed"
	tracker.Forward(book, opts)
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	env := sender.sent[0]
	if sender.async[0] || env.Hub != "managed" || !env.Update.Private || env.Update.Retry != 3 {
		t.Fatalf("expected policy options on push, got async=%v %+v", sender.async[0], env)
	}
}

func TestPushFailureKeepsSnapshot(t *testing.T) {
	tracker, _, sender := newTracker(t)
	ctx := context.Background()
	book := fixtures.NewBook(1, "Dune")
	if _, _, err := tracker.Subscribe(ctx, book, map[string]any{"title": true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	book.Title = "changed"
	sender.err = errors.New("hub unreachable")
	tracker.Forward(book, schema.DefaultOptions())
	if err := tracker.DrainAndPush(ctx); !errors.Is(err, sender.err) {
		t.Fatalf("expected push failure, got %v", err)
	}

	sender.err = nil
	tracker.Forward(book, schema.DefaultOptions())
	if err := tracker.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected the failed push to be retried on the next change, got %d", sender.count())
	}
}

func TestUnsubscribe(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()
	id1, _, _ := tracker.RegisterOrFind(ctx, "/books/1", map[string]any{"title": true}, nil)
	id2, _, _ := tracker.RegisterOrFind(ctx, "/books/1", map[string]any{"isbn": true}, nil)

	if removed, err := tracker.Unsubscribe(ctx, "/books/1", id1); err != nil || !removed {
		t.Fatalf("unsubscribe: removed=%v err=%v", removed, err)
	}
	if removed, err := tracker.Unsubscribe(ctx, "/books/1", id1); err != nil || removed {
		t.Fatalf("expected second unsubscribe to be a no-op, removed=%v err=%v", removed, err)
	}
	if _, err := tracker.Unsubscribe(ctx, "/books/1", id2); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, hit, _ := store.Get(ctx, subscriptionstore.CacheKey("/books/1")); hit {
		t.Fatalf("expected empty entry to be deleted")
	}
}

func TestConcurrentRegistrationsConverge(t *testing.T) {
	tracker, store, _ := newTracker(t, WithCASAttempts(100))
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := tracker.RegisterOrFind(ctx, "/books/1", map[string]any{fmt.Sprintf("field%d", i): true}, nil)
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	entry, _, _ := store.Get(ctx, subscriptionstore.CacheKey("/books/1"))
	if len(entry.Records) != workers {
		t.Fatalf("expected %d records, got %d", workers, len(entry.Records))
	}
}

func TestRunDrainsForwardedObjects(t *testing.T) {
	tracker, _, sender := newTracker(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	book := fixtures.NewBook(1, "Dune")
	if _, _, err := tracker.Subscribe(context.Background(), book, map[string]any{"title": true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	book.Title = "changed"
	tracker.Forward(book, schema.DefaultOptions())
	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected background push, got %d", sender.count())
	}
}

func TestBatchesPushOnlyTheirOwnObjects(t *testing.T) {
	tracker, _, sender := newTracker(t)
	ctx := context.Background()
	first := fixtures.NewBook(1, "Dune")
	second := fixtures.NewBook(2, "Emma")
	for _, book := range []*fixtures.Book{first, second} {
		if _, _, err := tracker.Subscribe(ctx, book, map[string]any{"title": true}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	a, b := tracker.NewBatch(), tracker.NewBatch()
	first.Title = "Dune Messiah"
	second.Title = "Persuasion"
	a.Forward(first, schema.DefaultOptions())
	b.Forward(second, schema.DefaultOptions())
	if tracker.Pending() != 0 || a.Pending() != 1 || b.Pending() != 1 {
		t.Fatalf("unexpected pending tracker=%d a=%d b=%d", tracker.Pending(), a.Pending(), b.Pending())
	}

	sender.err = errors.New("hub unreachable")
	if err := a.DrainAndPush(ctx); !errors.Is(err, sender.err) {
		t.Fatalf("expected batch to surface its push failure, got %v", err)
	}
	sender.err = nil
	if err := b.DrainAndPush(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 1 || sender.sent[0].Update.Data != `{"title":"Persuasion"}` {
		t.Fatalf("expected only the second batch to push, got %+v", sender.sent)
	}
	if err := tracker.DrainAndPush(ctx); err != nil || sender.count() != 1 {
		t.Fatalf("expected tracker queue to hold nothing, pushes=%d err=%v", sender.count(), err)
	}
}

func TestBatchDrainRacesRunWithoutDoublePush(t *testing.T) {
	tracker, _, sender := newTracker(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	book := fixtures.NewBook(1, "Dune")
	if _, _, err := tracker.Subscribe(context.Background(), book, map[string]any{"title": true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	book.Title = "changed"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Forward(book, schema.DefaultOptions())
		}()
	}
	batch := tracker.NewBatch()
	batch.Forward(book, schema.DefaultOptions())
	if err := batch.DrainAndPush(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	wg.Wait()
	cancel()
	<-done
	if err := tracker.DrainAndPush(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one push, got %d", sender.count())
	}
}

func TestNewTrackerRequiresCollaborators(t *testing.T) {
	if _, err := NewTracker(nil, nil, nil, nil, IRIGenerator{}, nil); err == nil {
		t.Fatalf("expected configuration error")
	}
}
