package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/goleak"

	"github.com/coachpo/herald/internal/domain/outboxstore"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/infra/hub"
)

var quietLogger = log.New(io.Discard, "", 0)

type recordingDeliverer struct {
	mu        sync.Mutex
	envelopes []Envelope
	failures  int
	delivered chan struct{}
}

func newRecordingDeliverer(failures int) *recordingDeliverer {
	return &recordingDeliverer{failures: failures, delivered: make(chan struct{}, 64)}
}

func (d *recordingDeliverer) Deliver(_ context.Context, env Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return errors.New("hub unavailable")
	}
	d.envelopes = append(d.envelopes, env)
	d.delivered <- struct{}{}
	return nil
}

func (d *recordingDeliverer) all() []Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Envelope(nil), d.envelopes...)
}

func sampleEnvelope() Envelope {
	return NewEnvelope("default", "Book", "create", schema.Update{
		Topics: []string{"https://example.com/books/1"},
		Data:   `{"title":"Dune"}`,
	})
}

func TestEnvelopeCodecRoundTrip(t *testing.T) {
	env := sampleEnvelope()
	data, err := encodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != env.ID || got.Hub != "default" || got.Update.Data != env.Update.Data || got.Update.Topics[0] != env.Update.Topics[0] {
		t.Fatalf("unexpected decoded envelope %+v", got)
	}
	if _, err := decodeEnvelope([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestHubDelivererRoutesByHubName(t *testing.T) {
	defer goleak.VerifyNone(t)
	primary := hub.NewMemoryHub(hub.MemoryConfig{Name: "primary"})
	secondary := hub.NewMemoryHub(hub.MemoryConfig{Name: "secondary"})
	registry := hub.NewRegistry(primary, secondary)
	defer registry.Close()

	_, ch, err := secondary.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	env := sampleEnvelope()
	env.Hub = "secondary"
	if err := NewHubDeliverer(registry).Deliver(context.Background(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	select {
	case got := <-ch:
		if got.Data != env.Update.Data {
			t.Fatalf("unexpected update %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("update not delivered to secondary hub")
	}
	env.Hub = "missing"
	if err := NewHubDeliverer(registry).Deliver(context.Background(), env); err == nil {
		t.Fatalf("expected error for unknown hub")
	}
}

func TestMemoryQueueDeliversAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)
	deliverer := newRecordingDeliverer(0)
	queue, err := NewMemoryQueue(deliverer, MemoryConfig{Workers: 2, QueueSize: 8, RatePerSecond: 1000, Logger: quietLogger})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(ctx, sampleEnvelope()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// Delivery must survive the caller's context ending.
	cancel()
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(deliverer.all()); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	if queue.Kind() != KindMemory {
		t.Fatalf("unexpected kind %s", queue.Kind())
	}
}

func TestMemoryQueueKeepsPerTopicOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	deliverer := newRecordingDeliverer(0)
	queue, err := NewMemoryQueue(deliverer, MemoryConfig{Workers: 4, QueueSize: 64, Logger: quietLogger})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	topics := []string{"https://example.com/books/1", "https://example.com/books/2", "https://example.com/books/3"}
	const revisions = 15
	for i := 0; i < revisions; i++ {
		for _, topic := range topics {
			env := NewEnvelope("default", "Book", "update", schema.Update{
				Topics: []string{topic},
				Data:   fmt.Sprintf(`{"rev":%d}`, i),
			})
			if err := queue.Enqueue(context.Background(), env); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	seen := map[string]int{}
	for _, env := range deliverer.all() {
		topic := env.Update.Topics[0]
		want := fmt.Sprintf(`{"rev":%d}`, seen[topic])
		if env.Update.Data != want {
			t.Fatalf("topic %s delivered %s, want %s", topic, env.Update.Data, want)
		}
		seen[topic]++
	}
	for _, topic := range topics {
		if seen[topic] != revisions {
			t.Fatalf("topic %s delivered %d updates, want %d", topic, seen[topic], revisions)
		}
	}
}

type fakeOutboxStore struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*outboxstore.EventRecord
	byAgg     map[string]int64
	purged    int
	listCalls int
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{records: map[int64]*outboxstore.EventRecord{}, byAgg: map[string]int64{}}
}

func (s *fakeOutboxStore) Enqueue(_ context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byAgg[evt.AggregateID]; ok {
		return *s.records[id], nil
	}
	s.nextID++
	record := &outboxstore.EventRecord{
		ID:            s.nextID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Headers:       evt.Headers,
		AvailableAt:   evt.AvailableAt,
	}
	s.records[record.ID] = record
	s.byAgg[evt.AggregateID] = record.ID
	return *record, nil
}

func (s *fakeOutboxStore) ListPending(_ context.Context, limit int) ([]outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []outboxstore.EventRecord
	for _, record := range s.records {
		if !record.Delivered {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeOutboxStore) MarkDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Delivered = true
	return nil
}

func (s *fakeOutboxStore) MarkFailed(_ context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Attempts++
	s.records[id].LastError = lastError
	return nil
}

func (s *fakeOutboxStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeOutboxStore) PurgeDelivered(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, record := range s.records {
		if record.Delivered {
			delete(s.records, id)
			n++
		}
	}
	s.purged += int(n)
	return n, nil
}

func TestOutboxQueueAndRelay(t *testing.T) {
	store := newFakeOutboxStore()
	queue, err := NewOutboxQueue(store)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	env := sampleEnvelope()
	if err := queue.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected idempotent enqueue, got %d records", len(store.records))
	}
	stored := store.records[1]
	if stored.AggregateType != "Book" || stored.EventType != "create" || stored.Headers[headerHub] != "default" {
		t.Fatalf("unexpected outbox row %+v", stored)
	}

	deliverer := newRecordingDeliverer(1)
	relay, err := NewOutboxRelay(store, deliverer, WithRelayLogger(quietLogger), WithReplayBatchSize(10))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	if n := relay.ReplayOnce(context.Background()); n != 0 {
		t.Fatalf("expected first replay to fail delivery, delivered %d", n)
	}
	if store.records[1].Attempts != 1 || store.records[1].LastError == "" {
		t.Fatalf("expected failure to be recorded, got %+v", store.records[1])
	}
	if n := relay.ReplayOnce(context.Background()); n != 1 {
		t.Fatalf("expected retry to deliver, delivered %d", n)
	}
	got := deliverer.all()
	if len(got) != 1 || got[0].ID != env.ID {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if store.purged != 1 {
		t.Fatalf("expected delivered row to be purged, purged=%d", store.purged)
	}
}

func TestOutboxRelayMarksUndecodableRowsFailed(t *testing.T) {
	store := newFakeOutboxStore()
	_, _ = store.Enqueue(context.Background(), outboxstore.Event{AggregateID: "x", Payload: []byte("not json")})
	relay, err := NewOutboxRelay(store, newRecordingDeliverer(0), WithRelayLogger(quietLogger), WithRetention(0))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	relay.ReplayOnce(context.Background())
	if store.records[1].Attempts != 1 {
		t.Fatalf("expected decode failure to be recorded")
	}
}

func TestOutboxRelayStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newFakeOutboxStore()
	relay, err := NewOutboxRelay(store, newRecordingDeliverer(0), WithRelayLogger(quietLogger), WithReplayInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	relay.Start()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		calls := store.listCalls
		store.mu.Unlock()
		if calls >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	relay.Stop()
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listCalls < 2 {
		t.Fatalf("expected relay to poll repeatedly, got %d polls", store.listCalls)
	}
}

type fakeNATSConn struct {
	mu        sync.Mutex
	published []*nats.Msg
	handler   nats.MsgHandler
	flushed   bool
	closed    bool
}

func (c *fakeNATSConn) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeNATSConn) QueueSubscribe(_, _ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = cb
	return nil, nil
}

func (c *fakeNATSConn) Flush() error {
	c.flushed = true
	return nil
}

func (c *fakeNATSConn) Close() { c.closed = true }

func (c *fakeNATSConn) subscribed() nats.MsgHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func TestNATSQueueAndRelay(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := new(fakeNATSConn)
	queue, err := NewNATSQueue(conn, NATSConfig{Logger: quietLogger}, true)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	env := sampleEnvelope()
	if err := queue.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := conn.published[0]
	if msg.Subject != defaultNATSSubject || msg.Header.Get(natsMsgIDHeader) != env.ID {
		t.Fatalf("unexpected message subject=%s headers=%v", msg.Subject, msg.Header)
	}

	deliverer := newRecordingDeliverer(0)
	relay, err := NewNATSRelay(conn, deliverer, NATSConfig{Logger: quietLogger})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	for conn.subscribed() == nil {
		time.Sleep(time.Millisecond)
	}
	conn.subscribed()(msg)
	conn.subscribed()(&nats.Msg{Subject: defaultNATSSubject, Data: []byte("garbage")})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := deliverer.all(); len(got) != 1 || got[0].ID != env.ID {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if err := queue.Close(); err != nil || !conn.flushed || !conn.closed {
		t.Fatalf("expected owned connection to be flushed and closed")
	}
}

type fakeKafkaWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

type fakeKafkaReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeKafkaReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafkaQueueAndRelay(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := new(fakeKafkaWriter)
	queue, err := NewKafkaQueue(writer)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	env := sampleEnvelope()
	if err := queue.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	written := writer.messages[0]
	if string(written.Key) != env.ID {
		t.Fatalf("expected envelope id as key, got %q", written.Key)
	}
	written.Offset = 7

	reader := &fakeKafkaReader{pending: []kafka.Message{written}}
	deliverer := newRecordingDeliverer(1)
	relay, err := NewKafkaRelay(reader, deliverer, KafkaConfig{Logger: quietLogger, Attempts: 3})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	select {
	case <-deliverer.delivered:
	case <-time.After(5 * time.Second):
		t.Fatalf("envelope not delivered")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.committed) != 1 || reader.committed[0] != 7 || !reader.closed {
		t.Fatalf("expected offset 7 committed and reader closed, got %v closed=%v", reader.committed, reader.closed)
	}
	if err := queue.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestKafkaConstructorsRequireBrokers(t *testing.T) {
	if _, err := NewKafkaWriter(KafkaConfig{}); err == nil {
		t.Fatalf("expected writer error without brokers")
	}
	if _, err := NewKafkaReader(KafkaConfig{}); err == nil {
		t.Fatalf("expected reader error without brokers")
	}
}

type recordingHubs struct {
	published []schema.Update
	hubs      []string
	err       error
}

func (h *recordingHubs) Publish(_ context.Context, name string, update schema.Update) error {
	if h.err != nil {
		return h.err
	}
	h.hubs = append(h.hubs, name)
	h.published = append(h.published, update)
	return nil
}

type recordingQueue struct {
	envelopes []Envelope
}

func (q *recordingQueue) Kind() string { return "recording" }

func (q *recordingQueue) Enqueue(_ context.Context, env Envelope) error {
	q.envelopes = append(q.envelopes, env)
	return nil
}

func (q *recordingQueue) Close() error { return nil }

func TestSenderChoosesDeliveryPath(t *testing.T) {
	hubs := new(recordingHubs)
	queue := new(recordingQueue)
	env := sampleEnvelope()

	mode, err := NewSender(hubs, queue).Send(context.Background(), true, env)
	if err != nil || mode != "async" || len(queue.envelopes) != 1 || len(hubs.published) != 0 {
		t.Fatalf("expected async enqueue, mode=%s err=%v", mode, err)
	}
	mode, err = NewSender(hubs, queue).Send(context.Background(), false, env)
	if err != nil || mode != "sync" || len(hubs.published) != 1 || hubs.hubs[0] != "default" {
		t.Fatalf("expected sync publish, mode=%s err=%v", mode, err)
	}
	mode, err = NewSender(hubs, nil).Send(context.Background(), true, env)
	if err != nil || mode != "sync" || len(hubs.published) != 2 {
		t.Fatalf("expected sync fallback without queue, mode=%s err=%v", mode, err)
	}
	hubs.err = errors.New("unreachable")
	if _, err := NewSender(hubs, nil).Send(context.Background(), false, env); !errors.Is(err, hubs.err) {
		t.Fatalf("expected hub error to propagate, got %v", err)
	}
}
