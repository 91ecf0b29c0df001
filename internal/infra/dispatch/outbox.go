package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/herald/internal/domain/outboxstore"
)

const (
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 128
	defaultRetention       = 24 * time.Hour
	headerHub              = "hub"
	headerResource         = "resource"
)

// OutboxQueue persists envelopes in the outbox; an OutboxRelay delivers them.
type OutboxQueue struct {
	store   outboxstore.Store
	metrics queueMetrics
}

// NewOutboxQueue wraps store.
func NewOutboxQueue(store outboxstore.Store) (*OutboxQueue, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox queue: store required")
	}
	return &OutboxQueue{store: store, metrics: newQueueMetrics(KindOutbox)}, nil
}

// Kind reports KindOutbox.
func (q *OutboxQueue) Kind() string { return KindOutbox }

// Enqueue inserts the envelope. The envelope id is the aggregate id, so
// enqueueing the same envelope twice stores it once.
func (q *OutboxQueue) Enqueue(ctx context.Context, env Envelope) error {
	env = env.withDefaults()
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	aggregateType := env.Resource
	if aggregateType == "" {
		aggregateType = "update"
	}
	eventType := env.Outcome
	if eventType == "" {
		eventType = "publish"
	}
	headers := map[string]any{}
	if trimmed := strings.TrimSpace(env.Hub); trimmed != "" {
		headers[headerHub] = trimmed
	}
	if env.Resource != "" {
		headers[headerResource] = env.Resource
	}
	_, err = q.store.Enqueue(ctx, outboxstore.Event{
		AggregateType: aggregateType,
		AggregateID:   env.ID,
		EventType:     eventType,
		Payload:       payload,
		Headers:       headers,
		AvailableAt:   env.EnqueuedAt,
	})
	q.metrics.recordEnqueue(ctx, err)
	if err != nil {
		return fmt.Errorf("outbox queue enqueue: %w", err)
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (q *OutboxQueue) Close() error { return nil }

// RelayOption configures an OutboxRelay.
type RelayOption func(*OutboxRelay)

// WithRelayLogger overrides the relay logger.
func WithRelayLogger(logger *log.Logger) RelayOption {
	return func(r *OutboxRelay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReplayInterval tweaks the polling cadence.
func WithReplayInterval(interval time.Duration) RelayOption {
	return func(r *OutboxRelay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows claimed per tick.
func WithReplayBatchSize(size int) RelayOption {
	return func(r *OutboxRelay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRetention sets how long delivered rows are kept; zero disables purging.
func WithRetention(retention time.Duration) RelayOption {
	return func(r *OutboxRelay) {
		r.retention = retention
	}
}

// WithRelayRateLimit caps deliveries per second.
func WithRelayRateLimit(perSecond float64) RelayOption {
	return func(r *OutboxRelay) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
		}
	}
}

// OutboxRelay polls the outbox and delivers pending envelopes.
type OutboxRelay struct {
	store     outboxstore.Store
	deliverer Deliverer
	logger    *log.Logger
	interval  time.Duration
	batchSize int
	retention time.Duration
	limiter   *rate.Limiter
	metrics   queueMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutboxRelay constructs a relay; call Run or Start to begin polling.
func NewOutboxRelay(store outboxstore.Store, deliverer Deliverer, opts ...RelayOption) (*OutboxRelay, error) {
	if store == nil || deliverer == nil {
		return nil, fmt.Errorf("outbox relay: store and deliverer required")
	}
	relay := &OutboxRelay{
		store:     store,
		deliverer: deliverer,
		logger:    log.New(os.Stdout, "dispatch/outbox ", log.LstdFlags|log.Lmicroseconds),
		interval:  defaultReplayInterval,
		batchSize: defaultReplayBatchSize,
		retention: defaultRetention,
		metrics:   newQueueMetrics(KindOutbox),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}
	return relay, nil
}

// Start runs the relay in the background until Stop.
func (r *OutboxRelay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Run(ctx)
	}()
}

// Stop cancels a relay started with Start and waits for it.
func (r *OutboxRelay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.replay(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.replay(ctx)
		}
	}
}

// ReplayOnce delivers one batch and reports how many envelopes were delivered.
func (r *OutboxRelay) ReplayOnce(ctx context.Context) int {
	return r.replay(ctx)
}

func (r *OutboxRelay) replay(ctx context.Context) int {
	records, err := r.store.ListPending(ctx, r.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Printf("outbox replay list failed: %v", err)
		}
		return 0
	}
	delivered := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return delivered
		}
		if r.deliverRecord(ctx, record) {
			delivered++
		}
	}
	r.purge(ctx)
	return delivered
}

func (r *OutboxRelay) deliverRecord(ctx context.Context, record outboxstore.EventRecord) bool {
	env, err := decodeEnvelope(record.Payload)
	if err != nil {
		r.logger.Printf("outbox replay decode failed (id=%d): %v", record.ID, err)
		r.markFailed(ctx, record.ID, err)
		return false
	}
	if env.Hub == "" {
		if name, ok := record.Headers[headerHub].(string); ok {
			env.Hub = name
		}
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return false
		}
	}
	err = r.deliverer.Deliver(ctx, env)
	r.metrics.recordDelivery(ctx, err)
	if err != nil {
		r.logger.Printf("outbox replay publish failed (id=%d attempts=%d): %v", record.ID, record.Attempts+1, err)
		r.markFailed(ctx, record.ID, err)
		return false
	}
	if err := r.store.MarkDelivered(ctx, record.ID); err != nil {
		r.logger.Printf("outbox replay mark delivered failed (id=%d): %v", record.ID, err)
	}
	return true
}

func (r *OutboxRelay) markFailed(ctx context.Context, id int64, cause error) {
	if err := r.store.MarkFailed(ctx, id, cause.Error()); err != nil {
		r.logger.Printf("outbox mark failed error (id=%d): %v", id, err)
	}
}

func (r *OutboxRelay) purge(ctx context.Context) {
	if r.retention <= 0 {
		return
	}
	removed, err := r.store.PurgeDelivered(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Printf("outbox purge failed: %v", err)
		return
	}
	if removed > 0 {
		r.logger.Printf("outbox purged delivered rows: count=%d", removed)
	}
}
