package hub

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

const memoryComponent = "hub/memory"

// SubscriptionID identifies a MemoryHub subscription.
type SubscriptionID string

// MemoryConfig configures the in-process hub.
type MemoryConfig struct {
	Name          string
	URL           string
	BufferSize    int
	FanoutWorkers int
	Logger        *log.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = DefaultName
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "hub/memory ", log.LstdFlags|log.Lmicroseconds)
	}
	return c
}

// MemoryHub delivers updates to in-process subscribers. A subscriber attached
// to no topic receives every update.
type MemoryHub struct {
	cfg     MemoryConfig
	metrics hubMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	topics map[string]struct{}
	ch     chan schema.Update
	once   sync.Once

	sendMu sync.Mutex
	closed bool
}

// NewMemoryHub constructs an in-process hub.
func NewMemoryHub(cfg MemoryConfig) *MemoryHub {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryHub{
		cfg:         cfg,
		metrics:     newHubMetrics(),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}
}

// Name returns the hub name.
func (h *MemoryHub) Name() string { return h.cfg.Name }

// URL returns the configured subscriber endpoint.
func (h *MemoryHub) URL() string { return h.cfg.URL }

// Publish fans the update out to every subscriber attached to one of its topics.
func (h *MemoryHub) Publish(ctx context.Context, update schema.Update) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	defer func() { h.metrics.observe(ctx, h.cfg.Name, start, err) }()

	if len(update.Topics) == 0 {
		return errs.New(memoryComponent, errs.CodeInvalid, errs.WithMessage("update has no topic"))
	}
	if h.ctx.Err() != nil {
		return errs.New(memoryComponent, errs.CodeTransport, errs.WithMessage("hub closed"))
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if sub.matches(update.Topics) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(h.cfg.FanoutWorkers)
	for _, sub := range targets {
		p.Go(func() error {
			return h.deliver(ctx, sub, update.Clone())
		})
	}
	return p.Wait()
}

// Subscribe attaches to topics and returns the delivery channel. The channel
// closes on Unsubscribe, Close, or when ctx ends.
func (h *MemoryHub) Subscribe(ctx context.Context, topics ...string) (SubscriptionID, <-chan schema.Update, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.ctx.Err() != nil {
		return "", nil, errs.New(memoryComponent, errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan schema.Update, h.cfg.BufferSize),
	}
	for _, topic := range topics {
		if trimmed := strings.TrimSpace(topic); trimmed != "" {
			sub.topics[trimmed] = struct{}{}
		}
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&h.nextID, 1)))

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	go h.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (h *MemoryHub) Unsubscribe(id SubscriptionID) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close shuts the hub down and closes every subscription.
func (h *MemoryHub) Close() error {
	h.shutdownOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		for id, sub := range h.subscribers {
			sub.close()
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
	})
	return nil
}

func (h *MemoryHub) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-h.ctx.Done():
	}
	h.mu.Lock()
	if stored, ok := h.subscribers[id]; ok && stored == sub {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	sub.close()
}

// deliver drops the oldest buffered update when the subscriber falls behind.
func (h *MemoryHub) deliver(ctx context.Context, sub *subscriber, update schema.Update) error {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed {
		return nil
	}
	select {
	case <-h.ctx.Done():
		return errs.New(memoryComponent, errs.CodeTransport, errs.WithMessage("hub closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case sub.ch <- update:
		return nil
	default:
	}
	select {
	case <-sub.ch:
		h.cfg.Logger.Printf("subscriber buffer full; dropped oldest update topics=%s", strings.Join(update.Topics, ","))
	default:
	}
	select {
	case sub.ch <- update:
		return nil
	default:
		return errs.New(memoryComponent, errs.CodeTransport, errs.WithMessage("subscriber buffer full"))
	}
}

func (s *subscriber) matches(topics []string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, topic := range topics {
		if _, ok := s.topics[topic]; ok {
			return true
		}
	}
	return false
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
	})
}
