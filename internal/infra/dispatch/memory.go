package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"os"

	"golang.org/x/time/rate"

	"github.com/coachpo/herald/lib/async"
)

// MemoryConfig configures the in-process queue.
type MemoryConfig struct {
	Workers   int
	QueueSize int
	// RatePerSecond caps hub deliveries; zero disables the limit.
	RatePerSecond float64
	Logger        *log.Logger
}

// MemoryQueue delivers envelopes from Workers single-worker lanes. An envelope
// is routed to a lane by its first topic, so updates to one topic are
// delivered in enqueue order while distinct topics proceed in parallel.
// Envelopes are lost if the process exits before they are delivered.
type MemoryQueue struct {
	lanes     []*async.Pool
	deliverer Deliverer
	limiter   *rate.Limiter
	logger    *log.Logger
	metrics   queueMetrics
}

// NewMemoryQueue starts the delivery lanes.
func NewMemoryQueue(deliverer Deliverer, cfg MemoryConfig) (*MemoryQueue, error) {
	if deliverer == nil {
		return nil, fmt.Errorf("memory queue: deliverer required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "dispatch/memory ", log.LstdFlags|log.Lmicroseconds)
	}
	q := &MemoryQueue{
		deliverer: deliverer,
		logger:    logger,
		metrics:   newQueueMetrics(KindMemory),
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	onError := async.WithErrorHandler(func(err error) {
		q.logger.Printf("delivery failed: %v", err)
	})
	for i := 0; i < cfg.Workers; i++ {
		lane, err := async.NewPool(1, cfg.QueueSize, onError)
		if err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("memory queue: %w", err)
		}
		q.lanes = append(q.lanes, lane)
	}
	return q, nil
}

// lane picks the pool owning the envelope's first topic.
func (q *MemoryQueue) lane(env Envelope) *async.Pool {
	if len(q.lanes) == 1 || len(env.Update.Topics) == 0 {
		return q.lanes[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(env.Update.Topics[0]))
	return q.lanes[h.Sum32()%uint32(len(q.lanes))]
}

// Kind reports KindMemory.
func (q *MemoryQueue) Kind() string { return KindMemory }

// Enqueue schedules delivery. Delivery runs detached from ctx so the caller's
// request lifetime does not cancel it.
func (q *MemoryQueue) Enqueue(ctx context.Context, env Envelope) error {
	env = env.withDefaults()
	err := q.lane(env).Submit(ctx, func(context.Context) error {
		deliverCtx := context.WithoutCancel(ctx)
		if q.limiter != nil {
			if err := q.limiter.Wait(deliverCtx); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
		}
		err := q.deliverer.Deliver(deliverCtx, env)
		q.metrics.recordDelivery(deliverCtx, err)
		return err
	})
	q.metrics.recordEnqueue(ctx, err)
	if err != nil {
		return fmt.Errorf("memory queue enqueue: %w", err)
	}
	return nil
}

// Close drains queued envelopes.
func (q *MemoryQueue) Close() error {
	return q.Shutdown(context.Background())
}

// Shutdown drains queued envelopes until ctx expires.
func (q *MemoryQueue) Shutdown(ctx context.Context) error {
	var failures []error
	for _, lane := range q.lanes {
		if err := lane.Shutdown(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
