// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/herald/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives task errors and recovered panics.
type ErrorHandler func(error)

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler reports failed tasks to fn instead of dropping them.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	workers sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	onError ErrorHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
// A full queue is reported immediately rather than blocking the caller.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown waits for queued and in-flight tasks to complete or until the
// context expires, in which case queued tasks are skipped.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		p.workers.Wait()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	if p.ctx.Err() != nil {
		return
	}
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	defer func() {
		if r := recover(); r != nil {
			p.report(fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
