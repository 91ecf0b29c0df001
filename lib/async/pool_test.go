package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/coachpo/herald/errs"
)

func TestPoolRunsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool, err := NewPool(2, 8)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 5 {
		t.Fatalf("expected 5 tasks to run, got %d", ran.Load())
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	var submitErr error
	for attempt := 0; attempt < 100; attempt++ {
		submitErr = pool.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
		if submitErr == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if submitErr != nil {
		t.Fatalf("first submit: %v", submitErr)
	}
	<-started
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	close(release)
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	defer goleak.VerifyNone(t)
	var (
		mu       sync.Mutex
		reported []error
	)
	pool, err := NewPool(1, 4, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	boom := errors.New("boom")
	_ = pool.Submit(context.Background(), func(context.Context) error { return boom })
	_ = pool.Submit(context.Background(), func(context.Context) error { panic("kaput") })
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 || !errors.Is(reported[0], boom) {
		t.Fatalf("expected task error and panic to be reported, got %v", reported)
	}
}

func TestPoolClosedRejectsSubmit(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Close()
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected closed pool error, got %v", err)
	}
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := NewPool(0, 1); err == nil {
		t.Fatalf("expected error for zero workers")
	}
}
