// Package changes feeds mutated resources into the publisher, either from an
// in-process unit of work or from Postgres change notifications.
package changes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

// Collector buffers mutations until they are flushed. *publisher.Publisher
// satisfies it.
type Collector interface {
	Collect(ctx context.Context, obj any, outcome schema.Outcome) error
	Flush(ctx context.Context) error
	Reset()
}

// Pusher diffs forwarded resources against live subscriptions.
type Pusher interface {
	DrainAndPush(ctx context.Context) error
}

// UnitOfWork tracks the resources one transaction mutates. Each tracked
// object reaches the collector right away, so deleted objects are
// snapshotted while they still resolve. Updates go out on Commit.
//
// A UnitOfWork and its collector serve one transaction at a time.
type UnitOfWork struct {
	collector Collector
	pusher    Pusher

	mu      sync.Mutex
	changes schema.ChangeSet
	closed  bool
}

// UnitOption configures a UnitOfWork.
type UnitOption func(*UnitOfWork)

// WithPusher makes Commit push subscription diffs after the flush.
func WithPusher(pusher Pusher) UnitOption {
	return func(u *UnitOfWork) {
		u.pusher = pusher
	}
}

// NewUnitOfWork opens a unit of work on collector.
func NewUnitOfWork(collector Collector, opts ...UnitOption) *UnitOfWork {
	u := &UnitOfWork{collector: collector}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// Created tracks inserted objects.
func (u *UnitOfWork) Created(ctx context.Context, objs ...any) error {
	return u.track(ctx, schema.OutcomeCreated, objs)
}

// Updated tracks modified objects.
func (u *UnitOfWork) Updated(ctx context.Context, objs ...any) error {
	return u.track(ctx, schema.OutcomeUpdated, objs)
}

// Deleted tracks removed objects. Call it before the rows are deleted.
func (u *UnitOfWork) Deleted(ctx context.Context, objs ...any) error {
	return u.track(ctx, schema.OutcomeDeleted, objs)
}

func (u *UnitOfWork) track(ctx context.Context, outcome schema.Outcome, objs []any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errs.New("changes/unit", errs.CodeInvalid, errs.WithMessage("unit of work already finished"))
	}
	for _, obj := range objs {
		if err := u.collector.Collect(ctx, obj, outcome); err != nil {
			return err
		}
		u.changes.Add(obj, outcome)
	}
	return nil
}

// Changes returns what has been tracked so far.
func (u *UnitOfWork) Changes() schema.ChangeSet {
	u.mu.Lock()
	defer u.mu.Unlock()
	return schema.ChangeSet{
		Created: append([]any(nil), u.changes.Created...),
		Updated: append([]any(nil), u.changes.Updated...),
		Deleted: append([]any(nil), u.changes.Deleted...),
	}
}

// Commit publishes the tracked changes. Call it once the transaction has
// committed. Subscription pushes run after the flush when a pusher is set.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if !u.finish() {
		return nil
	}
	if err := u.collector.Flush(ctx); err != nil {
		return err
	}
	if u.pusher != nil {
		if err := u.pusher.DrainAndPush(ctx); err != nil {
			return fmt.Errorf("push subscriptions: %w", err)
		}
	}
	return nil
}

// Rollback discards the tracked changes without publishing anything.
func (u *UnitOfWork) Rollback() {
	if u.finish() {
		u.collector.Reset()
	}
}

func (u *UnitOfWork) finish() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return false
	}
	u.closed = true
	return true
}

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RunInTx runs fn inside a transaction. Changes fn tracks on the unit of work
// are published after the transaction commits and discarded if it does not.
func RunInTx(ctx context.Context, db TxBeginner, unit *UnitOfWork, fn func(ctx context.Context, tx pgx.Tx, unit *UnitOfWork) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		unit.Rollback()
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			unit.Rollback()
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()
	if err = fn(ctx, tx, unit); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return unit.Commit(ctx)
}
