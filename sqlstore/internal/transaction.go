// Package internal runs statements of the SQL stores in transactions
// and repeats them when the database reports a transient failure, like
// a deadlock or a busy SQLite file.
package internal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Retrier repeats operations that fail with a retryable error.
// The zero value runs every operation exactly once.
type Retrier struct {
	// Retryable reports whether an error is transient. If nil, no error is.
	Retryable func(error) bool
	// NewBackOff returns the delays between attempts. If nil, the
	// exponential defaults of the backoff package are used.
	NewBackOff func() backoff.BackOff
}

// Do calls fn until it succeeds, fails with an error that is not
// retryable, the backoff gives up, or ctx is done. Panics in fn are
// returned as errors.
func (r Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	return r.retry(ctx, func() error {
		return call(ctx, fn)
	})
}

// InTx is like Do, but every attempt runs fn in a new transaction.
// fn must not commit or roll back tx, and it must not have side effects
// outside of tx, as it may be called more than once.
func (r Retrier) InTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	return r.retry(ctx, func() error {
		return InTx(ctx, db, fn)
	})
}

func (r Retrier) retry(ctx context.Context, op func() error) error {
	var b backoff.BackOff
	if r.NewBackOff != nil {
		b = r.NewBackOff()
	} else {
		b = backoff.NewExponentialBackOff()
	}
	b = backoff.WithContext(b, ctx)
	b.Reset()

	for {
		err := op()
		if err == nil || r.Retryable == nil || !r.Retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// InTx runs fn in a single transaction. The transaction is committed if
// fn returns nil and rolled back if fn fails or panics.
func InTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
		}
	}()
	return fn(ctx)
}
