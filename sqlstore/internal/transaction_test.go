package internal_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	_ "modernc.org/sqlite"

	"github.com/olivere/jobdispatch/sqlstore/internal"
)

const createEdgesTableSQL = `CREATE TABLE IF NOT EXISTS edges (source_id TEXT NOT NULL, target_id TEXT NOT NULL);`

var errBusy = errors.New("database is locked")

func connect(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Every connection of an in-memory database is a new database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createEdgesTableSQL); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = time.Second
	return b
}

func insertEdges(ctx context.Context, tx *sql.Tx) error {
	for _, target := range []string{"b", "c"} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO edges (source_id, target_id) VALUES (?, ?)`, "a", target); err != nil {
			return err
		}
	}
	return nil
}

func countEdges(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	return count
}

func isBusy(err error) bool {
	return errors.Is(err, errBusy)
}

var retryBusy = internal.Retrier{Retryable: isBusy, NewBackOff: newBackoff}

func TestInTx(t *testing.T) {
	tests := []struct {
		Name  string
		Fn    func(ctx context.Context, tx *sql.Tx) error
		Err   string
		Count int64
	}{
		{
			Name:  "OK",
			Fn:    insertEdges,
			Count: 2,
		},
		{
			Name: "ErrorInFn",
			Fn: func(ctx context.Context, tx *sql.Tx) error {
				if err := insertEdges(ctx, tx); err != nil {
					return err
				}
				return errors.New("kaboom")
			},
			Err:   "kaboom",
			Count: 0,
		},
		{
			Name: "PanicInFn",
			Fn: func(ctx context.Context, tx *sql.Tx) error {
				if err := insertEdges(ctx, tx); err != nil {
					return err
				}
				panic("kaboom")
			},
			Err:   "kaboom",
			Count: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			db := connect(t)
			err := internal.InTx(context.Background(), db, tt.Fn)
			if tt.Err == "" && err != nil {
				t.Fatal(err)
			}
			if tt.Err != "" {
				if err == nil {
					t.Fatal("expected an error")
				}
				if want, have := tt.Err, err.Error(); want != have {
					t.Fatalf("expected error %q, got %q", want, have)
				}
			}
			if want, have := tt.Count, countEdges(t, db); want != have {
				t.Fatalf("expected %d rows, got %d", want, have)
			}
		})
	}
}

func TestRetrierInTxOnBusy(t *testing.T) {
	db := connect(t)
	var attempts int
	err := retryBusy.InTx(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
		if err := insertEdges(ctx, tx); err != nil {
			return err
		}
		attempts++
		if attempts < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 3, attempts; want != have {
		t.Fatalf("expected %d attempts, got %d", want, have)
	}
	// Rolled back twice, committed once
	if want, have := int64(2), countEdges(t, db); want != have {
		t.Fatalf("expected %d rows, got %d", want, have)
	}
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	db := connect(t)
	var retries int
	errDoNotRetry := errors.New("no retry")
	r := internal.Retrier{
		Retryable:  func(err error) bool { return err != errDoNotRetry },
		NewBackOff: newBackoff,
	}
	err := r.InTx(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
		// After 3 tries, we'll pass errDoNotRetry, which should stop the loop
		retries++
		if retries == 3 {
			return errDoNotRetry
		}
		return errors.New("retry")
	})
	if err != errDoNotRetry {
		t.Fatalf("expected errDoNotRetry, got %v", err)
	}
	if want, have := 3, retries; want != have {
		t.Fatalf("expected %d retries, got %d", want, have)
	}
}

func TestRetrierStopsOnContext(t *testing.T) {
	db := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	err := retryBusy.InTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		attempts++
		cancel()
		return errBusy
	})
	if !errors.Is(err, errBusy) {
		t.Fatalf("expected errBusy, got %v", err)
	}
	if want, have := 1, attempts; want != have {
		t.Fatalf("expected %d attempts, got %d", want, have)
	}
}

func TestRetrierDo(t *testing.T) {
	db := connect(t)
	var attempts int
	err := retryBusy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errBusy
		}
		_, err := db.ExecContext(ctx, `INSERT INTO edges (source_id, target_id) VALUES ('x', 'y')`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if want, have := int64(1), countEdges(t, db); want != have {
		t.Fatalf("expected %d rows, got %d", want, have)
	}
}
