// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlstore implements jobdispatch.Store and item.Store on top of
// database/sql. The sqlite, mysql, and postgres packages supply the
// driver and the Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/sqlstore/internal"
)

const jobsTable = "jobs"

var jobColumns = []string{
	"job_id",
	"job_type",
	"payload_json",
	"priority",
	"status",
	"progress",
	"result_json",
	"attempts",
	"created_at",
	"updated_at",
	"completed_at",
}

// Store is a persistent job and item store.
// It implements the jobdispatch.Store and item.Store interfaces.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	sb         sq.StatementBuilderType
	now        func() time.Time
	newBackoff func() backoff.BackOff
	onClose    []func()
}

// Option is an options provider for Store.
type Option func(*Store)

// SetBackoff specifies the backoff used when retrying statements that
// failed with a retryable error.
func SetBackoff(fn func() backoff.BackOff) Option {
	return func(s *Store) {
		if fn != nil {
			s.newBackoff = fn
		}
	}
}

// SetClock specifies the clock used for timestamps.
func SetClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// OnClose registers fn to run after the database is closed, e.g. to
// release a connection pool the database was opened from.
func OnClose(fn func()) Option {
	return func(s *Store) {
		s.onClose = append(s.onClose, fn)
	}
}

// New creates a store on db. Call Migrate to create the schema.
func New(db *sql.DB, dialect Dialect, options ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
		now:     time.Now,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 15 * time.Second
			return b
		},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the dialect of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	err := s.db.Close()
	for _, fn := range s.onClose {
		fn()
	}
	return err
}

// Migrate creates tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Ping checks the connection to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is implemented by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func execContext(ctx context.Context, q queryer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, query, args...)
}

func queryContext(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, query, args...)
}

func queryRowContext(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return q.QueryRowContext(ctx, query, args...), nil
}

func (s *Store) retrier() internal.Retrier {
	return internal.Retrier{Retryable: s.dialect.Retryable, NewBackOff: s.newBackoff}
}

func (s *Store) runWithRetry(ctx context.Context, fn func(context.Context) error) error {
	return s.retrier().Do(ctx, fn)
}

func (s *Store) runInTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return s.retrier().InTx(ctx, s.db, fn)
}

// -- jobdispatch.Store --

// Start is called when the manager starts up. Jobs in progress are left
// alone: the broker redelivers them and workers resume them.
func (s *Store) Start(ctx context.Context) error {
	return s.Ping(ctx)
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *jobdispatch.Job) error {
	payload, err := marshalMap(job.Payload)
	if err != nil {
		return err
	}
	result, err := marshalMap(job.Result)
	if err != nil {
		return err
	}
	ins := s.sb.Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID,
			job.Type,
			payload,
			job.Priority,
			job.State,
			job.Progress,
			result,
			job.Attempts,
			job.Created,
			job.Updated,
			job.Completed,
		)
	err = s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := execContext(ctx, s.db, ins)
		return err
	})
	if err != nil && s.dialect.IsDup != nil && s.dialect.IsDup(err) {
		return jobdispatch.ErrDuplicateJob
	}
	return err
}

// Begin moves a pending job to in_progress or resumes an in_progress job.
func (s *Store) Begin(ctx context.Context, id string) (*jobdispatch.Job, error) {
	var job *jobdispatch.Job
	err := s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		j, err := s.lookup(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if jobdispatch.IsTerminal(j.State) {
			job = j
			return nil
		}
		if j.State == jobdispatch.Pending {
			j.State = jobdispatch.InProgress
			j.Progress = 0
		}
		j.Attempts++
		j.Updated = s.now().UnixNano()
		upd := s.sb.Update(jobsTable).
			Set("status", j.State).
			Set("progress", j.Progress).
			Set("attempts", j.Attempts).
			Set("updated_at", j.Updated).
			Where(sq.Eq{"job_id": id})
		if _, err := execContext(ctx, tx, upd); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Progress raises the progress of an in_progress job. The update only
// applies if it raises the stored value.
func (s *Store) Progress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	upd := s.sb.Update(jobsTable).
		Set("progress", progress).
		Set("updated_at", s.now().UnixNano()).
		Where(sq.Eq{"job_id": id, "status": jobdispatch.InProgress}).
		Where(sq.Lt{"progress": progress})
	var n int64
	err := s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := execContext(ctx, s.db, upd)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	j, err := s.lookup(ctx, s.db, id, false)
	if err != nil {
		return err
	}
	if j.State != jobdispatch.InProgress {
		return fmt.Errorf("%w: progress update in state %s", jobdispatch.ErrInvalidTransition, j.State)
	}
	return nil
}

// Finish writes the terminal state of a job. It is a no-op if the job
// already is in a terminal state.
func (s *Store) Finish(ctx context.Context, id, state string, result map[string]interface{}) (*jobdispatch.Job, error) {
	if !jobdispatch.IsTerminal(state) {
		return nil, fmt.Errorf("%w: %s is not a terminal state", jobdispatch.ErrInvalidTransition, state)
	}
	raw, err := marshalMap(result)
	if err != nil {
		return nil, err
	}
	var job *jobdispatch.Job
	err = s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		j, err := s.lookup(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if jobdispatch.IsTerminal(j.State) {
			job = j
			return nil
		}
		if !jobdispatch.CanTransition(j.State, state) {
			return fmt.Errorf("%w: %s -> %s", jobdispatch.ErrInvalidTransition, j.State, state)
		}
		now := s.now().UnixNano()
		upd := s.sb.Update(jobsTable).
			Set("status", state).
			Set("progress", 100).
			Set("result_json", raw).
			Set("updated_at", now).
			Set("completed_at", now).
			Where(sq.Eq{"job_id": id})
		if _, err := execContext(ctx, tx, upd); err != nil {
			return err
		}
		j.State = state
		j.Progress = 100
		j.Result = result
		j.Updated = now
		j.Completed = now
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobdispatch.Job, error) {
	return s.lookup(ctx, s.db, id, false)
}

func (s *Store) lookup(ctx context.Context, q queryer, id string, lock bool) (*jobdispatch.Job, error) {
	sel := s.sb.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"job_id": id})
	if lock && s.dialect.LockSuffix != "" {
		sel = sel.Suffix(s.dialect.LockSuffix)
	}
	row, err := queryRowContext(ctx, q, sel)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobdispatch.ErrNotFound
	}
	return job, err
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	del := s.sb.Delete(jobsTable).Where(sq.Eq{"job_id": id})
	var n int64
	err := s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := execContext(ctx, s.db, del)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return jobdispatch.ErrNotFound
	}
	return nil
}

// Prune removes terminal jobs completed before the given time.
func (s *Store) Prune(ctx context.Context, before int64) (int64, error) {
	del := s.sb.Delete(jobsTable).
		Where(sq.Eq{"status": []string{jobdispatch.Completed, jobdispatch.Failed}}).
		Where(sq.Lt{"completed_at": before})
	var n int64
	err := s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := execContext(ctx, s.db, del)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context, req *jobdispatch.StatsRequest) (*jobdispatch.Stats, error) {
	sel := s.sb.Select("status", "COUNT(*)").
		From(jobsTable).
		GroupBy("status")
	if req != nil && req.Type != "" {
		sel = sel.Where(sq.Eq{"job_type": req.Type})
	}
	rows, err := queryContext(ctx, s.db, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := new(jobdispatch.Stats)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		switch state {
		default:
			return nil, fmt.Errorf("found unknown state %v", state)
		case jobdispatch.Pending:
			stats.Pending = n
		case jobdispatch.InProgress:
			stats.InProgress = n
		case jobdispatch.Completed:
			stats.Completed = n
		case jobdispatch.Failed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// List returns jobs, most recently updated first.
func (s *Store) List(ctx context.Context, req *jobdispatch.ListRequest) (*jobdispatch.ListResponse, error) {
	if req == nil {
		req = &jobdispatch.ListRequest{}
	}
	filter := sq.Eq{}
	if req.Type != "" {
		filter["job_type"] = req.Type
	}
	if req.State != "" {
		filter["status"] = req.State
	}

	rsp := &jobdispatch.ListResponse{}

	// Count
	row, err := queryRowContext(ctx, s.db, s.sb.Select("COUNT(*)").From(jobsTable).Where(filter))
	if err != nil {
		return nil, err
	}
	if err := row.Scan(&rsp.Total); err != nil {
		return nil, err
	}

	// Find
	sel := s.sb.Select(jobColumns...).
		From(jobsTable).
		Where(filter).
		OrderBy("updated_at DESC", "job_id ASC")
	if req.Limit > 0 {
		sel = sel.Limit(uint64(req.Limit))
	} else if req.Offset > 0 {
		sel = sel.Limit(math.MaxInt32) // OFFSET requires LIMIT
	}
	if req.Offset > 0 {
		sel = sel.Offset(uint64(req.Offset))
	}
	rows, err := queryContext(ctx, s.db, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, rows.Err()
}

// -- Row mapping --

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*jobdispatch.Job, error) {
	var (
		job     jobdispatch.Job
		payload sql.NullString
		result  sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.Priority,
		&job.State,
		&job.Progress,
		&result,
		&job.Attempts,
		&job.Created,
		&job.Updated,
		&job.Completed,
	)
	if err != nil {
		return nil, err
	}
	if job.Payload, err = unmarshalMap(payload); err != nil {
		return nil, fmt.Errorf("sqlstore: payload of job %s: %w", job.ID, err)
	}
	if job.Result, err = unmarshalMap(result); err != nil {
		return nil, fmt.Errorf("sqlstore: result of job %s: %w", job.ID, err)
	}
	return &job, nil
}

func marshalMap(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	v, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(v), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
