// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package postgres opens a job and item store backed by PostgreSQL,
// using a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/olivere/jobdispatch/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		payload_json TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		result_json TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		completed_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_status ON jobs (status, completed_at)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_type ON jobs (job_type, updated_at)`,
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		abstract TEXT,
		content TEXT,
		summary TEXT,
		embedding_id TEXT,
		embedding TEXT,
		metadata_json TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_items_source ON items (source, created_at)`,
	`CREATE TABLE IF NOT EXISTS edges (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (source_id, target_id, relation)
	)`,
}

// Dialect is the PostgreSQL dialect of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:         "postgres",
	Placeholder:  sq.Dollar,
	Schema:       schema,
	LockSuffix:   "FOR UPDATE",
	InsertIgnore: sqlstore.OnConflictDoNothing,
	IsDup:        IsDup,
	Retryable:    IsRetryable,
}

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// Open creates a pgx pool, wraps it as a database/sql handle, and
// creates the schema.
func Open(ctx context.Context, cfg Config, options ...sqlstore.Option) (*sqlstore.Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "jobdispatch"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	st := sqlstore.New(db, Dialect, append(options, sqlstore.OnClose(pool.Close))...)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDup checks if err is a unique_violation (23505).
func IsDup(err error) bool {
	return code(err) == "23505"
}

// IsRetryable checks if err is a serialization_failure (40001) or a
// deadlock_detected (40P01).
func IsRetryable(err error) bool {
	switch code(err) {
	case "40001", "40P01":
		return true
	}
	return false
}
