// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlite opens a job and item store backed by an embedded SQLite
// database. It is the default store of dispatchd.
package sqlite

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"

	"github.com/olivere/jobdispatch/sqlstore"
)

// Primary result codes, see https://sqlite.org/rescode.html.
const (
	codeBusy       = 5
	codeLocked     = 6
	codeConstraint = 19
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
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0
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
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_items_source ON items (source, created_at)`,
	`CREATE TABLE IF NOT EXISTS edges (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (source_id, target_id, relation)
	)`,
}

// Dialect is the SQLite dialect of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:         "sqlite",
	Placeholder:  sq.Question,
	Schema:       schema,
	InsertIgnore: sqlstore.OnConflictDoNothing,
	IsDup:        IsDup,
	Retryable:    IsBusy,
}

// Open opens the database at path, e.g. "dispatch.db" or ":memory:",
// and creates the schema.
func Open(ctx context.Context, path string, options ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection also keeps
	// in-memory databases alive across statements.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	st := sqlstore.New(db, Dialect, options...)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func code(err error) int {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.Code() & 0xff // strip extended result code
}

// IsDup returns true if err is a constraint violation, e.g. a duplicate
// primary key.
func IsDup(err error) bool {
	return code(err) == codeConstraint
}

// IsBusy returns true if err indicates that the database was locked by
// another writer.
func IsBusy(err error) bool {
	switch code(err) {
	case codeBusy, codeLocked:
		return true
	}
	return false
}
