// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package sqlstore

import (
	sq "github.com/Masterminds/squirrel"
)

// Dialect describes the differences between SQL databases that matter to
// the store.
type Dialect struct {
	// Name of the dialect, e.g. "sqlite".
	Name string

	// Placeholder is the bind variable format, e.g. sq.Question or sq.Dollar.
	Placeholder sq.PlaceholderFormat

	// Schema holds the DDL statements that create tables and indexes.
	// They must be safe to run repeatedly.
	Schema []string

	// LockSuffix is appended to SELECTs that lock a row for update.
	// SQLite locks the whole database on write and leaves it empty.
	LockSuffix string

	// InsertIgnore turns an INSERT into one that does nothing if the
	// primary key exists.
	InsertIgnore func(sq.InsertBuilder) sq.InsertBuilder

	// IsDup reports whether err is a primary key violation.
	IsDup func(error) bool

	// Retryable reports whether a failed statement or transaction may
	// be retried, e.g. after a deadlock.
	Retryable func(error) bool
}

// OnConflictDoNothing is the InsertIgnore of SQLite and PostgreSQL.
func OnConflictDoNothing(b sq.InsertBuilder) sq.InsertBuilder {
	return b.Suffix("ON CONFLICT DO NOTHING")
}

// InsertIgnoreOption is the InsertIgnore of MySQL.
func InsertIgnoreOption(b sq.InsertBuilder) sq.InsertBuilder {
	return b.Options("IGNORE")
}
