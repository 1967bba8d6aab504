// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mysql opens a job and item store backed by MySQL.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/olivere/jobdispatch/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
job_id varchar(64) primary key,
job_type varchar(64) not null,
payload_json longtext,
priority integer not null default 0,
status varchar(30) not null,
progress integer not null default 0,
result_json longtext,
attempts integer not null default 0,
created_at bigint not null,
updated_at bigint not null,
completed_at bigint not null default 0,
index ix_jobs_status (status, completed_at),
index ix_jobs_type (job_type, updated_at),
index ix_jobs_updated (updated_at))`,
	`CREATE TABLE IF NOT EXISTS items (
id varchar(191) primary key,
source varchar(64) not null,
title text not null,
abstract longtext,
content longtext,
summary longtext,
embedding_id varchar(191),
embedding longtext,
metadata_json longtext,
created_at bigint not null,
updated_at bigint not null,
index ix_items_source (source, created_at))`,
	`CREATE TABLE IF NOT EXISTS edges (
source_id varchar(191) not null,
target_id varchar(191) not null,
relation varchar(32) not null,
score double not null default 0,
created_at bigint not null,
primary key (source_id, target_id, relation))`,
}

// Dialect is the MySQL dialect of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:         "mysql",
	Placeholder:  sq.Question,
	Schema:       schema,
	LockSuffix:   "FOR UPDATE",
	InsertIgnore: sqlstore.InsertIgnoreOption,
	IsDup:        IsDup,
	Retryable:    IsRetryable,
}

// NewStore initializes a new MySQL-based storage. The database named in
// url is created if it does not exist.
func NewStore(ctx context.Context, url string, options ...sqlstore.Option) (*sqlstore.Store, error) {
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("no database specified")
	}

	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	db, err := sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	st := sqlstore.New(db, Dialect, options...)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}
