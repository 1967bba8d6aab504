// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/olivere/jobdispatch"
)

// testDBURL is read from MYSQL_URL, e.g.
// "root@tcp(127.0.0.1:3306)/jobdispatch_test". Tests are skipped if unset.
var testDBURL = os.Getenv("MYSQL_URL")

func TestMain(m *testing.M) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if testDBURL == "" {
		os.Exit(m.Run())
	}

	cfg, err := mysql.ParseDSN(testDBURL)
	if err != nil {
		panic(fmt.Sprintf("unable to parse connection string %q: %v", testDBURL, err))
	}
	dbname := cfg.DBName
	if dbname == "" {
		panic(fmt.Sprintf("no database specified in connection string %q", testDBURL))
	}
	// Connect without DB name
	cfg.DBName = ""
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		panic(fmt.Sprintf("unable to open connection string %q: %v", cfg.FormatDSN(), err))
	}
	defer db.Close()

	code := m.Run()

	// Drop database
	_, err = db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbname))
	if err != nil {
		panic(fmt.Sprintf("unable to drop database %q from connection string %q: %v", dbname, testDBURL, err))
	}

	os.Exit(code)
}

func skipWithoutMySQL(t *testing.T) {
	if testDBURL == "" {
		t.Skip("MYSQL_URL not set")
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		Err       error
		Dup       bool
		Deadlock  bool
		Retryable bool
	}{
		{Err: &mysql.MySQLError{Number: 1062}, Dup: true},
		{Err: &mysql.MySQLError{Number: 1213}, Deadlock: true, Retryable: true},
		{Err: fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: 1205}), Retryable: true},
		{Err: errors.New("kaboom")},
	}
	for i, tt := range tests {
		if have, want := IsDup(tt.Err), tt.Dup; have != want {
			t.Errorf("#%d: IsDup = %v, want %v", i, have, want)
		}
		if have, want := IsDeadlock(tt.Err), tt.Deadlock; have != want {
			t.Errorf("#%d: IsDeadlock = %v, want %v", i, have, want)
		}
		if have, want := IsRetryable(tt.Err), tt.Retryable; have != want {
			t.Errorf("#%d: IsRetryable = %v, want %v", i, have, want)
		}
	}
}

func TestMySQLNewStore(t *testing.T) {
	skipWithoutMySQL(t)
	st, err := NewStore(context.Background(), testDBURL)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	defer st.Close()
}

// TestMySQLJobSuccess is the green case where a job is called and it is
// processed without problems.
func TestMySQLJobSuccess(t *testing.T) {
	skipWithoutMySQL(t)
	jobDone := make(chan struct{}, 1)

	st, err := NewStore(context.Background(), testDBURL)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	defer st.Close()

	m := jobdispatch.New(jobdispatch.SetStore(st))

	f := func(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
		s, ok := job.Payload["text"].(string)
		if !ok {
			return nil, fmt.Errorf("expected type of text == string, have %T", job.Payload["text"])
		}
		if have, want := s, "Hello"; have != want {
			return nil, fmt.Errorf("expected text = %q, have %q", want, have)
		}
		progress(50)
		jobDone <- struct{}{}
		return map[string]interface{}{"summary": "Hi"}, nil
	}
	err = m.Register(jobdispatch.Summarize, f)
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	err = m.Start()
	if err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()
	id, err := m.Submit(context.Background(), jobdispatch.Summarize, map[string]interface{}{"text": "Hello"}, 0)
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	if id == "" {
		t.Fatalf("Job ID = %q", id)
	}
	timeout := 2 * time.Second
	select {
	case <-jobDone:
	case <-time.After(timeout):
		t.Fatal("Processor func timed out")
	}

	deadline := time.Now().Add(timeout)
	for {
		job, err := st.Lookup(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.State == jobdispatch.Completed {
			if have, want := job.Result["summary"], "Hi"; have != want {
				t.Fatalf("Result[summary] = %v, want %v", have, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job state = %q, want %q", job.State, jobdispatch.Completed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
