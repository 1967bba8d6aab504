// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"context"
	"errors"
)

var (
	// ErrNotFound must be returned from Store interface when a certain job
	// could not be found in the specific data store.
	ErrNotFound = errors.New("jobdispatch: job not found")

	// ErrDuplicateJob is returned by Store.Create when a job with the same
	// identifier already exists.
	ErrDuplicateJob = errors.New("jobdispatch: job already exists")

	// ErrInvalidTransition is returned when a write would move a job along
	// an edge other than pending -> in_progress -> completed|failed.
	ErrInvalidTransition = errors.New("jobdispatch: invalid state transition")
)

// Store implements persistent storage of jobs. It is the only shared
// mutable resource; implementations must be safe for concurrent use.
type Store interface {
	// Start is called when the manager starts up. Unlike a crash-cleanup
	// pass, it must leave in_progress jobs alone: the broker redelivers
	// them and the executor resumes where they left off.
	Start(context.Context) error

	// Create adds a pending job to the store.
	Create(context.Context, *Job) error

	// Begin moves a pending job to in_progress with progress 0 and
	// returns it. If the job is already in_progress, e.g. after a
	// redelivery, it is returned with its last known progress. Terminal
	// jobs are returned unchanged so the caller can acknowledge and skip.
	// Every call increments Attempts unless the job is terminal.
	Begin(ctx context.Context, id string) (*Job, error)

	// Progress raises the progress of an in_progress job. Lower values
	// than the stored one are ignored.
	Progress(ctx context.Context, id string, progress int) error

	// Finish writes a terminal state with progress 100 and the result.
	// If the job already is in a terminal state, Finish is a no-op and
	// returns the stored job. Finishing a pending job is an error.
	Finish(ctx context.Context, id, state string, result map[string]interface{}) (*Job, error)

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Job, error)

	// Delete removes a job from the store.
	Delete(ctx context.Context, id string) error

	// Prune removes terminal jobs completed before the given time
	// (in UnixNano) and returns the number of removed jobs.
	Prune(ctx context.Context, before int64) (int64, error)

	// Stats returns statistics about the store, e.g. the number of jobs
	// pending, in progress, completed, and failed.
	Stats(context.Context, *StatsRequest) (*Stats, error)

	// List returns a list of jobs filtered by the ListRequest.
	List(context.Context, *ListRequest) (*ListResponse, error)
}

// StatsRequest returns information about the number of managed jobs.
type StatsRequest struct {
	Type string // filter by job type
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Type   string // filter by job type
	State  string // filter by job state
	Limit  int    // maximum number of jobs to return
	Offset int    // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    `json:"total"` // total number of jobs found, excluding pagination
	Jobs  []*Job `json:"jobs"`  // list of jobs, most recently updated first
}

// ActiveItems returns the IDs of the items referenced by the "item_id"
// payload of pending and in-progress jobs of the given type.
func ActiveItems(ctx context.Context, st Store, jobType string) (map[string]bool, error) {
	ids := make(map[string]bool)
	for _, state := range []string{Pending, InProgress} {
		rsp, err := st.List(ctx, &ListRequest{Type: jobType, State: state})
		if err != nil {
			return nil, err
		}
		for _, job := range rsp.Jobs {
			if id, ok := job.Payload["item_id"].(string); ok && id != "" {
				ids[id] = true
			}
		}
	}
	return ids, nil
}
