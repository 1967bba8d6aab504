// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Create adds a new job.
func (st *InMemoryStore) Create(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; found {
		return ErrDuplicateJob
	}
	st.jobs[job.ID] = copyJob(job)
	return nil
}

// Begin moves a pending job to in_progress, or resumes an in_progress one.
func (st *InMemoryStore) Begin(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	switch job.State {
	case Pending:
		job.State = InProgress
		job.Progress = 0
	case InProgress:
	default:
		return copyJob(job), nil
	}
	job.Attempts++
	job.Updated = st.now().UnixNano()
	return copyJob(job), nil
}

// Progress raises the progress of an in_progress job.
func (st *InMemoryStore) Progress(ctx context.Context, id string, progress int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return ErrNotFound
	}
	if job.State != InProgress {
		return fmt.Errorf("%w: progress update in state %s", ErrInvalidTransition, job.State)
	}
	progress = clampProgress(progress)
	if progress > job.Progress {
		job.Progress = progress
		job.Updated = st.now().UnixNano()
	}
	return nil
}

// Finish writes the terminal state of a job.
func (st *InMemoryStore) Finish(ctx context.Context, id, state string, result map[string]interface{}) (*Job, error) {
	if !IsTerminal(state) {
		return nil, fmt.Errorf("%w: %s is not a terminal state", ErrInvalidTransition, state)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	if IsTerminal(job.State) {
		return copyJob(job), nil
	}
	if !CanTransition(job.State, state) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, state)
	}
	now := st.now().UnixNano()
	job.State = state
	job.Progress = 100
	job.Result = copyMap(result)
	job.Updated = now
	job.Completed = now
	return copyJob(job), nil
}

// Delete removes the job.
func (st *InMemoryStore) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[id]; !found {
		return ErrNotFound
	}
	delete(st.jobs, id)
	return nil
}

// Prune removes terminal jobs completed before the given time.
func (st *InMemoryStore) Prune(ctx context.Context, before int64) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int64
	for id, job := range st.jobs {
		if IsTerminal(job.State) && job.Completed < before {
			delete(st.jobs, id)
			n++
		}
	}
	return n, nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context, req *StatsRequest) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		if req != nil && req.Type != "" && job.Type != req.Type {
			continue
		}
		switch job.State {
		default:
			return nil, fmt.Errorf("found unknown state %v", job.State)
		case Pending:
			stats.Pending++
		case InProgress:
			stats.InProgress++
		case Completed:
			stats.Completed++
		case Failed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// List finds matching jobs, most recently updated first.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if req == nil {
		req = &ListRequest{}
	}
	var matches []*Job
	for _, job := range st.jobs {
		if req.State != "" && job.State != req.State {
			continue
		}
		if req.Type != "" && job.Type != req.Type {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Updated != matches[j].Updated {
			return matches[i].Updated > matches[j].Updated
		}
		return matches[i].ID < matches[j].ID
	})
	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			return rsp, nil
		}
		matches = matches[req.Offset:]
	}
	if req.Limit > 0 && req.Limit < len(matches) {
		matches = matches[:req.Limit]
	}
	for _, job := range matches {
		rsp.Jobs = append(rsp.Jobs, copyJob(job))
	}
	return rsp, nil
}

func copyJob(job *Job) *Job {
	c := *job
	c.Payload = copyMap(job.Payload)
	c.Result = copyMap(job.Result)
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
