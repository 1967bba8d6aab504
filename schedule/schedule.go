// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package schedule submits jobs periodically, driven by cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/olivere/jobdispatch"
)

// Submitter submits jobs. It is implemented by *jobdispatch.Manager.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload map[string]interface{}, priority int) (string, error)
}

// parser accepts standard 5-field cron expressions and descriptors like
// "@hourly" or "@every 30m".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Entry submits a job of JobType whenever Spec fires.
type Entry struct {
	Name     string                 `json:"name"`
	Spec     string                 `json:"spec"`
	JobType  string                 `json:"job_type"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Priority int                    `json:"priority,omitempty"`
}

// Status describes a scheduled entry.
type Status struct {
	Entry
	Next      time.Time `json:"next"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastJobID string    `json:"last_job_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// DefaultEntries prunes finished jobs once a night and backfills missing
// summaries and embeddings every hour.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Name:    "prune-jobs",
			Spec:    "0 3 * * *",
			JobType: jobdispatch.Maintenance,
			Payload: map[string]interface{}{"task": "prune_jobs"},
		},
		{
			Name:    "backfill",
			Spec:    "@hourly",
			JobType: jobdispatch.Backfill,
		},
	}
}

type entry struct {
	Status
	sched cronlib.Schedule
}

// Scheduler submits the jobs of its entries when they are due. Entries
// are checked on every tick; a tick fires an entry at most once, even if
// several runs were missed.
type Scheduler struct {
	submit Submitter
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithTickInterval sets how often the scheduler checks for due entries.
// The default is one second.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler that submits jobs via submit.
func New(submit Submitter, options ...Option) *Scheduler {
	s := &Scheduler{
		submit:  submit,
		logger:  slog.Default(),
		tick:    time.Second,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Add adds an entry. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" {
		return errors.New("schedule: entry needs a name")
	}
	if e.JobType == "" {
		return fmt.Errorf("schedule: entry %s needs a job type", e.Name)
	}
	sched, err := parser.Parse(e.Spec)
	if err != nil {
		return fmt.Errorf("schedule: entry %s: %w", e.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.entries[e.Name]; found {
		return fmt.Errorf("schedule: entry %s already exists", e.Name)
	}
	s.entries[e.Name] = &entry{
		Status: Status{Entry: e, Next: sched.Next(s.now())},
		sched:  sched,
	}
	return nil
}

// Remove removes the entry with the given name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// Entries returns the status of all entries, ordered by name.
func (s *Scheduler) Entries() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e.Status)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Start runs the tick loop until Stop is called.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("schedule: already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("schedule.started", "entries", len(s.entries), "tick", s.tick)
	return nil
}

// Stop stops the tick loop and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("schedule.stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// RunDue submits the jobs of all entries due at now and returns the
// number of entries that fired.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.Next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })

	for _, e := range due {
		payload := make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			payload[k] = v
		}
		jobID, err := s.submit.Submit(ctx, e.JobType, payload, e.Priority)

		s.mu.Lock()
		e.LastRun = now
		e.Next = e.sched.Next(now)
		if err != nil {
			e.LastError = err.Error()
		} else {
			e.LastJobID = jobID
			e.LastError = ""
		}
		next := e.Next
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("schedule.submit.failed", "entry", e.Name, "job_type", e.JobType, "err", err)
			continue
		}
		s.logger.Info("schedule.fired", "entry", e.Name, "job_type", e.JobType, "job_id", jobID, "next", next)
	}
	return len(due)
}
