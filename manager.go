// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func nop() {}

// Manager accepts jobs, routes them into lanes, and runs one worker pool
// per lane. Create a new manager via New.
type Manager struct {
	logger         Logger
	st             Store  // persistent storage
	broker         Broker // delivery of jobs to lane workers
	qr             *QueueRouter
	validator      *PayloadValidator
	health         HealthReporter
	backoff        BackoffFunc
	recoverPending bool

	mu          sync.Mutex           // guards the following block
	tm          map[string]Processor // maps job type to processor
	concurrency map[string]int       // per-lane overrides of the worker count
	active      map[string]int       // number of busy workers per lane
	started     bool
	cancel      context.CancelFunc // stops workers from receiving
	workersWg   sync.WaitGroup

	testManagerStarted func() // testing hook
	testManagerStopped func() // testing hook
	testJobAdded       func() // testing hook
	testJobStarted     func() // testing hook
	testJobSkipped     func() // testing hook
	testJobFailed      func() // testing hook
	testJobSucceeded   func() // testing hook
	testJobNacked      func() // testing hook
	testJobAcked       func() // testing hook
}

// New creates a new manager. Pass options to Manager to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:             stdLogger{},
		st:                 NewInMemoryStore(),
		backoff:            exponentialBackoff,
		qr:                 DefaultQueueRouter(),
		tm:                 make(map[string]Processor),
		concurrency:        make(map[string]int),
		active:             make(map[string]int),
		testManagerStarted: nop,
		testManagerStopped: nop,
		testJobAdded:       nop,
		testJobStarted:     nop,
		testJobSkipped:     nop,
		testJobFailed:      nop,
		testJobSucceeded:   nop,
		testJobNacked:      nop,
		testJobAcked:       nop,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.broker == nil {
		m.broker = NewInMemoryBroker()
	}
	m.qr = m.qr.withConcurrency(m.concurrency)
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetBroker specifies the Broker that delivers jobs to lane workers.
// An InMemoryBroker is used by default.
func SetBroker(broker Broker) ManagerOption {
	return func(m *Manager) {
		m.broker = broker
	}
}

// SetQueueRouter specifies the lanes and the job type to lane mapping.
// DefaultQueueRouter is used by default.
func SetQueueRouter(r *QueueRouter) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.qr = r
		}
	}
}

// SetLaneConcurrency sets the number of workers for the given lane.
// Lanes never share workers, so a backlog in one lane cannot starve
// another. Concurrency must be greater or equal to 1.
func SetLaneConcurrency(lane string, n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency[lane] = n
	}
}

// SetBackoffFunc specifies the backoff function that returns the delay
// before a job is redelivered after its outcome could not be stored.
// Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = exponentialBackoff
		}
	}
}

// SetPayloadValidator specifies a validator that checks payloads when
// jobs are added.
func SetPayloadValidator(v *PayloadValidator) ManagerOption {
	return func(m *Manager) {
		m.validator = v
	}
}

// SetHealthReporter specifies where Health gets provider health from.
func SetHealthReporter(r HealthReporter) ManagerOption {
	return func(m *Manager) {
		m.health = r
	}
}

// SetRecoverPending indicates whether Start re-publishes all pending and
// in_progress jobs of the store. Use it with brokers that lose their
// contents on restart, like InMemoryBroker.
func SetRecoverPending(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.recoverPending = enabled
	}
}

// Register registers a job type and the associated processor for jobs
// of that type. The job type must be mapped to a lane.
func (m *Manager) Register(jobType string, p Processor) error {
	if _, err := m.qr.Assign(jobType); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.tm[jobType]; found {
		return fmt.Errorf("jobdispatch: job type %s already registered", jobType)
	}
	m.tm[jobType] = p
	return nil
}

// QueueRouter returns the lane configuration of the manager.
func (m *Manager) QueueRouter() *QueueRouter {
	return m.qr
}

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("jobdispatch: manager already started")
	}

	ctx := context.Background()

	// Initialize Store
	err := m.st.Start(ctx)
	if err != nil {
		return err
	}

	if m.recoverPending {
		if err := m.recoverJobs(ctx); err != nil {
			return err
		}
	}

	for _, jobType := range m.qr.JobTypes() {
		if _, found := m.tm[jobType]; !found {
			m.logger.Printf("jobdispatch: no processor registered for job type %s", jobType)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, lane := range m.qr.Lanes() {
		var limiter *rate.Limiter
		if lane.RateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(lane.RateLimit), lane.Concurrency)
		}
		for i := 0; i < lane.Concurrency; i++ {
			m.workersWg.Add(1)
			w := &worker{m: m, lane: lane, limiter: limiter}
			go w.run(runCtx)
		}
	}

	m.started = true

	m.testManagerStarted() // testing hook

	return nil
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for working
// jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then closes down, even if there are still jobs working. If the timeout
// is negative, the manager waits forever for all working jobs to end.
// Jobs cut off by the timeout are not acknowledged and will be redelivered.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	// Stop receiving new deliveries
	cancel()

	// Wait for all workers to complete?
	if timeout < 0 {
		// Yes: Wait forever
		m.workersWg.Wait()
		m.testManagerStopped() // testing hook
		return nil
	}

	// Wait with timeout
	complete := make(chan struct{}, 1)
	go func() {
		m.workersWg.Wait()
		close(complete)
	}()
	var err error
	select {
	case <-complete: // Completed in time
	case <-time.After(timeout):
		err = errors.New("jobdispatch: close timed out")
	}
	m.testManagerStopped() // testing hook
	return err
}

// -- Add --

// Add gives the manager a new job to execute. The job type is assigned to
// a lane before anything is stored: unmapped job types, out-of-range
// priorities, and invalid payloads are rejected without creating a record.
//
// If Add returns nil, the job is stored in the backing store with state
// pending and was published to its lane. If only publishing fails, the
// record stays pending and the error says so.
func (m *Manager) Add(ctx context.Context, job *Job) error {
	if job.Type == "" {
		return errors.New("jobdispatch: no job type specified")
	}
	lane, err := m.qr.Assign(job.Type)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, found := m.tm[job.Type]
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("jobdispatch: job type %s not registered", job.Type)
	}
	prio, err := lane.Priority(job.Priority)
	if err != nil {
		return err
	}
	if m.validator != nil {
		if err := m.validator.Validate(job.Type, job.Payload); err != nil {
			return err
		}
	}

	if job.ID == "" {
		job.ID = NewJobID()
	}
	now := time.Now().UnixNano()
	job.Priority = prio
	job.State = Pending
	job.Progress = 0
	job.Result = nil
	job.Attempts = 0
	job.Created = now
	job.Updated = now
	job.Completed = 0
	if err := m.st.Create(ctx, job); err != nil {
		return err
	}
	m.testJobAdded() // testing hook

	err = m.broker.Publish(ctx, &Delivery{JobID: job.ID, Lane: lane.Name, Priority: prio})
	if err != nil {
		return fmt.Errorf("jobdispatch: job %s stored but not enqueued: %w", job.ID, err)
	}
	return nil
}

// Submit creates a job of the given type and returns its identifier.
// A priority of 0 selects the default priority of the job's lane.
func (m *Manager) Submit(ctx context.Context, jobType string, payload map[string]interface{}, priority int) (string, error) {
	job := &Job{Type: jobType, Payload: payload, Priority: priority}
	if err := m.Add(ctx, job); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// -- Status, Stats, List, and Health --

// Status returns a snapshot of the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) Status(ctx context.Context, id string) (*Job, error) {
	return m.st.Lookup(ctx, id)
}

// Stats returns current statistics about the job store.
func (m *Manager) Stats(ctx context.Context, request *StatsRequest) (*Stats, error) {
	return m.st.Stats(ctx, request)
}

// List returns all jobs matching the parameters in the request.
func (m *Manager) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	return m.st.List(ctx, request)
}

// Health returns the number of active and reserved jobs per lane as well
// as the health of the inference providers. The report is degraded if no
// provider is healthy.
func (m *Manager) Health(ctx context.Context) (*HealthReport, error) {
	m.mu.Lock()
	active := make(map[string]int, len(m.active))
	for lane, n := range m.active {
		active[lane] = n
	}
	m.mu.Unlock()

	report := &HealthReport{Status: StatusHealthy}
	for _, lane := range m.qr.Lanes() {
		reserved, err := m.broker.Depth(ctx, lane.Name)
		if err != nil {
			return nil, fmt.Errorf("jobdispatch: depth of lane %s: %w", lane.Name, err)
		}
		report.Lanes = append(report.Lanes, LaneDepth{
			Lane:        lane.Name,
			Active:      active[lane.Name],
			Reserved:    reserved,
			Depth:       active[lane.Name] + reserved,
			Concurrency: lane.Concurrency,
		})
	}
	if m.health != nil {
		report.Providers = m.health.ProviderHealth()
		var healthy bool
		for _, p := range report.Providers {
			healthy = healthy || p.Healthy
		}
		if len(report.Providers) > 0 && !healthy {
			report.Status = StatusDegraded
		}
	}
	return report, nil
}

// -- Internals --

func (m *Manager) setActive(lane string, delta int) {
	m.mu.Lock()
	m.active[lane] += delta
	m.mu.Unlock()
}

// recoverJobs publishes all unfinished jobs of the store again.
func (m *Manager) recoverJobs(ctx context.Context) error {
	var n int
	for _, state := range []string{InProgress, Pending} {
		rsp, err := m.st.List(ctx, &ListRequest{State: state})
		if err != nil {
			return err
		}
		for _, job := range rsp.Jobs {
			lane, err := m.qr.Assign(job.Type)
			if err != nil {
				m.logger.Printf("jobdispatch: cannot recover job %s: %v", job.ID, err)
				continue
			}
			d := &Delivery{JobID: job.ID, Lane: lane.Name, Priority: job.Priority}
			if err := m.broker.Publish(ctx, d); err != nil {
				return err
			}
			n++
		}
	}
	if n > 0 {
		m.logger.Printf("jobdispatch: recovered %d unfinished jobs", n)
	}
	return nil
}

func (m *Manager) ack(ctx context.Context, d *Delivery) {
	if err := m.broker.Ack(ctx, d); err != nil {
		m.logger.Printf("jobdispatch: ack of job %s failed: %v", d.JobID, err)
		return
	}
	m.testJobAcked() // testing hook
}

func (m *Manager) nack(ctx context.Context, d *Delivery) {
	m.testJobNacked() // testing hook
	if err := m.broker.Nack(ctx, d, m.backoff(d.Attempt)); err != nil {
		m.logger.Printf("jobdispatch: nack of job %s failed: %v", d.JobID, err)
	}
}
