package jobdispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// worker is a single instance processing jobs of one lane.
type worker struct {
	m       *Manager
	lane    Lane
	limiter *rate.Limiter // optional, shared by all workers of the lane
}

// run is the main goroutine in the worker. It receives one delivery at a
// time from the lane, then calls process. It returns when ctx is done.
func (w *worker) run(ctx context.Context) {
	defer w.m.workersWg.Done()
	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}
		d, err := w.m.broker.Receive(ctx, w.lane.Name)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			w.m.logger.Printf("jobdispatch: receive from lane %s failed: %v", w.lane.Name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(d)
	}
}

// process runs a single delivery. The delivery is acknowledged only after
// the terminal state of its job has been written to the store.
func (w *worker) process(d *Delivery) {
	ctx := context.Background()
	m := w.m

	m.setActive(w.lane.Name, 1)
	defer m.setActive(w.lane.Name, -1)

	job, err := m.st.Begin(ctx, d.JobID)
	if errors.Is(err, ErrNotFound) {
		m.logger.Printf("jobdispatch: dropping delivery for unknown job %s", d.JobID)
		m.ack(ctx, d)
		return
	}
	if err != nil {
		m.logger.Printf("jobdispatch: cannot begin job %s: %v", d.JobID, err)
		m.nack(ctx, d)
		return
	}
	if IsTerminal(job.State) {
		// Duplicate delivery of a finished job
		m.testJobSkipped() // testing hook
		m.ack(ctx, d)
		return
	}

	m.mu.Lock()
	p, found := m.tm[job.Type]
	m.mu.Unlock()

	m.testJobStarted() // testing hook

	var result map[string]interface{}
	if found {
		result, err = w.call(ctx, p, job)
	} else {
		err = fmt.Errorf("no processor registered for job type %s", job.Type)
	}

	state := Completed
	if err != nil {
		m.logger.Printf("jobdispatch: job %s failed with: %v", job.ID, err)
		state = Failed
		result = failureResult(err, d.Attempt)
	}
	if _, err := m.st.Finish(ctx, job.ID, state, result); err != nil {
		m.logger.Printf("jobdispatch: cannot store outcome of job %s: %v", job.ID, err)
		m.nack(ctx, d)
		return
	}
	if state == Completed {
		m.testJobSucceeded() // testing hook
	} else {
		m.testJobFailed() // testing hook
	}
	m.ack(ctx, d)
}

// call invokes the processor and turns panics into errors.
func (w *worker) call(ctx context.Context, p Processor, job *Job) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	progress := func(percent int) {
		if err := w.m.st.Progress(ctx, job.ID, percent); err != nil {
			w.m.logger.Printf("jobdispatch: progress of job %s: %v", job.ID, err)
		}
	}
	return p(ctx, job, progress)
}

// failureResult builds the diagnostics stored with a failed job.
func failureResult(err error, attempt int) map[string]interface{} {
	result := map[string]interface{}{
		"error":   err.Error(),
		"attempt": attempt,
	}
	var d Diagnoser
	if errors.As(err, &d) {
		for k, v := range d.Diagnostics() {
			if _, found := result[k]; !found {
				result[k] = v
			}
		}
	}
	return result
}
