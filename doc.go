// Package jobdispatch accepts jobs, persists them as auditable records,
// routes them into isolated lanes, and executes them with one worker
// pool per lane.
//
// Applications using jobdispatch first create a Manager and register one
// processor per job type. Every job type must be mapped to a lane by the
// QueueRouter; there are four lanes by default: hot (summarize, embed),
// backfill (backfill, graph_link), vlm_ocr (ocr, vlm), and maintenance.
// Each lane has its own number of workers, set via SetLaneConcurrency, so
// a backlog in backfill never starves hot.
//
// New jobs are added via Add or Submit. The manager assigns the lane first
// and rejects unmapped job types before anything is stored. It then asks
// the Store to create the job in state pending and publishes a delivery
// to the lane on the Broker.
//
// A job is always in one of these four states: pending (stored, not yet
// picked up), in_progress (held by a worker), completed, or failed. The
// last two are terminal. No transition skips in_progress and nothing
// leaves a terminal state.
//
// A worker receives one delivery at a time. It moves the job to
// in_progress, or resumes it at its last progress if the delivery is a
// redelivery, and calls the processor. Processors report intermediate
// progress, which never decreases. The outcome is written to the store
// with progress 100, and only then is the delivery acknowledged. If the
// write fails, the delivery is rejected and redelivered later.
//
// The broker delivers at least once: if a worker dies while holding a
// delivery, the lease expires and the job is delivered again. Writing a
// terminal state for a job that is already terminal is a no-op, so
// duplicate deliveries are harmless. The executor never retries a failed
// job by itself.
//
// Within a lane, higher priorities are preferred, but a job already
// handed to a worker is never preempted. Priority is a scheduling hint,
// not a strict ordering guarantee.
//
// There is an in-memory store and broker in this package. Persistent
// stores live in the sqlite, mysql, postgres, and mongodb packages; a
// Redis-based broker lives in the redis package.
package jobdispatch
