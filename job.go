// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// Pending jobs are stored but not yet picked up by a worker.
	Pending string = "pending"
	// InProgress is the state for jobs currently held by a worker.
	InProgress string = "in_progress"
	// Completed without errors.
	Completed string = "completed"
	// Failed with error diagnostics in the result.
	Failed string = "failed"
)

// Job types known to the default queue router.
const (
	Summarize   = "summarize"
	Embed       = "embed"
	OCR         = "ocr"
	VLM         = "vlm"
	Backfill    = "backfill"
	Maintenance = "maintenance"
	GraphLink   = "graph_link"
)

const (
	// MinPriority is the lowest priority a job can have.
	MinPriority = 1
	// MaxPriority is the highest priority a job can have.
	MaxPriority = 10
)

// Job is a unit of work. Its state, progress, and result are only
// advanced by the worker currently holding the delivery for it.
type Job struct {
	ID        string                 `json:"job_id"`                 // unique and immutable
	Type      string                 `json:"job_type"`               // determines lane and processor
	Payload   map[string]interface{} `json:"payload,omitempty"`      // type-specific arguments
	Priority  int                    `json:"priority"`               // 1..10, higher is more urgent
	State     string                 `json:"state"`                  // current state
	Progress  int                    `json:"progress"`               // 0..100
	Result    map[string]interface{} `json:"result,omitempty"`       // output or error diagnostics
	Attempts  int                    `json:"attempts"`               // number of times a worker began the job
	Created   int64                  `json:"created_at"`             // time when the job was submitted (in UnixNano)
	Updated   int64                  `json:"updated_at"`             // time of the last transition (in UnixNano)
	Completed int64                  `json:"completed_at,omitempty"` // time of the first terminal write (in UnixNano)
}

// IsTerminal reports whether state is Completed or Failed.
func IsTerminal(state string) bool {
	return state == Completed || state == Failed
}

// CanTransition reports whether a job may move from one state to another.
// Terminal states never transition, not even to themselves; stores treat
// a repeated terminal write as a no-op before asking.
func CanTransition(from, to string) bool {
	switch from {
	case Pending:
		return to == InProgress
	case InProgress:
		return to == InProgress || to == Completed || to == Failed
	}
	return false
}

// NewJobID returns a new system-generated job identifier.
func NewJobID() string {
	return "job_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// clampProgress keeps p within 0..100.
func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
