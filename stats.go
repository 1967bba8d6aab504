// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

// Stats returns statistics about the job store.
type Stats struct {
	Pending    int `json:"pending"`     // number of jobs waiting for a worker
	InProgress int `json:"in_progress"` // number of jobs currently being executed
	Completed  int `json:"completed"`   // number of successfully completed jobs
	Failed     int `json:"failed"`      // number of failed jobs
}

// LaneDepth describes the load of a single lane.
type LaneDepth struct {
	Lane        string `json:"lane"`
	Active      int    `json:"active"`   // jobs currently executing in the lane
	Reserved    int    `json:"reserved"` // jobs queued but not yet dispatched
	Depth       int    `json:"depth"`    // Active + Reserved
	Concurrency int    `json:"concurrency"`
}

// ProviderHealth is the last known health of an inference provider.
type ProviderHealth struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Role     string `json:"role"`
	Healthy  bool   `json:"healthy"`
	Requests int    `json:"requests,omitempty"` // requests served since start
	Tokens   int    `json:"tokens,omitempty"`   // tokens processed since start
	Errors   int    `json:"errors,omitempty"`   // failed attempts since start
}

// HealthReporter returns the current health of the inference providers.
// It is implemented by provider.Roles.
type HealthReporter interface {
	ProviderHealth() []ProviderHealth
}

// HealthReport is the outcome of Manager.Health.
type HealthReport struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Lanes     []LaneDepth      `json:"lanes"`
	Providers []ProviderHealth `json:"providers,omitempty"`
}

// Health report status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)
