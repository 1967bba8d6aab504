// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"errors"
	"fmt"
	"sort"
)

// Lane names.
const (
	HotLane         = "hot"
	BackfillLane    = "backfill"
	VLMOCRLane      = "vlm_ocr"
	MaintenanceLane = "maintenance"
)

var (
	// ErrUnmappedJobType is returned when a job type has no lane.
	ErrUnmappedJobType = errors.New("jobdispatch: unmapped job type")

	// ErrInvalidPriority is returned for priorities outside of 1..MaxPriority.
	ErrInvalidPriority = errors.New("jobdispatch: invalid priority")
)

// Lane is an isolated execution queue with its own concurrency budget.
type Lane struct {
	Name            string  `json:"name"`
	RoutingKey      string  `json:"routing_key"`
	MaxPriority     int     `json:"max_priority"`
	DefaultPriority int     `json:"default_priority"`
	Concurrency     int     `json:"concurrency"`
	RateLimit       float64 `json:"rate_limit,omitempty"` // dequeues per second, 0 for unlimited
}

// DefaultLanes returns the four standard lanes.
func DefaultLanes() []Lane {
	return []Lane{
		{Name: HotLane, RoutingKey: "hot.tasks", MaxPriority: MaxPriority, DefaultPriority: 10, Concurrency: 4},
		{Name: BackfillLane, RoutingKey: "backfill.tasks", MaxPriority: MaxPriority, DefaultPriority: 3, Concurrency: 2},
		{Name: VLMOCRLane, RoutingKey: "vlm_ocr.tasks", MaxPriority: MaxPriority, DefaultPriority: 5, Concurrency: 1},
		{Name: MaintenanceLane, RoutingKey: "maintenance.tasks", MaxPriority: MaxPriority, DefaultPriority: 1, Concurrency: 1},
	}
}

// DefaultRoutes maps every known job type to its lane.
func DefaultRoutes() map[string]string {
	return map[string]string{
		Summarize:   HotLane,
		Embed:       HotLane,
		OCR:         VLMOCRLane,
		VLM:         VLMOCRLane,
		Backfill:    BackfillLane,
		GraphLink:   BackfillLane,
		Maintenance: MaintenanceLane,
	}
}

// QueueRouter assigns jobs to lanes. The mapping is fixed when the router
// is created; Assign never computes a lane from anything but the job type.
type QueueRouter struct {
	lanes  map[string]Lane
	order  []string
	routes map[string]string
}

// NewQueueRouter creates a router from a set of lanes and a job type to
// lane mapping. Every route must point to a configured lane.
func NewQueueRouter(lanes []Lane, routes map[string]string) (*QueueRouter, error) {
	r := &QueueRouter{
		lanes:  make(map[string]Lane, len(lanes)),
		routes: make(map[string]string, len(routes)),
	}
	for _, lane := range lanes {
		if lane.Name == "" {
			return nil, errors.New("jobdispatch: lane without name")
		}
		if _, found := r.lanes[lane.Name]; found {
			return nil, fmt.Errorf("jobdispatch: lane %s configured twice", lane.Name)
		}
		if lane.MaxPriority <= 0 || lane.MaxPriority > MaxPriority {
			lane.MaxPriority = MaxPriority
		}
		if lane.DefaultPriority < MinPriority || lane.DefaultPriority > lane.MaxPriority {
			lane.DefaultPriority = lane.MaxPriority
		}
		if lane.Concurrency < 1 {
			lane.Concurrency = 1
		}
		if lane.RoutingKey == "" {
			lane.RoutingKey = lane.Name + ".tasks"
		}
		r.lanes[lane.Name] = lane
		r.order = append(r.order, lane.Name)
	}
	for jobType, laneName := range routes {
		if _, found := r.lanes[laneName]; !found {
			return nil, fmt.Errorf("jobdispatch: job type %s routed to unknown lane %s", jobType, laneName)
		}
		r.routes[jobType] = laneName
	}
	return r, nil
}

// DefaultQueueRouter returns a router with DefaultLanes and DefaultRoutes.
func DefaultQueueRouter() *QueueRouter {
	r, err := NewQueueRouter(DefaultLanes(), DefaultRoutes())
	if err != nil {
		panic(err)
	}
	return r
}

// Assign returns the lane for the given job type. Unknown job types
// return ErrUnmappedJobType.
func (r *QueueRouter) Assign(jobType string) (Lane, error) {
	name, found := r.routes[jobType]
	if !found {
		return Lane{}, fmt.Errorf("%w: %q", ErrUnmappedJobType, jobType)
	}
	return r.lanes[name], nil
}

// Lane returns the lane with the given name.
func (r *QueueRouter) Lane(name string) (Lane, bool) {
	lane, found := r.lanes[name]
	return lane, found
}

// Lanes returns all lanes in configuration order.
func (r *QueueRouter) Lanes() []Lane {
	lanes := make([]Lane, 0, len(r.order))
	for _, name := range r.order {
		lanes = append(lanes, r.lanes[name])
	}
	return lanes
}

// JobTypes returns the sorted list of mapped job types.
func (r *QueueRouter) JobTypes() []string {
	types := make([]string, 0, len(r.routes))
	for jobType := range r.routes {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// Priority resolves the priority of a job in the given lane. Zero selects
// the lane default.
func (lane Lane) Priority(p int) (int, error) {
	if p == 0 {
		return lane.DefaultPriority, nil
	}
	if p < MinPriority || p > lane.MaxPriority {
		return 0, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPriority, p, MinPriority, lane.MaxPriority)
	}
	return p, nil
}

// withConcurrency returns a copy of the router where the given lanes have
// a different concurrency.
func (r *QueueRouter) withConcurrency(overrides map[string]int) *QueueRouter {
	if len(overrides) == 0 {
		return r
	}
	c := &QueueRouter{
		lanes:  make(map[string]Lane, len(r.lanes)),
		order:  r.order,
		routes: r.routes,
	}
	for name, lane := range r.lanes {
		if n, found := overrides[name]; found && n > 0 {
			lane.Concurrency = n
		}
		c.lanes[name] = lane
	}
	return c
}
