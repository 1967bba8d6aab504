// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package provider

import (
	"errors"
	"sync"
	"time"

	"github.com/olivere/jobdispatch"
)

// Roles holds which provider is primary and which is secondary, plus the
// result of the last probe of each. Routers only read it. The only writer
// is the Monitor, which swaps both roles in a single step, so a reader
// never sees a half-updated assignment.
//
// Roles start out unhealthy: a fresh process trusts no provider before it
// has probed it.
type Roles struct {
	mu        sync.RWMutex
	primary   Provider
	secondary Provider
	healthy   map[string]bool // by provider name
	checked   time.Time
}

// NewRoles creates the role assignment with the configured primary and
// secondary provider.
func NewRoles(primary, secondary Provider) (*Roles, error) {
	if err := primary.Validate(); err != nil {
		return nil, err
	}
	if err := secondary.Validate(); err != nil {
		return nil, err
	}
	if primary.Name == secondary.Name {
		return nil, errors.New("provider: primary and secondary must have different names")
	}
	return &Roles{
		primary:   primary,
		secondary: secondary,
		healthy:   make(map[string]bool),
	}, nil
}

// Current returns the providers in their current roles.
func (r *Roles) Current() (primary, secondary Provider) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary, r.secondary
}

// Status of a provider in its current role.
type Status struct {
	Provider Provider
	Role     string
	Healthy  bool
}

// Statuses returns the primary, then the secondary.
func (r *Roles) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return []Status{
		{Provider: r.primary, Role: Primary, Healthy: r.healthy[r.primary.Name]},
		{Provider: r.secondary, Role: Secondary, Healthy: r.healthy[r.secondary.Name]},
	}
}

// Checked returns the time of the last probe, or the zero time.
func (r *Roles) Checked() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checked
}

// ProviderHealth implements jobdispatch.HealthReporter.
func (r *Roles) ProviderHealth() []jobdispatch.ProviderHealth {
	var list []jobdispatch.ProviderHealth
	for _, s := range r.Statuses() {
		list = append(list, jobdispatch.ProviderHealth{
			Name:    s.Provider.Name,
			URL:     s.Provider.URL,
			Role:    s.Role,
			Healthy: s.Healthy,
		})
	}
	return list
}

// WithCounters returns a HealthReporter that adds the request, token,
// and error counts of c to the health of each provider.
func (r *Roles) WithCounters(c *Counters) jobdispatch.HealthReporter {
	return countingHealth{roles: r, counters: c}
}

type countingHealth struct {
	roles    *Roles
	counters *Counters
}

func (h countingHealth) ProviderHealth() []jobdispatch.ProviderHealth {
	list := h.roles.ProviderHealth()
	for i := range list {
		list[i].Requests = h.counters.Requests(list[i].Name)
		list[i].Tokens = h.counters.Tokens(list[i].Name)
		list[i].Errors = h.counters.Errors(list[i].Name)
	}
	return list
}

// apply records probe results for the given assignment. If the primary is
// down and the secondary is up, the two swap roles. It returns true on a
// swap. Results for an assignment that changed in the meantime are dropped.
func (r *Roles) apply(primary, secondary Provider, primaryHealthy, secondaryHealthy bool, now time.Time) (swapped, applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primary.Name != primary.Name || r.secondary.Name != secondary.Name {
		return false, false
	}
	r.healthy[primary.Name] = primaryHealthy
	r.healthy[secondary.Name] = secondaryHealthy
	r.checked = now
	if !primaryHealthy && secondaryHealthy {
		r.primary, r.secondary = r.secondary, r.primary
		return true, true
	}
	return false, true
}
