// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 10 * time.Second

	// maxProbeBody caps how much of a probe response is read.
	maxProbeBody = 64 << 10
)

// Monitor probes the providers of a Roles and promotes the secondary if
// the primary is down. Probes run on the caller's goroutine; run Monitor
// on its own goroutine so that probes never occupy a job worker.
type Monitor struct {
	roles    *Roles
	client   *http.Client
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// MonitorOption is the signature of an options provider.
type MonitorOption func(*Monitor)

// ProbeClient specifies the HTTP client used for probes.
func ProbeClient(client *http.Client) MonitorOption {
	return func(m *Monitor) {
		if client != nil {
			m.client = client
		}
	}
}

// ProbeTimeout specifies how long a probe may take.
func ProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// ProbeInterval specifies how often Run re-probes the providers. If it
// is 0, which is the default, Run only probes once.
func ProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// ProbeLogger specifies the logger.
func ProbeLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor creates a monitor for roles.
func NewMonitor(roles *Roles, options ...MonitorOption) *Monitor {
	m := &Monitor{
		roles:   roles,
		client:  &http.Client{},
		timeout: DefaultProbeTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Probe sends a one-token completion to p. The provider is healthy if it
// answers with a 2xx JSON response, or with a 4xx JSON error other than
// 408 and 429, which shows that the endpoint exists but rejected this
// request.
// Connection failures, timeouts, 5xx, and malformed responses are not.
func (m *Monitor) Probe(ctx context.Context, p Provider) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req := &ChatRequest{
		Model:       p.Model,
		Messages:    []Message{{Role: "user", Content: "Hi"}},
		MaxTokens:   1,
		Temperature: 0,
	}
	if req.Model == "" {
		req.Model = "probe"
	}
	bs, err := json.Marshal(encodeRequest(p, req))
	if err != nil {
		return false
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(p), bytes.NewReader(bs))
	if err != nil {
		return false
	}
	hreq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := m.client.Do(hreq)
	if err != nil {
		m.logger.Warn("provider.probe.error", "provider", p.Name, "url", p.URL, "error", err)
		return false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		m.logger.Warn("provider.probe.error", "provider", p.Name, "url", p.URL, "error", err)
		return false
	}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return false
	case resp.StatusCode/100 == 2, resp.StatusCode/100 == 4:
		// A proxy in front of a missing upstream answers with HTML
		if !json.Valid(raw) {
			m.logger.Warn("provider.probe.malformed", "provider", p.Name, "url", p.URL, "status", resp.StatusCode, "bytes", len(raw))
			return false
		}
		return true
	}
	m.logger.Warn("provider.probe.status", "provider", p.Name, "url", p.URL, "status", resp.StatusCode)
	return false
}

// Check probes both providers concurrently and records the results. If
// the primary is unhealthy and the secondary is healthy, the two swap
// roles and Check returns true. If both are down, the roles are kept.
func (m *Monitor) Check(ctx context.Context) bool {
	primary, secondary := m.roles.Current()

	var ph, sh bool
	var g errgroup.Group
	g.Go(func() error {
		ph = m.Probe(ctx, primary)
		return nil
	})
	g.Go(func() error {
		sh = m.Probe(ctx, secondary)
		return nil
	})
	_ = g.Wait()

	swapped, applied := m.roles.apply(primary, secondary, ph, sh, m.now())
	if !applied {
		m.logger.Info("provider.probe.stale", "primary", primary.Name, "secondary", secondary.Name)
		return false
	}
	m.logger.Info("provider.probe.done",
		"primary", primary.Name, "primary_healthy", ph,
		"secondary", secondary.Name, "secondary_healthy", sh,
	)
	switch {
	case swapped:
		m.logger.Warn("provider.promote",
			"primary", secondary.Name,
			"url", secondary.URL,
			"demoted", primary.Name,
		)
	case !ph && !sh:
		m.logger.Error("provider.probe.all_down", "primary", primary.Name, "secondary", secondary.Name)
	}
	return swapped
}

// Run checks the providers once, then every interval until ctx is done.
// With an interval of 0, Run returns after the first check.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	if m.interval <= 0 {
		return nil
	}
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Check(ctx)
		}
	}
}
