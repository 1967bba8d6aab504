// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single provider attempt.
const DefaultTimeout = 120 * time.Second

// Router sends chat requests to the current primary provider and falls
// back to the secondary if the primary fails. It is safe for concurrent
// use; a failed request never changes the role assignment.
type Router struct {
	roles   *Roles
	client  *http.Client
	timeout time.Duration
	metrics Metrics
	logger  *slog.Logger
}

// RouterOption is the signature of an options provider.
type RouterOption func(*Router)

// WithHTTPClient specifies the HTTP client to use.
func WithHTTPClient(client *http.Client) RouterOption {
	return func(r *Router) {
		if client != nil {
			r.client = client
		}
	}
}

// WithTimeout specifies how long a single attempt may take.
// DefaultTimeout is used by default.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics specifies where request metrics go.
func WithMetrics(m Metrics) RouterOption {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLogger specifies the logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter creates a router reading the role assignment from roles.
func NewRouter(roles *Roles, options ...RouterOption) *Router {
	r := &Router{
		roles:   roles,
		client:  &http.Client{},
		timeout: DefaultTimeout,
		metrics: nopMetrics{},
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Route executes req against the primary provider, then against the
// secondary if that fails. If both fail, the error is a *FailoverError.
func (r *Router) Route(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("provider: empty chat request")
	}
	// Both attempts use the same snapshot of the roles.
	primary, secondary := r.roles.Current()

	rsp, perr := r.call(ctx, primary, req)
	if perr == nil {
		return rsp, nil
	}
	r.metrics.CountError(ctx, primary.Name, errorKind(perr))
	r.logger.Warn("provider.route.fallback",
		"primary", primary.Name,
		"secondary", secondary.Name,
		"error", perr,
	)

	rsp, serr := r.call(ctx, secondary, req)
	if serr == nil {
		return rsp, nil
	}
	r.metrics.CountError(ctx, secondary.Name, errorKind(serr))

	err := &FailoverError{Causes: []Cause{
		{Provider: primary.Name, URL: primary.URL, Role: Primary, Err: perr},
		{Provider: secondary.Name, URL: secondary.URL, Role: Secondary, Err: serr},
	}}
	r.logger.Error("provider.route.failed", "error", err)
	return nil, err
}

// call makes a single attempt against p.
func (r *Router) call(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	raw, err := sendJSON(ctx, r.client, p, endpoint(p), encodeRequest(p, req), r.logger)
	if err != nil {
		return nil, err
	}
	rsp, err := decodeResponse(p, raw)
	if err != nil {
		return nil, err
	}
	rsp.Provider = p.Name
	if rsp.Model == "" {
		rsp.Model = req.Model
	}
	if rsp.Model == "" {
		rsp.Model = p.Model
	}
	rsp.Latency = time.Since(start)

	r.metrics.ObserveRequest(ctx, p.Name, rsp.Model, rsp.Latency, rsp.Usage)
	r.logger.Info("provider.route.ok",
		"provider", p.Name,
		"model", rsp.Model,
		"tokens", rsp.Usage.TotalTokens,
		"elapsed_ms", rsp.Latency.Milliseconds(),
	)
	return rsp, nil
}
