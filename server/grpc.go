// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/olivere/jobdispatch"
)

// HealthService is the name under which the readiness of the dispatcher
// is published, in addition to the overall "" service.
const HealthService = "jobdispatch"

// HealthChecker returns a health report. It is implemented by
// *jobdispatch.Manager.
type HealthChecker interface {
	Health(ctx context.Context) (*jobdispatch.HealthReport, error)
}

// HealthPublisher mirrors the readiness of the manager into a gRPC
// health server: SERVING while at least one provider is healthy,
// NOT_SERVING otherwise.
type HealthPublisher struct {
	checker  HealthChecker
	hs       *health.Server
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthPublisher creates a HealthPublisher that updates hs every
// interval.
func NewHealthPublisher(checker HealthChecker, hs *health.Server, interval time.Duration, logger *slog.Logger) *HealthPublisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthPublisher{checker: checker, hs: hs, interval: interval, logger: logger}
}

// Update publishes the current readiness and returns it.
func (p *HealthPublisher) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	report, err := p.checker.Health(ctx)
	if err != nil {
		p.logger.Warn("server.grpc_health.failed", "err", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else if report.Status != jobdispatch.StatusHealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	p.hs.SetServingStatus("", status)
	p.hs.SetServingStatus(HealthService, status)
	return status
}

// Run updates the health server until ctx is done, then marks it as
// shutting down.
func (p *HealthPublisher) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	p.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			p.hs.Shutdown()
			return nil
		case <-t.C:
			p.Update(ctx)
		}
	}
}
