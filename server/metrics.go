// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// meterName is the instrumentation scope of HTTP metrics.
const meterName = "github.com/olivere/jobdispatch/server"

// NewPrometheus creates a MeterProvider whose metrics are served by the
// returned handler in the Prometheus text format. Mount the handler with
// WithMetricsHandler and call Shutdown on the provider when done.
func NewPrometheus() (*sdkmetric.MeterProvider, http.Handler, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// httpMetrics counts requests by method, route, and status.
type httpMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newHTTPMetrics(mp metric.MeterProvider) *httpMetrics {
	meter := mp.Meter(meterName)
	// On error, the API returns noop instruments.
	requests, _ := meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	duration, _ := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
	)
	return &httpMetrics{requests: requests, duration: duration}
}

func (m *httpMetrics) observe(r *http.Request, status int, seconds float64) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	ctx := r.Context()
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
	m.duration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("route", route),
	))
}
