// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package provider

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of provider metrics.
const MeterName = "github.com/olivere/jobdispatch/provider"

// Metrics receives the outcome of every provider attempt. Successful
// requests are tagged with the provider that actually served them.
type Metrics interface {
	ObserveRequest(ctx context.Context, provider, model string, latency time.Duration, usage Usage)
	CountError(ctx context.Context, provider, kind string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(context.Context, string, string, time.Duration, Usage) {}
func (nopMetrics) CountError(context.Context, string, string)                          {}

// OTelMetrics records provider metrics with OpenTelemetry.
//
// Instruments:
//   - provider.request.duration (Float64Histogram): seconds, by provider and model
//   - provider.tokens (Int64Counter): by provider and type ("prompt" or "completion")
//   - provider.errors (Int64Counter): by provider and kind
type OTelMetrics struct {
	duration metric.Float64Histogram
	tokens   metric.Int64Counter
	errors   metric.Int64Counter
}

// NewOTelMetrics uses the global MeterProvider.
func NewOTelMetrics() *OTelMetrics {
	return NewOTelMetricsWithMeter(otel.Meter(MeterName))
}

// NewOTelMetricsWithMeter uses the given meter.
func NewOTelMetricsWithMeter(meter metric.Meter) *OTelMetrics {
	// On error, the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"provider.request.duration",
		metric.WithDescription("Duration of successful provider requests in seconds"),
		metric.WithUnit("s"),
	)
	tokens, _ := meter.Int64Counter(
		"provider.tokens",
		metric.WithDescription("Number of tokens processed by providers"),
		metric.WithUnit("{token}"),
	)
	errs, _ := meter.Int64Counter(
		"provider.errors",
		metric.WithDescription("Number of failed provider attempts"),
		metric.WithUnit("{error}"),
	)
	return &OTelMetrics{duration: duration, tokens: tokens, errors: errs}
}

// ObserveRequest implements Metrics.
func (m *OTelMetrics) ObserveRequest(ctx context.Context, provider, model string, latency time.Duration, usage Usage) {
	m.duration.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
	if usage.PromptTokens > 0 {
		m.tokens.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("type", "prompt"),
		))
	}
	if usage.CompletionTokens > 0 {
		m.tokens.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("type", "completion"),
		))
	}
}

// CountError implements Metrics.
func (m *OTelMetrics) CountError(ctx context.Context, provider, kind string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// Counters keeps provider metrics in memory. Pair it with OTelMetrics via
// Tee and report the counts with Roles.WithCounters.
type Counters struct {
	mu       sync.Mutex
	requests map[string]int
	tokens   map[string]int
	errors   map[string]int
}

// NewCounters creates empty counters.
func NewCounters() *Counters {
	return &Counters{
		requests: make(map[string]int),
		tokens:   make(map[string]int),
		errors:   make(map[string]int),
	}
}

// ObserveRequest implements Metrics.
func (c *Counters) ObserveRequest(ctx context.Context, provider, model string, latency time.Duration, usage Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[provider]++
	c.tokens[provider] += usage.PromptTokens + usage.CompletionTokens
}

// CountError implements Metrics.
func (c *Counters) CountError(ctx context.Context, provider, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[provider]++
}

// Requests returns the number of requests served by provider.
func (c *Counters) Requests(provider string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[provider]
}

// Tokens returns the number of tokens processed by provider.
func (c *Counters) Tokens(provider string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[provider]
}

// Errors returns the number of failed attempts against provider.
func (c *Counters) Errors(provider string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors[provider]
}

// Tee sends metrics to all of the given sinks.
func Tee(sinks ...Metrics) Metrics {
	return tee(sinks)
}

type tee []Metrics

func (t tee) ObserveRequest(ctx context.Context, provider, model string, latency time.Duration, usage Usage) {
	for _, m := range t {
		m.ObserveRequest(ctx, provider, model, latency, usage)
	}
}

func (t tee) CountError(ctx context.Context, provider, kind string) {
	for _, m := range t {
		m.CountError(ctx, provider, kind)
	}
}
