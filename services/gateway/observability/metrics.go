// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the full request path: chat requests and streams, the
// context builder and its degradations, the async memory pipeline, rate
// limiting, and usage accounting. Everything is exposed on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

const (
	gatewaySubsystem   = "gateway"
	contextSubsystem   = "context"
	memorySubsystem    = "memory"
	ratelimitSubsystem = "ratelimit"
	usageSubsystem     = "usage"
)

// GatewayMetrics holds all Prometheus metrics for the gateway.
//
// Initialize once at startup via InitMetrics(); call sites read the
// DefaultMetrics singleton and must tolerate it being nil in tests.
type GatewayMetrics struct {
	// RequestsTotal counts API requests by endpoint and status.
	// Labels: endpoint (chat, chat_stream, embeddings, knowledge, jobs), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output, context), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first streamed token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	// Labels: endpoint (sse, websocket)
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and taxonomy type.
	// Labels: endpoint, error_type (invalid_request, rate_limited, ...)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent on open streams.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// ContextBuildSeconds measures context assembly latency.
	// Labels: fallback (none, state_only, empty)
	ContextBuildSeconds *prometheus.HistogramVec

	// ContextDegradedTotal counts degraded context builds.
	// Labels: fallback (state_only, empty)
	ContextDegradedTotal *prometheus.CounterVec

	// ContextItemsPacked measures how many items each build selected.
	ContextItemsPacked prometheus.Histogram

	// MemoryEnqueuedTotal counts exchanges accepted by the memory queue.
	MemoryEnqueuedTotal prometheus.Counter

	// MemoryDroppedTotal counts exchanges dropped instead of queued.
	// Labels: reason (queue_full, shutdown)
	MemoryDroppedTotal *prometheus.CounterVec

	// MemoryProcessedTotal counts pipeline completions.
	// Labels: status (success, error, timeout, duplicate)
	MemoryProcessedTotal *prometheus.CounterVec

	// RateLimitRejectedTotal counts requests rejected with 429.
	// Labels: tier (chat, jobs)
	RateLimitRejectedTotal *prometheus.CounterVec

	// RateLimitFallbackTotal counts windows served by the local limiter
	// while Redis is unreachable.
	RateLimitFallbackTotal prometheus.Counter

	// UsageRecordsTotal counts usage rows by outcome.
	// Labels: status (written, duplicate, error)
	UsageRecordsTotal *prometheus.CounterVec

	// EmbedCacheTotal counts embedding cache lookups.
	// Labels: result (hit, miss)
	EmbedCacheTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of GatewayMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GatewayMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics on the default registry.
// Call once at application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics registers all gateway metrics on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *GatewayMetrics {
	factory := promauto.With(reg)

	return &GatewayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and taxonomy type",
			},
			[]string{"endpoint", "error_type"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		ContextBuildSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: contextSubsystem,
				Name:      "build_seconds",
				Help:      "Context assembly latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"fallback"},
		),

		ContextDegradedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: contextSubsystem,
				Name:      "degraded_total",
				Help:      "Context builds that fell back to a reduced mode",
			},
			[]string{"fallback"},
		),

		ContextItemsPacked: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: contextSubsystem,
				Name:      "items_packed",
				Help:      "Number of knowledge items packed per context",
				Buckets:   []float64{0, 1, 2, 4, 6, 8, 12, 16, 24, 40},
			},
		),

		MemoryEnqueuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: memorySubsystem,
				Name:      "enqueued_total",
				Help:      "Exchanges accepted by the memory queue",
			},
		),

		MemoryDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: memorySubsystem,
				Name:      "dropped_total",
				Help:      "Exchanges dropped instead of queued",
			},
			[]string{"reason"},
		),

		MemoryProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: memorySubsystem,
				Name:      "processed_total",
				Help:      "Memory pipeline completions by status",
			},
			[]string{"status"},
		),

		RateLimitRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ratelimitSubsystem,
				Name:      "rejected_total",
				Help:      "Requests rejected with 429 by tier",
			},
			[]string{"tier"},
		),

		RateLimitFallbackTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ratelimitSubsystem,
				Name:      "fallback_total",
				Help:      "Rate limit decisions served by the local limiter while Redis is unreachable",
			},
		),

		UsageRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: usageSubsystem,
				Name:      "records_total",
				Help:      "Usage rows by write outcome",
			},
			[]string{"status"},
		),

		EmbedCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "embed_cache_total",
				Help:      "Embedding cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed API request.
func (m *GatewayMetrics) RecordRequest(endpoint string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordError records an error by taxonomy type.
func (m *GatewayMetrics) RecordError(endpoint, errorType string) {
	m.ErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordTokens records token usage for one request.
func (m *GatewayMetrics) RecordTokens(inputTokens, outputTokens, contextTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
	m.TokensTotal.WithLabelValues("context", model).Add(float64(contextTokens))
}

// StreamStarted increments the active streams gauge.
func (m *GatewayMetrics) StreamStarted(endpoint string) {
	m.ActiveStreams.WithLabelValues(endpoint).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *GatewayMetrics) StreamEnded(endpoint string) {
	m.ActiveStreams.WithLabelValues(endpoint).Dec()
}

// RecordTimeToFirstToken records streamed first-token latency.
func (m *GatewayMetrics) RecordTimeToFirstToken(endpoint string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(endpoint).Observe(seconds)
}

// RecordStreamDuration records total stream duration.
func (m *GatewayMetrics) RecordStreamDuration(endpoint string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(endpoint, status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *GatewayMetrics) RecordKeepAlive(endpoint string) {
	m.KeepAlivesTotal.WithLabelValues(endpoint).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *GatewayMetrics) RecordClientDisconnect(endpoint string) {
	m.ClientDisconnectsTotal.WithLabelValues(endpoint).Inc()
}

// RecordContextBuild records one context assembly.
//
// fallback is "none" for a full build, "state_only" or "empty" for a
// degraded one. Degraded builds also bump the degradation counter.
func (m *GatewayMetrics) RecordContextBuild(fallback string, seconds float64, items int) {
	m.ContextBuildSeconds.WithLabelValues(fallback).Observe(seconds)
	m.ContextItemsPacked.Observe(float64(items))
	if fallback != "none" {
		m.ContextDegradedTotal.WithLabelValues(fallback).Inc()
	}
}

// RecordMemoryDrop counts one dropped exchange.
func (m *GatewayMetrics) RecordMemoryDrop(reason string) {
	m.MemoryDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordMemoryProcessed counts one pipeline completion.
func (m *GatewayMetrics) RecordMemoryProcessed(status string) {
	m.MemoryProcessedTotal.WithLabelValues(status).Inc()
}

// RecordRateLimitRejection counts one 429 by tier.
func (m *GatewayMetrics) RecordRateLimitRejection(tier string) {
	m.RateLimitRejectedTotal.WithLabelValues(tier).Inc()
}

// RecordUsageRecord counts one usage row outcome.
func (m *GatewayMetrics) RecordUsageRecord(status string) {
	m.UsageRecordsTotal.WithLabelValues(status).Inc()
}

// RecordEmbedCache counts one cache lookup.
func (m *GatewayMetrics) RecordEmbedCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EmbedCacheTotal.WithLabelValues(result).Inc()
}
