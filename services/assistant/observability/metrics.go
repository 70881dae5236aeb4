// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// assistant service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the streaming
// pipeline. Metrics include:
//   - Request counters (by endpoint, status, error type)
//   - Token usage and cost (by model)
//   - Stream duration histograms and active stream gauges
//   - Pipeline internals (classifier failures, batches, cancellations,
//     stall timeouts, transcript flushes)
//
// # Integration
//
// Metrics are exposed via /metrics. Use with Prometheus + Grafana for
// dashboards and alerting.
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
const metricsNamespace = "finsight"

// Subsystem for pipeline metrics
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for the streaming pipeline.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming turns
// end to end. Initialize once at startup via InitMetrics().
//
// # Fields
//
//   - RequestsTotal: Counter of streaming turns by endpoint and status
//   - TokensTotal: Counter of tokens processed (input/output by model)
//   - CostUSDTotal: Counter of estimated spend by model
//   - StreamDurationSeconds: Histogram of total turn duration
//   - ActiveStreams: Gauge of currently open turns
//   - ErrorsTotal: Counter of errors by type and endpoint
//   - KeepAlivesTotal: Counter of keep-alive frames sent
//   - ClientDisconnectsTotal: Counter of client disconnects mid-turn
//   - ClassifierFailuresTotal: Counter of classification failures by producer
//   - BatchesEmittedTotal: Counter of wire events emitted by kind
//   - CancellationsTotal: Counter of turns cancelled via stop signal
//   - StallTimeoutsTotal: Counter of turns killed by the stall cap
//   - TranscriptFlushesTotal: Counter of transcript flushes by reason
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	RequestsTotal           *prometheus.CounterVec
	TokensTotal             *prometheus.CounterVec
	CostUSDTotal            *prometheus.CounterVec
	StreamDurationSeconds   *prometheus.HistogramVec
	ActiveStreams           *prometheus.GaugeVec
	ErrorsTotal             *prometheus.CounterVec
	KeepAlivesTotal         *prometheus.CounterVec
	ClientDisconnectsTotal  *prometheus.CounterVec
	ClassifierFailuresTotal *prometheus.CounterVec
	BatchesEmittedTotal     *prometheus.CounterVec
	CancellationsTotal      prometheus.Counter
	StallTimeoutsTotal      prometheus.Counter
	TranscriptFlushesTotal  *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics initializes the default metrics instance against the global
// Prometheus registry.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at application
// startup; a second call panics on duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = NewPipelineMetrics(promauto.With(prometheus.DefaultRegisterer))
	return DefaultMetrics
}

// NewPipelineMetrics builds a metrics instance using the given factory.
// Tests pass promauto.With(prometheus.NewRegistry()) for isolation.
func NewPipelineMetrics(factory promauto.Factory) *PipelineMetrics {
	return &PipelineMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total streaming turns by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		CostUSDTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "cost_usd_total",
				Help:      "Estimated token spend in USD by model",
			},
			[]string{"model"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming turns",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "errors_total",
				Help:      "Total turn errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keep-alive frames sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during a turn",
			},
			[]string{"endpoint"},
		),

		ClassifierFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "classifier_failures_total",
				Help:      "Raw events that failed classification, by producer",
			},
			[]string{"producer"},
		),

		BatchesEmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "batches_emitted_total",
				Help:      "Client events emitted on the wire, by kind",
			},
			[]string{"kind"},
		),

		CancellationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "cancellations_total",
				Help:      "Turns cancelled via a stop signal",
			},
		),

		StallTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stall_timeouts_total",
				Help:      "Turns terminated by the stall cap",
			},
		),

		TranscriptFlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "transcript_flushes_total",
				Help:      "Transcript flushes by terminal reason",
			},
			[]string{"reason"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeExecutor indicates the agent executor failed.
	ErrorCodeExecutor ErrorCode = "executor_error"

	// ErrorCodeTimeout indicates the stall cap was hit.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeStore indicates a durable-store write failure.
	ErrorCodeStore ErrorCode = "store_error"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client went away.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointQueryStream is the query streaming endpoint.
	EndpointQueryStream Endpoint = "query_stream"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed streaming turn.
func (m *PipelineMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a turn error.
func (m *PipelineMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage for one model.
func (m *PipelineMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordCost records estimated spend for one model.
func (m *PipelineMetrics) RecordCost(model string, usd float64) {
	m.CostUSDTotal.WithLabelValues(model).Add(usd)
}

// StreamStarted increments the active streams gauge.
func (m *PipelineMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *PipelineMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordStreamDuration records total turn duration.
func (m *PipelineMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive increments the keep-alive counter.
func (m *PipelineMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *PipelineMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClassifierFailure counts a raw event that failed classification.
func (m *PipelineMetrics) RecordClassifierFailure(producer string) {
	m.ClassifierFailuresTotal.WithLabelValues(producer).Inc()
}

// RecordBatchEmitted counts one wire event by kind.
func (m *PipelineMetrics) RecordBatchEmitted(kind string) {
	m.BatchesEmittedTotal.WithLabelValues(kind).Inc()
}

// RecordCancellation counts a turn cancelled via a stop signal.
func (m *PipelineMetrics) RecordCancellation() {
	m.CancellationsTotal.Inc()
}

// RecordStallTimeout counts a turn terminated by the stall cap.
func (m *PipelineMetrics) RecordStallTimeout() {
	m.StallTimeoutsTotal.Inc()
}

// RecordTranscriptFlush counts a transcript flush by reason.
func (m *PipelineMetrics) RecordTranscriptFlush(reason string) {
	m.TranscriptFlushesTotal.WithLabelValues(reason).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
