// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat core.
//
// # Description
//
// Metrics cover the streaming turn pipeline and the finalize/billing
// path:
//   - Turn counters (by feature and status)
//   - Latency histograms (time to first chunk, total turn duration)
//   - Active stream gauges and disconnect counters
//   - Finalize outcomes and usage debits
//
// # Integration
//
// Exposed via the /metrics endpoint for Prometheus scraping.
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
const metricsNamespace = "medpalm"

// Subsystem for turn pipeline metrics
const turnSubsystem = "chatcore"

// TurnMetrics holds all Prometheus metrics for the turn pipeline.
//
// Initialize once at startup via InitMetrics().
type TurnMetrics struct {
	// TurnsTotal counts streaming turns by feature and status.
	// Labels: feature (assistant, clinical-sim, thesis), status (success, error)
	TurnsTotal *prometheus.CounterVec

	// ChunksTotal counts relayed chunks by feature.
	ChunksTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency to the first relayed chunk.
	// Labels: feature
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// TurnDurationSeconds measures total turn duration.
	// Labels: feature, status
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	// Labels: feature
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts turn errors by feature and code.
	// Labels: feature, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: feature
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: feature
	ClientDisconnectsTotal *prometheus.CounterVec

	// FinalizesTotal counts finalize calls by outcome.
	// Labels: outcome (applied, conflict, error)
	FinalizesTotal *prometheus.CounterVec

	// DebitsTotal counts usage debits committed.
	DebitsTotal prometheus.Counter

	// BillingAnomaliesTotal counts debits that drove a balance negative.
	BillingAnomaliesTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of TurnMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *TurnMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *TurnMetrics {
	DefaultMetrics = &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "turns_total",
				Help:      "Total streaming turns by feature and status",
			},
			[]string{"feature", "status"},
		),

		ChunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "chunks_total",
				Help:      "Total relayed chunks by feature",
			},
			[]string{"feature"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from turn start to first relayed chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"feature"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"feature", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
			[]string{"feature"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "errors_total",
				Help:      "Total turn errors by feature and code",
			},
			[]string{"feature", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"feature"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"feature"},
		),

		FinalizesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "finalizes_total",
				Help:      "Total finalize calls by outcome",
			},
			[]string{"outcome"},
		),

		DebitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "debits_total",
				Help:      "Total usage debits committed",
			},
		),

		BillingAnomaliesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "billing_anomalies_total",
				Help:      "Total debits that drove a balance negative",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeQuota indicates an authorization rejection (credits or
	// subscription).
	ErrorCodeQuota ErrorCode = "quota"

	// ErrorCodeProvider indicates an upstream generation failure.
	ErrorCodeProvider ErrorCode = "provider"

	// ErrorCodeStorage indicates a persistence failure.
	ErrorCodeStorage ErrorCode = "storage"

	// ErrorCodeClientDisconnect indicates the client went away mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed streaming turn.
func (m *TurnMetrics) RecordTurn(feature string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.TurnsTotal.WithLabelValues(feature, status).Inc()
}

// RecordChunk increments the relayed chunk counter.
func (m *TurnMetrics) RecordChunk(feature string) {
	m.ChunksTotal.WithLabelValues(feature).Inc()
}

// RecordError records a turn error.
func (m *TurnMetrics) RecordError(feature string, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(feature, string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *TurnMetrics) StreamStarted(feature string) {
	m.ActiveStreams.WithLabelValues(feature).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *TurnMetrics) StreamEnded(feature string) {
	m.ActiveStreams.WithLabelValues(feature).Dec()
}

// RecordTimeToFirstChunk records first-chunk latency.
func (m *TurnMetrics) RecordTimeToFirstChunk(feature string, seconds float64) {
	m.TimeToFirstChunkSeconds.WithLabelValues(feature).Observe(seconds)
}

// RecordTurnDuration records total turn duration.
func (m *TurnMetrics) RecordTurnDuration(feature string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.TurnDurationSeconds.WithLabelValues(feature, status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *TurnMetrics) RecordKeepAlive(feature string) {
	m.KeepAlivesTotal.WithLabelValues(feature).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *TurnMetrics) RecordClientDisconnect(feature string) {
	m.ClientDisconnectsTotal.WithLabelValues(feature).Inc()
}

// RecordFinalize records a finalize call outcome.
// Outcome is "applied", "conflict", or "error".
func (m *TurnMetrics) RecordFinalize(outcome string) {
	m.FinalizesTotal.WithLabelValues(outcome).Inc()
}

// RecordDebit records a committed usage debit, flagging anomalies
// where the balance went negative.
func (m *TurnMetrics) RecordDebit(balanceAfter int64) {
	m.DebitsTotal.Inc()
	if balanceAfter < 0 {
		m.BillingAnomaliesTotal.Inc()
	}
}
