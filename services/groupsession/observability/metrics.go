// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the group session
// service.
//
// # Description
//
// Metrics cover the collaboration traffic and the recompute pipeline:
//   - Connection gauges and close reasons
//   - Inbound messages by type, ACKs, and rejections by error code
//   - Recompute latency and outcome by aggregation method
//   - Outbound frames dropped on slow consumers
//
// # Integration
//
// Metrics are exposed via /metrics. All helpers are nil-safe so components
// can run without metrics in tests.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "groupahp"

const (
	collabSubsystem    = "collab"
	aggregateSubsystem = "aggregate"
)

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	// ActiveConnections tracks open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// ActiveRooms tracks groups with a running room actor.
	ActiveRooms prometheus.Gauge

	// MessagesTotal counts inbound frames.
	// Labels: type
	MessagesTotal *prometheus.CounterVec

	// AcksTotal counts ACKs sent for applied writes.
	AcksTotal prometheus.Counter

	// RejectionsTotal counts error frames sent.
	// Labels: code (invalid_matrix, version_conflict, ...)
	RejectionsTotal *prometheus.CounterVec

	// ClosesTotal counts connection closes.
	// Labels: reason (client, read_error, session_ended, shutdown, removed)
	ClosesTotal *prometheus.CounterVec

	// DroppedFramesTotal counts outbound frames dropped because the
	// client buffer was full.
	DroppedFramesTotal prometheus.Counter

	// RecomputeDurationSeconds measures aggregation plus consensus analysis.
	// Labels: method
	RecomputeDurationSeconds *prometheus.HistogramVec

	// RecomputationsTotal counts recomputations by outcome.
	// Labels: method, status (success, error, stale)
	RecomputationsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance set by InitMetrics.
var (
	DefaultMetrics *Metrics
	initOnce       sync.Once
)

// InitMetrics registers the collectors with the default Prometheus
// registry once and returns DefaultMetrics. Later calls return the same
// instance.
func InitMetrics() *Metrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: collabSubsystem,
			Name:      "active_connections",
			Help:      "Number of open collaboration connections",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: collabSubsystem,
			Name:      "active_rooms",
			Help:      "Number of groups with a running room",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: collabSubsystem,
			Name:      "messages_total",
			Help:      "Inbound collaboration frames by type",
		}, []string{"type"}),
		AcksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: collabSubsystem,
			Name:      "acks_total",
			Help:      "Acknowledged writes",
		}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: collabSubsystem,
			Name:      "rejections_total",
			Help:      "Rejected frames by error code",
		}, []string{"code"}),
		ClosesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: collabSubsystem,
			Name:      "closes_total",
			Help:      "Connection closes by reason",
		}, []string{"reason"}),
		DroppedFramesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: collabSubsystem,
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped on a full client buffer",
		}),
		RecomputeDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregateSubsystem,
			Name:      "recompute_duration_seconds",
			Help:      "Aggregation and consensus analysis latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
		RecomputationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregateSubsystem,
			Name:      "recomputations_total",
			Help:      "Recomputations by method and outcome",
		}, []string{"method", "status"}),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the gauge and counts the reason.
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.ClosesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.ActiveRooms.Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.ActiveRooms.Dec()
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Acked() {
	if m == nil {
		return
	}
	m.AcksTotal.Inc()
}

func (m *Metrics) Rejected(code string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.DroppedFramesTotal.Inc()
}

// Recomputed records one recomputation. The duration is observed only for
// success and error outcomes.
func (m *Metrics) Recomputed(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RecomputationsTotal.WithLabelValues(method, status).Inc()
	if status != "stale" {
		m.RecomputeDurationSeconds.WithLabelValues(method).Observe(d.Seconds())
	}
}
