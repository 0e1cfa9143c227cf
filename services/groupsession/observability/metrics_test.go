// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestMetrics_Connections(t *testing.T) {
	m := newTestMetrics(t)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed("client")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClosesTotal.WithLabelValues("client")))
}

func TestMetrics_Traffic(t *testing.T) {
	m := newTestMetrics(t)

	m.MessageReceived("evaluation_submit")
	m.MessageReceived("evaluation_submit")
	m.Acked()
	m.Rejected("version_conflict")
	m.FrameDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("evaluation_submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("version_conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedFramesTotal))
}

func TestMetrics_Recomputed(t *testing.T) {
	m := newTestMetrics(t)

	m.Recomputed("aij", "success", 2*time.Millisecond)
	m.Recomputed("aij", "stale", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecomputationsTotal.WithLabelValues("aij", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecomputationsTotal.WithLabelValues("aij", "stale")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RecomputeDurationSeconds))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed("client")
		m.RoomOpened()
		m.RoomClosed()
		m.MessageReceived("heartbeat")
		m.Acked()
		m.Rejected("internal")
		m.FrameDropped()
		m.Recomputed("aip", "error", time.Second)
	})
}

func TestInitMetrics_Idempotent(t *testing.T) {
	first := InitMetrics()
	require.NotNil(t, first)
	assert.Same(t, first, InitMetrics())
	assert.Same(t, first, DefaultMetrics)
}
