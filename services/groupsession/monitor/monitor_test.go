// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroupAHP/pkg/aggregation"
	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/consensus"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/observability"
)

func snapshot(ms ...ahp.Matrix) Snapshot {
	evals := make([]consensus.Evaluation, len(ms))
	for i, m := range ms {
		evals[i] = consensus.Evaluation{EvaluatorID: string(rune('a' + i)), Matrix: m}
	}
	return Snapshot{GroupID: "g1", NodeID: "root", Sequence: 7, Evaluations: evals}
}

// =============================================================================
// Engine Tests
// =============================================================================

func TestNewEngine_UnknownMethod(t *testing.T) {
	_, err := NewEngine(EngineConfig{Method: "median"})
	assert.ErrorIs(t, err, aggregation.ErrUnknownMethod)
}

func TestRecompute_IdenticalReachesConsensus(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e, err := NewEngine(EngineConfig{Method: aggregation.MethodAIJ, Metrics: metrics})
	require.NoError(t, err)

	m := ahp.Matrix{{1, 2, 4}, {0.5, 1, 2}, {0.25, 0.5, 1}}
	u, err := e.Recompute(context.Background(), snapshot(m, m.Clone()))
	require.NoError(t, err)

	assert.Equal(t, m, u.Aggregate.Matrix)
	assert.Equal(t, int64(7), u.Aggregate.Sequence)
	assert.Equal(t, "g1", u.Aggregate.GroupID)
	assert.Equal(t, 2, u.Aggregate.ParticipantCount)
	assert.Equal(t, 1.0, u.Metrics.KendallW)
	assert.True(t, u.ConsensusReached)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RecomputationsTotal.WithLabelValues("aij", "success")))

	msg := u.Message()
	assert.Equal(t, "aij", msg.Method)
	assert.Equal(t, u.Aggregate.Priorities, msg.Priorities)
}

func TestRecompute_DivergentBelowThreshold(t *testing.T) {
	e, err := NewEngine(EngineConfig{Method: aggregation.MethodAIP, ConsensusThreshold: 0.95})
	require.NoError(t, err)

	a, err := ahp.FromJudgments(3, []float64{9, 9, 9})
	require.NoError(t, err)
	b, err := ahp.FromJudgments(3, []float64{1.0 / 9, 1.0 / 9, 1.0 / 9})
	require.NoError(t, err)

	u, err := e.Recompute(context.Background(), snapshot(a, b))
	require.NoError(t, err)
	assert.False(t, u.ConsensusReached)
	assert.Equal(t, 0.0, u.Aggregate.ConsistencyRatio)
	assert.NotEmpty(t, u.Metrics.CriticalDisagreements)
}

func TestRecompute_Errors(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e, err := NewEngine(EngineConfig{Method: aggregation.MethodFuzzy, Metrics: metrics})
	require.NoError(t, err)

	_, err = e.Recompute(context.Background(), snapshot(ahp.Identity(2), ahp.Identity(3)))
	assert.ErrorIs(t, err, ahp.ErrDimensionMismatch)

	_, err = e.Recompute(context.Background(), snapshot())
	assert.ErrorIs(t, err, ahp.ErrNoParticipants)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Recompute(ctx, snapshot(ahp.Identity(2)))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.RecomputationsTotal.WithLabelValues("fuzzy", "error")))
}

// =============================================================================
// Publisher Tests
// =============================================================================

type sink struct {
	mu  sync.Mutex
	got []feedMessage
}

func (s *sink) Deliver(groupID string, env protocol.Envelope) {
	s.mu.Lock()
	s.got = append(s.got, feedMessage{GroupID: groupID, Envelope: env})
	s.mu.Unlock()
}

func (s *sink) messages() []feedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feedMessage(nil), s.got...)
}

func TestLocalPublisher(t *testing.T) {
	p := NewLocalPublisher()
	env, err := StatusEnvelope("g1", "completed")
	require.NoError(t, err)

	assert.ErrorIs(t, p.Publish(context.Background(), "g1", env), ErrNoDeliverer)

	s := &sink{}
	p.Attach(s)
	require.NoError(t, p.Publish(context.Background(), "g1", env))
	require.Len(t, s.got, 1)
	assert.Equal(t, protocol.TypeSessionStatus, s.got[0].Envelope.Type)

	var status protocol.SessionStatus
	require.NoError(t, s.got[0].Envelope.Decode(&status))
	assert.Equal(t, "completed", status.Status)
}

func TestDecodeFeed(t *testing.T) {
	env, err := ActivityEnvelope(protocol.ActivityJoined, "u1", "Uma", "", "")
	require.NoError(t, err)
	raw, err := json.Marshal(feedMessage{GroupID: "g1", Envelope: env})
	require.NoError(t, err)

	msg, err := decodeFeed(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "g1", msg.GroupID)
	assert.Equal(t, protocol.TypeActivity, msg.Envelope.Type)

	_, err = decodeFeed(`{"group_id":"g1","envelope":{"type":"bogus"}}`)
	assert.Error(t, err)
	_, err = decodeFeed(`not json`)
	assert.Error(t, err)
}

func TestNewRedisPublisher_Unreachable(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	}, nil)
	assert.Error(t, err)

	_, err = NewRedisPublisher(context.Background(), RedisConfig{}, nil)
	assert.Error(t, err)
}

func TestRedisPublisher_ForwardsAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := RedisConfig{Addr: mr.Addr(), Channel: "groupahp:test"}
	sender, err := NewRedisPublisher(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })
	receiver, err := NewRedisPublisher(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })

	assert.Error(t, receiver.StartForwarder(ctx, nil))

	s := &sink{}
	fwdCtx, stop := context.WithCancel(ctx)
	require.NoError(t, receiver.StartForwarder(fwdCtx, s))
	assert.Equal(t, 1, mr.PubSubNumSub(cfg.Channel)[cfg.Channel])

	env, err := StatusEnvelope("g7", "paused")
	require.NoError(t, err)
	require.NoError(t, sender.Publish(ctx, "g7", env.WithVersion(3)))
	mr.Publish(cfg.Channel, "not json")

	require.Eventually(t, func() bool { return len(s.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := s.messages()[0]
	assert.Equal(t, "g7", got.GroupID)
	assert.Equal(t, protocol.TypeSessionStatus, got.Envelope.Type)
	assert.Equal(t, int64(3), got.Envelope.VersionOrZero())
	var status protocol.SessionStatus
	require.NoError(t, got.Envelope.Decode(&status))
	assert.Equal(t, "paused", status.Status)

	stop()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(cfg.Channel)[cfg.Channel] == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.Publish(ctx, "g7", env))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.messages(), 1)
}
