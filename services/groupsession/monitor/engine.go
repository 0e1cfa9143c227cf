// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor recomputes group results and publishes the group
// monitoring feed.
//
// An Engine is resolved once per group from its aggregation method and
// turns a captured Snapshot of submitted matrices into an Update: the
// aggregated matrix plus the consensus metrics. Publishers carry feed
// envelopes to the connected members, either in process or through Redis
// for multi-instance deployments.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/GroupAHP/pkg/aggregation"
	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/consensus"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
	"github.com/AleutianAI/GroupAHP/services/groupsession/observability"
)

var tracer = otel.Tracer("groupahp.monitor")

// Snapshot is the input of one recomputation, captured by the room actor
// so that workers never read live state.
type Snapshot struct {
	GroupID  string
	NodeID   string
	Sequence int64

	// Evaluations and Weights are parallel: one weight per evaluation.
	Evaluations []consensus.Evaluation
	Weights     []float64
}

// Update is the result of a recomputation.
type Update struct {
	Aggregate        group.AggregatedMatrix
	Metrics          consensus.Metrics
	ConsensusReached bool
}

// Message converts the update into its consensus_update payload.
func (u Update) Message() protocol.ConsensusUpdate {
	a := u.Aggregate
	return protocol.ConsensusUpdate{
		GroupID:          a.GroupID,
		NodeID:           a.NodeID,
		Method:           string(a.Method),
		Matrix:           a.Matrix,
		Priorities:       a.Priorities,
		ConsistencyRatio: a.ConsistencyRatio,
		IsConsistent:     a.IsConsistent,
		ConsensusIndex:   a.ConsensusIndex,
		ParticipantCount: a.ParticipantCount,
		Sequence:         a.Sequence,
		ComputedAt:       a.ComputedAt,
		ConsensusReached: u.ConsensusReached,
		Metrics:          u.Metrics,
	}
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Method             aggregation.Method
	Options            aggregation.Options
	Consensus          consensus.Config
	ConsensusThreshold float64
	Metrics            *observability.Metrics
	Logger             *slog.Logger
}

// Engine runs the aggregation engine and the consensus analyzer.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state.
type Engine struct {
	aggregator aggregation.Aggregator
	analyzer   *consensus.Analyzer
	threshold  float64
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewEngine resolves the aggregation strategy.
//
// # Outputs
//
//   - *Engine: Ready engine.
//   - error: aggregation.ErrUnknownMethod (wrapped).
func NewEngine(cfg EngineConfig) (*Engine, error) {
	agg, err := aggregation.New(cfg.Method, cfg.Options)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ConsensusThreshold
	if threshold <= 0 {
		threshold = group.DefaultConsensusThreshold
	}
	return &Engine{
		aggregator: agg,
		analyzer:   consensus.NewAnalyzer(cfg.Consensus),
		threshold:  threshold,
		metrics:    cfg.Metrics,
		logger:     logger.With("method", string(agg.Method())),
	}, nil
}

// Method returns the resolved aggregation method.
func (e *Engine) Method() aggregation.Method {
	return e.aggregator.Method()
}

// Threshold returns the consensus index a node must reach.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Recompute aggregates the snapshot and analyzes consensus.
//
// # Description
//
// Consensus is reached when the aggregate's consensus index is at least the
// group threshold. The snapshot's Sequence is carried to the result so the
// caller can discard results overtaken by newer submissions.
//
// # Outputs
//
//   - Update: The new aggregate and metrics.
//   - error: Any input error of the aggregation engine or analyzer,
//     or ctx.Err().
func (e *Engine) Recompute(ctx context.Context, snap Snapshot) (Update, error) {
	ctx, span := tracer.Start(ctx, "monitor.Recompute",
		trace.WithAttributes(
			attribute.String("group.id", snap.GroupID),
			attribute.String("node.id", snap.NodeID),
			attribute.String("aggregation.method", string(e.Method())),
			attribute.Int("evaluators.count", len(snap.Evaluations)),
			attribute.Int64("sequence", snap.Sequence),
		),
	)
	defer span.End()

	start := time.Now()
	update, err := e.recompute(ctx, snap)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Recomputed(string(e.Method()), "error", elapsed)
		e.logger.Warn("recompute failed",
			"group_id", snap.GroupID, "node_id", snap.NodeID, "error", err)
		return Update{}, err
	}
	span.SetAttributes(
		attribute.Float64("consensus.index", update.Aggregate.ConsensusIndex),
		attribute.Bool("consensus.reached", update.ConsensusReached),
	)
	e.metrics.Recomputed(string(e.Method()), "success", elapsed)
	return update, nil
}

func (e *Engine) recompute(ctx context.Context, snap Snapshot) (Update, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, err
	}
	matrices := make([]ahp.Matrix, len(snap.Evaluations))
	for i, ev := range snap.Evaluations {
		matrices[i] = ev.Matrix
	}
	res, err := e.aggregator.Aggregate(matrices, snap.Weights)
	if err != nil {
		return Update{}, fmt.Errorf("aggregate %s/%s: %w", snap.GroupID, snap.NodeID, err)
	}
	metrics, err := e.analyzer.Analyze(snap.Evaluations, res.Matrix)
	if err != nil {
		return Update{}, fmt.Errorf("analyze %s/%s: %w", snap.GroupID, snap.NodeID, err)
	}
	return Update{
		Aggregate:        group.FromResult(snap.GroupID, snap.NodeID, snap.Sequence, res),
		Metrics:          metrics,
		ConsensusReached: res.ConsensusIndex >= e.threshold,
	}, nil
}
