// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregation

import (
	"fmt"
	"math"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
)

// AIP aggregates individual priorities.
//
// # Description
//
// Each evaluator's matrix is solved on its own. The priority vectors are
// combined by weighted arithmetic mean, renormalized, and a perfectly
// consistent matrix m[i][j] = p_i/p_j is rebuilt from the result.
//
// # Limitations
//
// The reported consistency ratio is always 0. That is a property of the
// reconstruction, not a sign that the evaluators agreed; use
// ConsensusIndex or the consensus analyzer for agreement.
type AIP struct{}

// Method returns MethodAIP.
func (AIP) Method() Method { return MethodAIP }

// Aggregate implements Aggregator.
func (AIP) Aggregate(matrices []ahp.Matrix, weights []float64) (Result, error) {
	w, err := prepare(matrices, weights)
	if err != nil {
		return Result{}, err
	}
	n := matrices[0].Size()
	vectors := make([][]float64, len(matrices))
	group := make([]float64, n)
	for k, m := range matrices {
		solved, err := ahp.Solve(m)
		if err != nil {
			return Result{}, fmt.Errorf("matrix %d: %w", k, err)
		}
		vectors[k] = solved.Priorities
		for i, p := range solved.Priorities {
			group[i] += w[k] * p
		}
	}
	total := 0.0
	for _, p := range group {
		total += p
	}
	for i := range group {
		group[i] /= total
	}

	return Result{
		Matrix:           ahp.Reconstruct(group),
		Priorities:       group,
		ConsistencyRatio: 0,
		IsConsistent:     true,
		Method:           MethodAIP,
		ParticipantCount: len(matrices),
		ConsensusIndex:   vectorConsensus(vectors, w, group),
	}, nil
}

// vectorConsensus is exp(-weighted mean |ln p_i^k - ln g_i|).
func vectorConsensus(vectors [][]float64, weights []float64, group []float64) float64 {
	if len(group) == 0 {
		return 1
	}
	deviation := 0.0
	for k, v := range vectors {
		sum := 0.0
		for i, p := range v {
			sum += math.Abs(math.Log(p) - math.Log(group[i]))
		}
		deviation += weights[k] * sum / float64(len(group))
	}
	return math.Exp(-deviation)
}
