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
	"github.com/AleutianAI/GroupAHP/pkg/ahp"
)

// AIJ aggregates individual judgments.
//
// # Description
//
// Every upper-triangle cell of the group matrix is the weighted geometric
// mean of that cell across evaluators, ∏ a_ij^(w_k/Σw). The lower triangle
// is the exact reciprocal and the diagonal is 1, so the result is a valid
// comparison matrix. The group matrix is then solved for priorities and CR.
type AIJ struct{}

// Method returns MethodAIJ.
func (AIJ) Method() Method { return MethodAIJ }

// Aggregate implements Aggregator.
func (AIJ) Aggregate(matrices []ahp.Matrix, weights []float64) (Result, error) {
	w, err := prepare(matrices, weights)
	if err != nil {
		return Result{}, err
	}
	n := matrices[0].Size()
	group := ahp.Identity(n)
	cell := make([]float64, len(matrices))
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k, m := range matrices {
				cell[k] = m[i][j]
			}
			g := weightedGeometricMean(cell, w)
			group[i][j] = g
			group[j][i] = 1 / g
		}
	}

	solved, err := ahp.Solve(group)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Matrix:           group,
		Priorities:       solved.Priorities,
		ConsistencyRatio: solved.ConsistencyRatio,
		IsConsistent:     solved.IsConsistent(),
		Method:           MethodAIJ,
		ParticipantCount: len(matrices),
		ConsensusIndex:   matrixConsensus(matrices, w, group),
	}, nil
}
