// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregation merges the comparison matrices of several evaluators
// into one group judgment.
//
// # Description
//
// Three strategies are provided:
//
//   - AIJ: aggregate individual judgments (cell-wise weighted geometric
//     mean, then solve).
//   - AIP: aggregate individual priorities (solve each matrix, then average
//     the priority vectors and rebuild a consistent matrix).
//   - Fuzzy: represent each judgment as a triangular fuzzy number, take the
//     fuzzy geometric mean and defuzzify with the centroid formula.
//
// The strategy is chosen once, when a group is created, via New. Callers
// hold the resulting Aggregator and never switch on the method name again.
//
// # Thread Safety
//
// Aggregators are immutable values. Aggregate is a pure function of its
// inputs and may be called from any goroutine.
package aggregation

import (
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
)

// =============================================================================
// Method
// =============================================================================

// Method identifies an aggregation strategy.
type Method string

const (
	// MethodAIJ aggregates individual judgments.
	MethodAIJ Method = "aij"

	// MethodAIP aggregates individual priorities.
	MethodAIP Method = "aip"

	// MethodFuzzy aggregates triangular fuzzy judgments.
	MethodFuzzy Method = "fuzzy"
)

// ErrUnknownMethod is returned by New for a method outside the closed set.
var ErrUnknownMethod = errors.New("unknown aggregation method")

// Valid reports whether the method is one of the supported strategies.
func (m Method) Valid() bool {
	switch m {
	case MethodAIJ, MethodAIP, MethodFuzzy:
		return true
	default:
		return false
	}
}

// =============================================================================
// Aggregator
// =============================================================================

// Result is the uniform output of every strategy.
type Result struct {
	Matrix           ahp.Matrix `json:"matrix"`
	Priorities       []float64  `json:"priorities"`
	ConsistencyRatio float64    `json:"consistency_ratio"`
	IsConsistent     bool       `json:"is_consistent"`
	Method           Method     `json:"method"`
	ParticipantCount int        `json:"participant_count"`

	// ConsensusIndex is exp(-mean absolute log deviation) between the
	// individual inputs and the aggregate: 1 for identical inputs.
	ConsensusIndex float64 `json:"consensus_index"`
}

// Aggregator combines per-evaluator matrices into a group result.
type Aggregator interface {
	// Method returns the strategy this aggregator implements.
	Method() Method

	// Aggregate merges the matrices of the participating evaluators.
	//
	// weights may be nil or empty for uniform weighting; otherwise it must
	// hold one positive weight per matrix, in the same order.
	Aggregate(matrices []ahp.Matrix, weights []float64) (Result, error)
}

// Options tunes strategy construction.
type Options struct {
	// FuzzySpread is the half-width δ of the triangular fuzzy number built
	// around each crisp judgment. Default: 1.
	FuzzySpread float64
}

// New resolves a method into its Aggregator.
//
// # Inputs
//
//   - method: One of MethodAIJ, MethodAIP, MethodFuzzy.
//   - opts: Strategy options; zero values select defaults.
//
// # Outputs
//
//   - Aggregator: The strategy.
//   - error: ErrUnknownMethod (wrapped) for any other method.
//
// # Examples
//
//	agg, err := aggregation.New(aggregation.MethodAIJ, aggregation.Options{})
//	res, err := agg.Aggregate(matrices, nil)
func New(method Method, opts Options) (Aggregator, error) {
	switch method {
	case MethodAIJ:
		return AIJ{}, nil
	case MethodAIP:
		return AIP{}, nil
	case MethodFuzzy:
		spread := opts.FuzzySpread
		if spread <= 0 {
			spread = DefaultFuzzySpread
		}
		return Fuzzy{Spread: spread}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// =============================================================================
// Input Validation
// =============================================================================

// prepare validates the inputs shared by every strategy and returns weights
// normalized to sum 1.
func prepare(matrices []ahp.Matrix, weights []float64) ([]float64, error) {
	if len(matrices) == 0 {
		return nil, ahp.ErrNoParticipants
	}
	n := matrices[0].Size()
	for k, m := range matrices {
		if m.Size() != n {
			return nil, fmt.Errorf("%w: matrix %d has size %d, want %d", ahp.ErrDimensionMismatch, k, m.Size(), n)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("matrix %d: %w", k, err)
		}
	}
	return normalizeWeights(len(matrices), weights)
}

func normalizeWeights(count int, weights []float64) ([]float64, error) {
	out := make([]float64, count)
	if len(weights) == 0 {
		for i := range out {
			out[i] = 1 / float64(count)
		}
		return out, nil
	}
	if len(weights) != count {
		return nil, fmt.Errorf("%w: %d weights for %d matrices", ahp.ErrWeightCountMismatch, len(weights), count)
	}
	total := 0.0
	for i, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight %d is %v", ahp.ErrInvalidWeight, i, w)
		}
		total += w
	}
	for i, w := range weights {
		out[i] = w / total
	}
	return out, nil
}

// weightedGeometricMean returns ∏ x_k^w_k for weights summing to 1. When
// every value is identical that value is returned unchanged.
func weightedGeometricMean(values, weights []float64) float64 {
	same := true
	for _, v := range values[1:] {
		if v != values[0] {
			same = false
			break
		}
	}
	if same {
		return values[0]
	}
	logSum := 0.0
	for k, v := range values {
		logSum += weights[k] * math.Log(v)
	}
	return math.Exp(logSum)
}

// matrixConsensus is exp(-weighted mean |ln a_ij^k - ln g_ij|) over the
// strict upper triangle.
func matrixConsensus(matrices []ahp.Matrix, weights []float64, aggregate ahp.Matrix) float64 {
	n := aggregate.Size()
	cells := n * (n - 1) / 2
	if cells == 0 {
		return 1
	}
	deviation := 0.0
	for k, m := range matrices {
		sum := 0.0
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				sum += math.Abs(math.Log(m[i][j]) - math.Log(aggregate[i][j]))
			}
		}
		deviation += weights[k] * sum / float64(cells)
	}
	return math.Exp(-deviation)
}
