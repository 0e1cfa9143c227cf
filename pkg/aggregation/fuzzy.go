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

// DefaultFuzzySpread is the default half-width of a fuzzified judgment.
const DefaultFuzzySpread = 1.0

// scaleMax is the top of the Saaty scale; fuzzified upper bounds stop there.
const scaleMax = 9.0

// =============================================================================
// Triangular Fuzzy Numbers
// =============================================================================

// TFN is a triangular fuzzy number (L, M, U) with L <= M <= U.
type TFN struct {
	L float64 `json:"l"`
	M float64 `json:"m"`
	U float64 `json:"u"`
}

// Crisp returns the degenerate fuzzy number (x, x, x).
func Crisp(x float64) TFN {
	return TFN{L: x, M: x, U: x}
}

// Reciprocal returns (1/U, 1/M, 1/L).
func (t TFN) Reciprocal() TFN {
	return TFN{L: 1 / t.U, M: 1 / t.M, U: 1 / t.L}
}

// Valid reports whether the number is positive, finite and ordered.
func (t TFN) Valid() bool {
	for _, v := range []float64{t.L, t.M, t.U} {
		if !(v > 0) || math.IsInf(v, 0) {
			return false
		}
	}
	return t.L <= t.M && t.M <= t.U
}

// Defuzzify collapses a fuzzy number with the centroid formula
// (L + 4M + U) / 6. A degenerate number (x, x, x) returns exactly x.
func Defuzzify(t TFN) float64 {
	if t.L == t.M && t.M == t.U {
		return t.M
	}
	return (t.L + 4*t.M + t.U) / 6
}

// FuzzyMatrix is a comparison matrix of triangular fuzzy numbers.
type FuzzyMatrix [][]TFN

// Fuzzify turns a crisp comparison matrix into a fuzzy one.
//
// # Description
//
// Equal importance (x == 1) stays crisp. A judgment x > 1 becomes
// (max(1, x-δ), x, min(9, x+δ)); a judgment x < 1 becomes the reciprocal of
// the fuzzified 1/x. Only the upper triangle is fuzzified; every lower cell
// is the reciprocal fuzzy number of its mirror, and the diagonal is (1,1,1).
//
// # Inputs
//
//   - m: A valid comparison matrix.
//   - spread: δ, the half-width of the triangle. Must be > 0.
func Fuzzify(m ahp.Matrix, spread float64) FuzzyMatrix {
	n := m.Size()
	f := make(FuzzyMatrix, n)
	for i := range f {
		f[i] = make([]TFN, n)
		f[i][i] = Crisp(1)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			t := fuzzifyJudgment(m[i][j], spread)
			f[i][j] = t
			f[j][i] = t.Reciprocal()
		}
	}
	return f
}

func fuzzifyJudgment(x, spread float64) TFN {
	if x == 1 {
		return Crisp(1)
	}
	if x < 1 {
		return fuzzifyJudgment(1/x, spread).Reciprocal()
	}
	return TFN{
		L: math.Max(1, math.Min(x, x-spread)),
		M: x,
		U: math.Min(math.Max(x, scaleMax), x+spread),
	}
}

// =============================================================================
// Fuzzy Strategy
// =============================================================================

// Fuzzy aggregates judgments as triangular fuzzy numbers.
//
// # Description
//
// Crisp matrices are fuzzified with Spread, then every cell is aggregated
// by the weighted fuzzy geometric mean, component by component. The group
// matrix reported to callers is the centroid-defuzzified fuzzy matrix
// (upper triangle defuzzified, lower triangle reciprocal), which is solved
// for the consistency ratio. Priorities come from extent analysis: each
// row's fuzzy sum times the inverse of the grand fuzzy sum, defuzzified
// and normalized.
type Fuzzy struct {
	Spread float64
}

// Method returns MethodFuzzy.
func (Fuzzy) Method() Method { return MethodFuzzy }

// Aggregate implements Aggregator.
func (f Fuzzy) Aggregate(matrices []ahp.Matrix, weights []float64) (Result, error) {
	w, err := prepare(matrices, weights)
	if err != nil {
		return Result{}, err
	}
	spread := f.Spread
	if spread <= 0 {
		spread = DefaultFuzzySpread
	}
	fuzzy := make([]FuzzyMatrix, len(matrices))
	crisp := make([]ahp.Matrix, len(matrices))
	for k, m := range matrices {
		fuzzy[k] = Fuzzify(m, spread)
		crisp[k] = defuzzifyMatrix(fuzzy[k])
	}
	res, err := aggregateFuzzy(fuzzy, w)
	if err != nil {
		return Result{}, err
	}
	res.ConsensusIndex = matrixConsensus(crisp, w, res.Matrix)
	return res, nil
}

// AggregateFuzzy aggregates matrices that are already expressed as
// triangular fuzzy numbers.
//
// # Inputs
//
//   - matrices: Square fuzzy matrices of equal size, one per evaluator.
//     Diagonal cells must be (1,1,1) and every cell a valid TFN.
//   - weights: Optional evaluator weights, as for Aggregator.Aggregate.
//
// # Outputs
//
//   - Result: As for the crisp strategy. ConsensusIndex compares each
//     defuzzified input with the defuzzified aggregate.
//   - error: ErrNoParticipants, ErrDimensionMismatch, ErrInvalidMatrix,
//     ErrWeightCountMismatch or ErrInvalidWeight (wrapped).
func AggregateFuzzy(matrices []FuzzyMatrix, weights []float64) (Result, error) {
	if len(matrices) == 0 {
		return Result{}, ahp.ErrNoParticipants
	}
	n := len(matrices[0])
	crisp := make([]ahp.Matrix, len(matrices))
	for k, m := range matrices {
		if len(m) != n {
			return Result{}, fmt.Errorf("%w: matrix %d has size %d, want %d", ahp.ErrDimensionMismatch, k, len(m), n)
		}
		if err := validateFuzzy(m); err != nil {
			return Result{}, fmt.Errorf("matrix %d: %w", k, err)
		}
		crisp[k] = defuzzifyMatrix(m)
	}
	w, err := normalizeWeights(len(matrices), weights)
	if err != nil {
		return Result{}, err
	}
	res, err := aggregateFuzzy(matrices, w)
	if err != nil {
		return Result{}, err
	}
	res.ConsensusIndex = matrixConsensus(crisp, w, res.Matrix)
	return res, nil
}

func aggregateFuzzy(matrices []FuzzyMatrix, w []float64) (Result, error) {
	n := len(matrices[0])
	group := make(FuzzyMatrix, n)
	ls := make([]float64, len(matrices))
	ms := make([]float64, len(matrices))
	us := make([]float64, len(matrices))
	for i := 0; i < n; i++ {
		group[i] = make([]TFN, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k, m := range matrices {
				ls[k], ms[k], us[k] = m[i][j].L, m[i][j].M, m[i][j].U
			}
			group[i][j] = TFN{
				L: weightedGeometricMean(ls, w),
				M: weightedGeometricMean(ms, w),
				U: weightedGeometricMean(us, w),
			}
		}
	}

	crisp := defuzzifyMatrix(group)
	solved, err := ahp.Solve(crisp)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Matrix:           crisp,
		Priorities:       extentPriorities(group),
		ConsistencyRatio: solved.ConsistencyRatio,
		IsConsistent:     solved.IsConsistent(),
		Method:           MethodFuzzy,
		ParticipantCount: len(matrices),
	}, nil
}

// extentPriorities runs Chang's synthetic extent: S_i = Σ_j a_ij ⊗ (Σ_ij a_ij)^-1,
// then defuzzifies and normalizes every S_i.
func extentPriorities(m FuzzyMatrix) []float64 {
	n := len(m)
	rows := make([]TFN, n)
	var total TFN
	for i, row := range m {
		for _, t := range row {
			rows[i].L += t.L
			rows[i].M += t.M
			rows[i].U += t.U
		}
		total.L += rows[i].L
		total.M += rows[i].M
		total.U += rows[i].U
	}
	weights := make([]float64, n)
	sum := 0.0
	for i, r := range rows {
		s := TFN{L: r.L / total.U, M: r.M / total.M, U: r.U / total.L}
		weights[i] = Defuzzify(s)
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// defuzzifyMatrix defuzzifies the upper triangle and mirrors reciprocals.
func defuzzifyMatrix(m FuzzyMatrix) ahp.Matrix {
	n := len(m)
	out := ahp.Identity(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := Defuzzify(m[i][j])
			out[i][j] = v
			out[j][i] = 1 / v
		}
	}
	return out
}

func validateFuzzy(m FuzzyMatrix) error {
	n := len(m)
	if n == 0 {
		return fmt.Errorf("%w: empty matrix", ahp.ErrInvalidMatrix)
	}
	for i, row := range m {
		if len(row) != n {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ahp.ErrInvalidMatrix, i, len(row), n)
		}
		for j, t := range row {
			if !t.Valid() {
				return fmt.Errorf("%w: cell (%d,%d) is not a valid fuzzy number", ahp.ErrInvalidMatrix, i, j)
			}
		}
		if row[i] != Crisp(1) {
			return fmt.Errorf("%w: diagonal cell (%d,%d) must be (1,1,1)", ahp.ErrInvalidMatrix, i, i)
		}
	}
	return nil
}
