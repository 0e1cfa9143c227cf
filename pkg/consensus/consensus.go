// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consensus measures how much a group of evaluators agree.
//
// # Description
//
// The Analyzer looks at the raw per-evaluator comparison matrices, not only
// at the aggregate, and derives:
//
//   - OverallConsensus: an entropy score over the log-judgments of every
//     element pair, normalized to [0, 1].
//   - KendallW: concordance of the priority rankings.
//   - Disagreement: the k×k matrix of mean absolute log-ratios between
//     evaluators.
//   - CriticalDisagreements: evaluator pairs above a configurable threshold.
//
// # Thread Safety
//
// An Analyzer is immutable after construction and Analyze is pure.
package consensus

import (
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
)

// DefaultCriticalThreshold is the disagreement above which an evaluator pair
// is reported for facilitator review.
const DefaultCriticalThreshold = 0.7

// Config tunes the Analyzer.
type Config struct {
	// CriticalThreshold is the pairwise disagreement magnitude above which a
	// pair is listed in Metrics.CriticalDisagreements. Default: 0.7.
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold" validate:"gte=0"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{CriticalThreshold: DefaultCriticalThreshold}
}

// Evaluation is one evaluator's matrix for a hierarchy node.
type Evaluation struct {
	EvaluatorID string
	Matrix      ahp.Matrix
}

// CriticalDisagreement is one evaluator pair whose disagreement exceeds the
// configured threshold.
type CriticalDisagreement struct {
	EvaluatorA string  `json:"evaluator_a"`
	EvaluatorB string  `json:"evaluator_b"`
	Magnitude  float64 `json:"magnitude"`

	// Row and Col locate the element pair on which the two evaluators
	// diverge most.
	Row int `json:"row"`
	Col int `json:"col"`
}

// Metrics is the derived agreement summary for one node.
type Metrics struct {
	// OverallConsensus is 1 - min(meanEntropy/ln k, 1), in [0, 1].
	OverallConsensus float64 `json:"overall_consensus"`

	// ShannonEntropy is the mean per-pair entropy of log-judgments, using the
	// shifted form 0.5·ln(1 + 2πe·σ²) with the population variance σ². It is
	// not the plain Gaussian entropy 0.5·ln(2πe·σ²): values are 0 for
	// identical judgments and never negative. See PairEntropy.
	ShannonEntropy float64 `json:"shannon_entropy"`

	// KendallW is the coefficient of concordance of priority rankings.
	KendallW float64 `json:"kendall_w"`

	// Disagreement is symmetric with a zero diagonal, indexed like
	// EvaluatorIDs.
	Disagreement [][]float64 `json:"disagreement"`

	EvaluatorIDs          []string               `json:"evaluator_ids"`
	CriticalDisagreements []CriticalDisagreement `json:"critical_disagreements"`

	// AggregateDeviation is each evaluator's mean absolute log deviation
	// from the aggregate. Nil when no aggregate was supplied.
	AggregateDeviation map[string]float64 `json:"aggregate_deviation,omitempty"`

	ElementCount   int `json:"element_count"`
	EvaluatorCount int `json:"evaluator_count"`
}

// Analyzer computes Metrics.
type Analyzer struct {
	threshold float64
}

// NewAnalyzer creates an Analyzer. A zero or negative threshold selects the
// default.
func NewAnalyzer(cfg Config) *Analyzer {
	t := cfg.CriticalThreshold
	if !(t > 0) {
		t = DefaultCriticalThreshold
	}
	return &Analyzer{threshold: t}
}

// Threshold returns the critical-disagreement threshold in use.
func (a *Analyzer) Threshold() float64 {
	return a.threshold
}

// Analyze derives consensus metrics from the evaluators' matrices.
//
// # Inputs
//
//   - evals: One evaluation per evaluator; all matrices the same size.
//   - aggregate: The group matrix for the node, or nil. When given, it
//     must match the evaluation size and is used for AggregateDeviation.
//
// # Outputs
//
//   - Metrics: The derived metrics.
//   - error: ahp.ErrNoParticipants, ahp.ErrDimensionMismatch or
//     ahp.ErrInvalidMatrix (wrapped).
func (a *Analyzer) Analyze(evals []Evaluation, aggregate ahp.Matrix) (Metrics, error) {
	if len(evals) == 0 {
		return Metrics{}, ahp.ErrNoParticipants
	}
	n := evals[0].Matrix.Size()
	ids := make([]string, len(evals))
	priorities := make([][]float64, len(evals))
	for k, e := range evals {
		if e.Matrix.Size() != n {
			return Metrics{}, fmt.Errorf("%w: evaluator %s has size %d, want %d", ahp.ErrDimensionMismatch, e.EvaluatorID, e.Matrix.Size(), n)
		}
		solved, err := ahp.Solve(e.Matrix)
		if err != nil {
			return Metrics{}, fmt.Errorf("evaluator %s: %w", e.EvaluatorID, err)
		}
		ids[k] = e.EvaluatorID
		priorities[k] = solved.Priorities
	}
	if aggregate != nil {
		if aggregate.Size() != n {
			return Metrics{}, fmt.Errorf("%w: aggregate has size %d, want %d", ahp.ErrDimensionMismatch, aggregate.Size(), n)
		}
		if err := aggregate.Validate(); err != nil {
			return Metrics{}, fmt.Errorf("aggregate: %w", err)
		}
	}

	matrices := make([]ahp.Matrix, len(evals))
	for k, e := range evals {
		matrices[k] = e.Matrix
	}
	entropy := MeanEntropy(matrices)
	disagreement, peaks := disagreementMatrix(matrices)

	m := Metrics{
		OverallConsensus: ShannonConsensus(entropy, len(evals)),
		ShannonEntropy:   entropy,
		KendallW:         KendallW(priorities),
		Disagreement:     disagreement,
		EvaluatorIDs:     ids,
		ElementCount:     n,
		EvaluatorCount:   len(evals),
	}
	m.CriticalDisagreements = a.critical(ids, disagreement, peaks)
	if aggregate != nil {
		m.AggregateDeviation = make(map[string]float64, len(evals))
		for _, e := range evals {
			m.AggregateDeviation[e.EvaluatorID] = meanAbsLogRatio(e.Matrix, aggregate)
		}
	}
	return m, nil
}

// =============================================================================
// Shannon Entropy
// =============================================================================

// PairEntropy converts the variance of log-judgments into an entropy score.
//
// # Description
//
// The Gaussian differential entropy 0.5·ln(2πe·σ²) is negative for small
// variances and undefined at zero. It is shifted to 0.5·ln(1 + 2πe·σ²),
// which is 0 at σ² = 0 and strictly increasing in σ².
func PairEntropy(variance float64) float64 {
	if variance <= 0 {
		return 0
	}
	return 0.5 * math.Log1p(2*math.Pi*math.E*variance)
}

// MeanEntropy averages PairEntropy over every unordered element pair, using
// the population variance of ln(a_ij) across evaluators.
func MeanEntropy(matrices []ahp.Matrix) float64 {
	if len(matrices) == 0 {
		return 0
	}
	n := matrices[0].Size()
	pairs := n * (n - 1) / 2
	if pairs == 0 {
		return 0
	}
	logs := make([]float64, len(matrices))
	total := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k, m := range matrices {
				logs[k] = math.Log(m[i][j])
			}
			total += PairEntropy(variance(logs))
		}
	}
	return total / float64(pairs)
}

// ShannonConsensus normalizes a mean entropy by ln k into [0, 1]. One
// evaluator (or none) is full consensus.
func ShannonConsensus(meanEntropy float64, evaluators int) float64 {
	if evaluators <= 1 {
		return 1
	}
	c := 1 - math.Min(meanEntropy/math.Log(float64(evaluators)), 1)
	return clamp01(c)
}

func variance(values []float64) float64 {
	same := true
	for _, v := range values[1:] {
		if v != values[0] {
			same = false
			break
		}
	}
	if same {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return ss / float64(len(values))
}

// =============================================================================
// Kendall's W
// =============================================================================

// KendallW computes the coefficient of concordance of the rankings implied
// by each priority vector.
//
// # Description
//
// Each vector is ranked with 1 for the highest priority; ties are broken by
// raw value descending and then by element index. W = 12·SS/(k²(n³−n))
// where SS is the sum of squared deviations of the rank sums from their
// mean. The result is clamped to [0, 1]; k <= 1 or n <= 1 yields 1.
func KendallW(priorities [][]float64) float64 {
	k := len(priorities)
	if k <= 1 {
		return 1
	}
	n := len(priorities[0])
	if n <= 1 {
		return 1
	}
	sums := make([]float64, n)
	for _, p := range priorities {
		for i, r := range Ranks(p) {
			sums[i] += float64(r)
		}
	}
	mean := float64(k) * float64(n+1) / 2
	ss := 0.0
	for _, s := range sums {
		d := s - mean
		ss += d * d
	}
	kf, nf := float64(k), float64(n)
	return clamp01(12 * ss / (kf * kf * (nf*nf*nf - nf)))
}

// Ranks returns the 1-based rank of every element, 1 being the largest.
func Ranks(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})
	ranks := make([]int, len(values))
	for pos, idx := range order {
		ranks[idx] = pos + 1
	}
	return ranks
}

// =============================================================================
// Pairwise Disagreement
// =============================================================================

type cell struct{ row, col int }

// disagreementMatrix returns the k×k matrix of mean |ln(A_ij/B_ij)| over the
// upper triangle, and for each pair the cell with the largest divergence.
func disagreementMatrix(matrices []ahp.Matrix) ([][]float64, [][]cell) {
	k := len(matrices)
	d := make([][]float64, k)
	peaks := make([][]cell, k)
	for i := range d {
		d[i] = make([]float64, k)
		peaks[i] = make([]cell, k)
	}
	for a := 0; a < k; a++ {
		for b := a + 1; b < k; b++ {
			v, peak := pairDisagreement(matrices[a], matrices[b])
			d[a][b], d[b][a] = v, v
			peaks[a][b], peaks[b][a] = peak, peak
		}
	}
	return d, peaks
}

func pairDisagreement(x, y ahp.Matrix) (float64, cell) {
	n := x.Size()
	cells := n * (n - 1) / 2
	if cells == 0 {
		return 0, cell{}
	}
	sum, worst := 0.0, -1.0
	var peak cell
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := math.Abs(math.Log(x[i][j] / y[i][j]))
			sum += v
			if v > worst {
				worst = v
				peak = cell{i, j}
			}
		}
	}
	return sum / float64(cells), peak
}

func meanAbsLogRatio(x, y ahp.Matrix) float64 {
	v, _ := pairDisagreement(x, y)
	return v
}

func (a *Analyzer) critical(ids []string, d [][]float64, peaks [][]cell) []CriticalDisagreement {
	out := []CriticalDisagreement{}
	for i := range d {
		for j := i + 1; j < len(d); j++ {
			if d[i][j] > a.threshold {
				out = append(out, CriticalDisagreement{
					EvaluatorA: ids[i],
					EvaluatorB: ids[j],
					Magnitude:  d[i][j],
					Row:        peaks[i][j].row,
					Col:        peaks[i][j].col,
				})
			}
		}
	}
	sort.SliceStable(out, func(x, y int) bool {
		return out[x].Magnitude > out[y].Magnitude
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
