// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ahp

import "math"

// AcceptableConsistencyRatio is the conventional upper bound for an
// acceptable judgment matrix.
const AcceptableConsistencyRatio = 0.1

const (
	maxIterations        = 1000
	convergenceTolerance = 1e-12
)

// randomIndex is Saaty's random consistency index for n = 1..15.
var randomIndex = []float64{0, 0, 0.58, 0.90, 1.12, 1.24, 1.32, 1.41, 1.45, 1.49, 1.51, 1.48, 1.56, 1.57, 1.59}

// RandomIndex returns the random consistency index for a matrix of size n.
// Sizes above the table use the last entry.
func RandomIndex(n int) float64 {
	if n < 1 {
		return 0
	}
	if n > len(randomIndex) {
		return randomIndex[len(randomIndex)-1]
	}
	return randomIndex[n-1]
}

// Result is the outcome of solving one comparison matrix.
type Result struct {
	// Priorities is the normalized principal eigenvector; it sums to 1.
	Priorities []float64 `json:"priorities"`

	// LambdaMax is the principal eigenvalue estimate.
	LambdaMax float64 `json:"lambda_max"`

	// ConsistencyIndex is (LambdaMax - n) / (n - 1).
	ConsistencyIndex float64 `json:"consistency_index"`

	// ConsistencyRatio is ConsistencyIndex / RandomIndex(n); 0 for n <= 2.
	ConsistencyRatio float64 `json:"consistency_ratio"`
}

// IsConsistent reports whether the consistency ratio is acceptable.
func (r Result) IsConsistent() bool {
	return r.ConsistencyRatio < AcceptableConsistencyRatio
}

// Solve derives priorities and consistency for a comparison matrix.
//
// # Description
//
// Runs power iteration from the uniform vector, renormalizing to sum 1 on
// every step, until no component moves by more than 1e-12 or 1000 steps have
// run. The principal eigenvalue is the mean of (A·w)_i / w_i. The
// consistency ratio is computed against Saaty's random index; it is 0 by
// convention for n <= 2 and rounding noise below zero is clamped.
//
// # Inputs
//
//   - m: A valid comparison matrix.
//
// # Outputs
//
//   - Result: Priorities summing to 1, λmax, CI and CR.
//   - error: ErrInvalidMatrix (wrapped) when m breaks an invariant.
//
// # Examples
//
//	m := ahp.Matrix{{1, 2, 4}, {0.5, 1, 2}, {0.25, 0.5, 1}}
//	res, err := ahp.Solve(m)
//	// res.Priorities ≈ [0.571, 0.286, 0.143], res.ConsistencyRatio ≈ 0
//
// # Thread Safety
//
// Pure function; m is only read.
func Solve(m Matrix) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}
	n := len(m)
	if n == 1 {
		return Result{Priorities: []float64{1}, LambdaMax: 1}, nil
	}

	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	next := make([]float64, n)
	for iter := 0; iter < maxIterations; iter++ {
		multiply(m, w, next)
		normalize(next)
		delta := 0.0
		for i := range w {
			if d := math.Abs(next[i] - w[i]); d > delta {
				delta = d
			}
		}
		w, next = next, w
		if delta < convergenceTolerance {
			break
		}
	}
	normalize(w)

	aw := make([]float64, n)
	multiply(m, w, aw)
	lambda := 0.0
	for i := range w {
		lambda += aw[i] / w[i]
	}
	lambda /= float64(n)

	res := Result{Priorities: w, LambdaMax: lambda}
	if n > 2 {
		res.ConsistencyIndex = math.Max(0, (lambda-float64(n))/float64(n-1))
		res.ConsistencyRatio = res.ConsistencyIndex / RandomIndex(n)
	}
	return res, nil
}

// Reconstruct builds the perfectly consistent matrix m[i][j] = p[i]/p[j].
func Reconstruct(p []float64) Matrix {
	n := len(p)
	m := Identity(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			m[i][j] = p[i] / p[j]
			m[j][i] = p[j] / p[i]
		}
	}
	return m
}

func multiply(m Matrix, v, out []float64) {
	for i, row := range m {
		sum := 0.0
		for j, a := range row {
			sum += a * v[j]
		}
		out[i] = sum
	}
}

func normalize(v []float64) {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum == 0 {
		return
	}
	for i := range v {
		v[i] /= sum
	}
}
