// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ahp provides the matrix algebra primitives of the Analytic
// Hierarchy Process.
//
// # Description
//
// A comparison matrix holds one evaluator's pairwise judgments for the
// children of one hierarchy node. Entry m[i][j] states how much more
// important element i is than element j. A valid matrix is square, strictly
// positive, has ones on the diagonal and is reciprocal: m[j][i] = 1/m[i][j].
//
// Solve derives the normalized priority vector (principal eigenvector) and
// the consistency ratio of a matrix using power iteration.
//
// # Thread Safety
//
// All functions are pure. A Matrix is a plain slice and must not be mutated
// while another goroutine reads it; use Clone to hand out copies.
package ahp

import (
	"fmt"
	"math"
)

// reciprocalTolerance is the relative tolerance for m[i][j]*m[j][i] == 1.
const reciprocalTolerance = 1e-6

// Matrix is an N×N pairwise comparison matrix.
type Matrix [][]float64

// Identity returns an n×n matrix of ones, the "all elements equal" judgment.
func Identity(n int) Matrix {
	m := make(Matrix, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			m[i][j] = 1
		}
	}
	return m
}

// FromJudgments builds a reciprocal matrix from its strict upper triangle.
//
// # Inputs
//
//   - n: Matrix size.
//   - upper: Judgments in row-major order for i < j. Must hold n(n-1)/2
//     positive values.
//
// # Outputs
//
//   - Matrix: The completed reciprocal matrix.
//   - error: ErrInvalidMatrix (wrapped) on a bad count or value.
//
// # Examples
//
//	// a12=2, a13=4, a23=2
//	m, err := ahp.FromJudgments(3, []float64{2, 4, 2})
func FromJudgments(n int, upper []float64) (Matrix, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidMatrix, n)
	}
	if want := n * (n - 1) / 2; len(upper) != want {
		return nil, fmt.Errorf("%w: %d judgments for size %d, want %d", ErrInvalidMatrix, len(upper), n, want)
	}
	m := Identity(n)
	k := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if err := m.Set(i, j, upper[k]); err != nil {
				return nil, err
			}
			k++
		}
	}
	return m, nil
}

// Size returns the number of compared elements.
func (m Matrix) Size() int {
	return len(m)
}

// Clone returns a deep copy.
func (m Matrix) Clone() Matrix {
	if m == nil {
		return nil
	}
	out := make(Matrix, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Set records judgment v for cell (i, j) and its reciprocal for (j, i).
//
// # Description
//
// This is the only way a single cell edit should reach a matrix, so the
// reciprocal invariant holds after every edit. Setting a diagonal cell is
// only accepted with v == 1.
//
// # Outputs
//
//   - error: ErrInvalidMatrix (wrapped) for an out-of-range index or a
//     non-positive, non-finite value.
func (m Matrix) Set(i, j int, v float64) error {
	n := len(m)
	if i < 0 || j < 0 || i >= n || j >= n {
		return fmt.Errorf("%w: cell (%d,%d) out of range for size %d", ErrInvalidMatrix, i, j, n)
	}
	if !isPositiveFinite(v) {
		return fmt.Errorf("%w: cell (%d,%d) value %v must be positive and finite", ErrInvalidMatrix, i, j, v)
	}
	if i == j {
		if v != 1 {
			return fmt.Errorf("%w: diagonal cell (%d,%d) must be 1, got %v", ErrInvalidMatrix, i, j, v)
		}
		return nil
	}
	m[i][j] = v
	m[j][i] = 1 / v
	return nil
}

// Validate checks the comparison matrix invariants.
//
// # Outputs
//
//   - error: nil for a valid matrix, otherwise ErrInvalidMatrix wrapped with
//     the first offending cell.
func (m Matrix) Validate() error {
	n := len(m)
	if n == 0 {
		return fmt.Errorf("%w: empty matrix", ErrInvalidMatrix)
	}
	for i, row := range m {
		if len(row) != n {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidMatrix, i, len(row), n)
		}
	}
	for i := 0; i < n; i++ {
		if m[i][i] != 1 {
			return fmt.Errorf("%w: diagonal cell (%d,%d) is %v, want 1", ErrInvalidMatrix, i, i, m[i][i])
		}
		for j := i + 1; j < n; j++ {
			a, b := m[i][j], m[j][i]
			if !isPositiveFinite(a) || !isPositiveFinite(b) {
				return fmt.Errorf("%w: cells (%d,%d)/(%d,%d) must be positive and finite", ErrInvalidMatrix, i, j, j, i)
			}
			if math.Abs(a*b-1) > reciprocalTolerance {
				return fmt.Errorf("%w: cells (%d,%d)=%v and (%d,%d)=%v are not reciprocal", ErrInvalidMatrix, i, j, a, j, i, b)
			}
		}
	}
	return nil
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
