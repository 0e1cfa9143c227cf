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

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func consistent3() Matrix {
	return Matrix{{1, 2, 4}, {0.5, 1, 2}, {0.25, 0.5, 1}}
}

// randomReciprocal builds a random valid matrix on the Saaty 1/9..9 scale.
func randomReciprocal(rng *rand.Rand, n int) Matrix {
	scale := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	m := Identity(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := scale[rng.Intn(len(scale))]
			if rng.Intn(2) == 0 {
				v = 1 / v
			}
			_ = m.Set(i, j, v)
		}
	}
	return m
}

func sum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}

// =============================================================================
// Solve Tests
// =============================================================================

func TestSolve_ConsistentMatrix(t *testing.T) {
	res, err := Solve(consistent3())
	require.NoError(t, err)

	assert.InDelta(t, 4.0/7, res.Priorities[0], 1e-9)
	assert.InDelta(t, 2.0/7, res.Priorities[1], 1e-9)
	assert.InDelta(t, 1.0/7, res.Priorities[2], 1e-9)
	assert.InDelta(t, 3.0, res.LambdaMax, 1e-9)
	assert.InDelta(t, 0.0, res.ConsistencyRatio, 1e-9)
	assert.True(t, res.IsConsistent())
}

func TestSolve_PrioritiesSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 1; n <= 12; n++ {
		for trial := 0; trial < 20; trial++ {
			m := randomReciprocal(rng, n)
			res, err := Solve(m)
			require.NoError(t, err)
			require.Len(t, res.Priorities, n)
			assert.InDelta(t, 1.0, sum(res.Priorities), 1e-9, "n=%d trial=%d", n, trial)
			for _, p := range res.Priorities {
				assert.Greater(t, p, 0.0)
			}
			assert.GreaterOrEqual(t, res.ConsistencyRatio, 0.0)
		}
	}
}

func TestSolve_SmallMatricesHaveZeroCR(t *testing.T) {
	res, err := Solve(Matrix{{1}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, res.Priorities)
	assert.Zero(t, res.ConsistencyRatio)

	res, err = Solve(Matrix{{1, 9}, {1.0 / 9, 1}})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res.Priorities[0], 1e-9)
	assert.Zero(t, res.ConsistencyRatio)
}

func TestSolve_InconsistentMatrixFlagged(t *testing.T) {
	// a > b, b > c, but c > a: intransitive.
	m, err := FromJudgments(3, []float64{5, 1.0 / 5, 5})
	require.NoError(t, err)

	res, err := Solve(m)
	require.NoError(t, err)
	assert.Greater(t, res.ConsistencyRatio, AcceptableConsistencyRatio)
	assert.False(t, res.IsConsistent())
}

func TestSolve_InvalidMatrix(t *testing.T) {
	tests := []struct {
		name string
		m    Matrix
	}{
		{"empty", Matrix{}},
		{"not square", Matrix{{1, 2}, {0.5, 1}, {1, 1}}},
		{"ragged", Matrix{{1, 2}, {0.5}}},
		{"bad diagonal", Matrix{{2, 1}, {1, 1}}},
		{"zero entry", Matrix{{1, 0}, {0, 1}}},
		{"negative entry", Matrix{{1, -2}, {-0.5, 1}}},
		{"not reciprocal", Matrix{{1, 2}, {2, 1}}},
		{"nan", Matrix{{1, math.NaN()}, {1, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Solve(tt.m)
			assert.ErrorIs(t, err, ErrInvalidMatrix)
		})
	}
}

func TestSolve_DoesNotMutateInput(t *testing.T) {
	m := consistent3()
	before := m.Clone()
	_, err := Solve(m)
	require.NoError(t, err)
	assert.Equal(t, before, m)
}

// =============================================================================
// Matrix Tests
// =============================================================================

func TestMatrixSet_WritesReciprocal(t *testing.T) {
	m := Identity(3)
	require.NoError(t, m.Set(0, 2, 4))
	assert.Equal(t, 4.0, m[0][2])
	assert.Equal(t, 0.25, m[2][0])
	assert.NoError(t, m.Validate())
}

func TestMatrixSet_Rejects(t *testing.T) {
	m := Identity(2)
	assert.ErrorIs(t, m.Set(0, 2, 1), ErrInvalidMatrix)
	assert.ErrorIs(t, m.Set(0, 1, 0), ErrInvalidMatrix)
	assert.ErrorIs(t, m.Set(1, 1, 3), ErrInvalidMatrix)
	assert.NoError(t, m.Set(1, 1, 1))
}

func TestFromJudgments(t *testing.T) {
	m, err := FromJudgments(3, []float64{2, 4, 2})
	require.NoError(t, err)
	assert.Equal(t, consistent3(), m)

	_, err = FromJudgments(3, []float64{2, 4})
	assert.ErrorIs(t, err, ErrInvalidMatrix)
}

func TestReconstruct_IsConsistent(t *testing.T) {
	m := Reconstruct([]float64{0.5, 0.3, 0.2})
	require.NoError(t, m.Validate())
	res, err := Solve(m)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Priorities[0], 1e-9)
	assert.InDelta(t, 0.0, res.ConsistencyRatio, 1e-9)
}

func TestRandomIndex(t *testing.T) {
	assert.Zero(t, RandomIndex(0))
	assert.Zero(t, RandomIndex(2))
	assert.Equal(t, 0.58, RandomIndex(3))
	assert.Equal(t, 1.59, RandomIndex(15))
	assert.Equal(t, 1.59, RandomIndex(40))
}
