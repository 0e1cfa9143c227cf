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

import "errors"

// =============================================================================
// Input Validation Errors
// =============================================================================

// These errors are returned synchronously by the solver, the aggregation
// engine and the consensus analyzer. They are never coerced: the caller must
// fix its input and retry. Callers match them with errors.Is; the returned
// error usually wraps one of them with the offending index or size.
var (
	// ErrInvalidMatrix indicates a matrix that is not square, has a
	// non-positive or non-finite entry, a diagonal other than 1, or breaks
	// reciprocal symmetry.
	ErrInvalidMatrix = errors.New("invalid comparison matrix")

	// ErrDimensionMismatch indicates matrices of different sizes in one run.
	ErrDimensionMismatch = errors.New("comparison matrix dimension mismatch")

	// ErrWeightCountMismatch indicates a weight slice whose length differs
	// from the number of matrices.
	ErrWeightCountMismatch = errors.New("weight count does not match matrix count")

	// ErrNoParticipants indicates an empty input list.
	ErrNoParticipants = errors.New("no participants")

	// ErrInvalidWeight indicates a non-positive or non-finite evaluator weight.
	ErrInvalidWeight = errors.New("invalid evaluator weight")
)
