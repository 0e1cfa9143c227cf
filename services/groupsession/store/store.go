// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists groups, submitted matrices and aggregated results
// for the group session service.
//
// The aggregation core only needs two things from here: the current
// matrices of a group's evaluators for one node, and a place to put the
// recomputed aggregate. Everything else is group bookkeeping.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
)

// ErrNotFound is returned when a group or aggregate does not exist.
var ErrNotFound = errors.New("not found")

// Submission is one evaluator's current matrix for a node.
type Submission struct {
	EvaluatorID string     `json:"evaluator_id"`
	NodeID      string     `json:"node_id"`
	Matrix      ahp.Matrix `json:"matrix"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// Store is the persistence collaborator of the hub.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (*group.Group, error)
	SaveGroup(ctx context.Context, g *group.Group) error
	ListGroups(ctx context.Context) ([]*group.Group, error)

	// Matrices returns the submissions for a node ordered by evaluator id.
	Matrices(ctx context.Context, groupID, nodeID string) ([]Submission, error)
	SaveMatrix(ctx context.Context, groupID string, sub Submission) error
	DeleteMatrix(ctx context.Context, groupID, nodeID, evaluatorID string) error

	// DeleteMatricesFor removes every submission of an evaluator in the
	// group, across nodes. Used when a member is removed.
	DeleteMatricesFor(ctx context.Context, groupID, evaluatorID string) error

	SaveAggregate(ctx context.Context, agg group.AggregatedMatrix) error
	LatestAggregate(ctx context.Context, groupID, nodeID string) (group.AggregatedMatrix, error)
	// DeleteAggregate forgets the aggregate of a node that no longer has
	// voting submissions. Deleting a missing aggregate is not an error.
	DeleteAggregate(ctx context.Context, groupID, nodeID string) error

	Close() error
}
