// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/GroupAHP/pkg/storage/badger"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
)

// Key layout:
//
//	group/{groupID}                         -> group.Group
//	matrix/{groupID}/{nodeID}/{evaluatorID} -> Submission
//	aggregate/{groupID}/{nodeID}            -> group.AggregatedMatrix
//
// Ids must not contain '/'; SaveGroup and SaveMatrix reject them.
const (
	groupPrefix     = "group/"
	matrixPrefix    = "matrix/"
	aggregatePrefix = "aggregate/"
)

// ErrInvalidKey indicates an id containing the key separator.
var ErrInvalidKey = errors.New("id must not be empty or contain '/'")

// BadgerStore persists to BadgerDB through pkg/storage/badger.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The store takes ownership: Close
// closes db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func checkIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" || strings.Contains(id, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, id)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (s *BadgerStore) GetGroup(ctx context.Context, groupID string) (*group.Group, error) {
	var g group.Group
	if err := s.db.GetJSON(ctx, groupPrefix+groupID, &g); err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func (s *BadgerStore) SaveGroup(ctx context.Context, g *group.Group) error {
	if err := checkIDs(g.ID); err != nil {
		return err
	}
	return s.db.PutJSON(ctx, groupPrefix+g.ID, g)
}

func (s *BadgerStore) ListGroups(ctx context.Context) ([]*group.Group, error) {
	var out []*group.Group
	err := s.db.Scan(ctx, groupPrefix, func(key string, value []byte) error {
		var g group.Group
		if err := json.Unmarshal(value, &g); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

func (s *BadgerStore) Matrices(ctx context.Context, groupID, nodeID string) ([]Submission, error) {
	var out []Submission
	err := s.db.Scan(ctx, matrixPrefix+groupID+"/"+nodeID+"/", func(key string, value []byte) error {
		var sub Submission
		if err := json.Unmarshal(value, &sub); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, sub)
		return nil
	})
	return out, err
}

func (s *BadgerStore) SaveMatrix(ctx context.Context, groupID string, sub Submission) error {
	if err := checkIDs(groupID, sub.NodeID, sub.EvaluatorID); err != nil {
		return err
	}
	return s.db.PutJSON(ctx, matrixKey(groupID, sub.NodeID, sub.EvaluatorID), sub)
}

func (s *BadgerStore) DeleteMatrix(ctx context.Context, groupID, nodeID, evaluatorID string) error {
	return s.db.Delete(ctx, matrixKey(groupID, nodeID, evaluatorID))
}

func (s *BadgerStore) DeleteMatricesFor(ctx context.Context, groupID, evaluatorID string) error {
	suffix := "/" + evaluatorID
	keys, err := s.db.Keys(ctx, matrixPrefix+groupID+"/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		if err := s.db.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) SaveAggregate(ctx context.Context, agg group.AggregatedMatrix) error {
	if err := checkIDs(agg.GroupID, agg.NodeID); err != nil {
		return err
	}
	return s.db.PutJSON(ctx, aggregatePrefix+agg.GroupID+"/"+agg.NodeID, agg)
}

func (s *BadgerStore) LatestAggregate(ctx context.Context, groupID, nodeID string) (group.AggregatedMatrix, error) {
	var agg group.AggregatedMatrix
	if err := s.db.GetJSON(ctx, aggregatePrefix+groupID+"/"+nodeID, &agg); err != nil {
		return group.AggregatedMatrix{}, notFound(err)
	}
	return agg, nil
}

func (s *BadgerStore) DeleteAggregate(ctx context.Context, groupID, nodeID string) error {
	return s.db.Delete(ctx, aggregatePrefix+groupID+"/"+nodeID)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func matrixKey(groupID, nodeID, evaluatorID string) string {
	return matrixPrefix + groupID + "/" + nodeID + "/" + evaluatorID
}
