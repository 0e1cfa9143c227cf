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
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
)

type nodeKey struct{ group, node string }

// MemoryStore keeps everything in maps. Values are cloned on the way in
// and out.
type MemoryStore struct {
	mu         sync.RWMutex
	groups     map[string]*group.Group
	matrices   map[nodeKey]map[string]Submission
	aggregates map[nodeKey]group.AggregatedMatrix
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:     make(map[string]*group.Group),
		matrices:   make(map[nodeKey]map[string]Submission),
		aggregates: make(map[nodeKey]group.AggregatedMatrix),
	}
}

func (s *MemoryStore) GetGroup(ctx context.Context, groupID string) (*group.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return g.Clone(), nil
}

func (s *MemoryStore) SaveGroup(ctx context.Context, g *group.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.groups[g.ID] = g.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListGroups(ctx context.Context) ([]*group.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*group.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Matrices(ctx context.Context, groupID, nodeID string) ([]Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	byEvaluator := s.matrices[nodeKey{groupID, nodeID}]
	out := make([]Submission, 0, len(byEvaluator))
	for _, sub := range byEvaluator {
		sub.Matrix = sub.Matrix.Clone()
		out = append(out, sub)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatorID < out[j].EvaluatorID })
	return out, nil
}

func (s *MemoryStore) SaveMatrix(ctx context.Context, groupID string, sub Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub.Matrix = sub.Matrix.Clone()
	k := nodeKey{groupID, sub.NodeID}
	s.mu.Lock()
	if s.matrices[k] == nil {
		s.matrices[k] = make(map[string]Submission)
	}
	s.matrices[k][sub.EvaluatorID] = sub
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteMatrix(ctx context.Context, groupID, nodeID, evaluatorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.matrices[nodeKey{groupID, nodeID}], evaluatorID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteMatricesFor(ctx context.Context, groupID, evaluatorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for k, byEvaluator := range s.matrices {
		if k.group == groupID {
			delete(byEvaluator, evaluatorID)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveAggregate(ctx context.Context, agg group.AggregatedMatrix) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	agg.Matrix = agg.Matrix.Clone()
	agg.Priorities = append([]float64(nil), agg.Priorities...)
	s.mu.Lock()
	s.aggregates[nodeKey{agg.GroupID, agg.NodeID}] = agg
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LatestAggregate(ctx context.Context, groupID, nodeID string) (group.AggregatedMatrix, error) {
	if err := ctx.Err(); err != nil {
		return group.AggregatedMatrix{}, err
	}
	s.mu.RLock()
	agg, ok := s.aggregates[nodeKey{groupID, nodeID}]
	s.mu.RUnlock()
	if !ok {
		return group.AggregatedMatrix{}, fmt.Errorf("aggregate %s/%s: %w", groupID, nodeID, ErrNotFound)
	}
	agg.Matrix = agg.Matrix.Clone()
	agg.Priorities = append([]float64(nil), agg.Priorities...)
	return agg, nil
}

func (s *MemoryStore) DeleteAggregate(ctx context.Context, groupID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.aggregates, nodeKey{groupID, nodeID})
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
