// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package group holds the evaluation group domain: the group lifecycle,
// its members and the aggregated matrices computed for it.
//
// A Group is a plain value guarded by its owner. In the service that owner
// is the group's hub room, which is the single writer; REST handlers go
// through the room as well, so no locking lives here.
package group

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AleutianAI/GroupAHP/pkg/aggregation"
	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
)

// Status is the lifecycle state of a group.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Default sizing and threshold applied by New for zero values.
const (
	DefaultMinEvaluators      = 2
	DefaultMaxEvaluators      = 50
	DefaultConsensusThreshold = 0.8
	DefaultExpertise          = 5
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrGroupCompleted is returned by every mutator once the group is
	// completed.
	ErrGroupCompleted = errors.New("group is completed")

	// ErrNotLeader indicates a weight or role change requested by a user
	// who is not a leader of the group.
	ErrNotLeader = errors.New("only a group leader may do this")

	// ErrInvalidTransition indicates a lifecycle change not allowed from
	// the current status.
	ErrInvalidTransition = errors.New("invalid group status transition")

	// ErrNotEnoughEvaluators indicates Start on a group with fewer voting
	// members than MinEvaluators.
	ErrNotEnoughEvaluators = errors.New("not enough evaluators")

	// ErrGroupFull indicates a voting member beyond MaxEvaluators.
	ErrGroupFull = errors.New("group is full")

	ErrMemberExists = errors.New("member already in group")
	ErrNotMember    = errors.New("not a member of the group")
	ErrInvalidGroup = errors.New("invalid group")
	ErrLastLeader   = errors.New("group must keep a leader")
)

// =============================================================================
// Member
// =============================================================================

// Member is a (group, evaluator) pair.
type Member struct {
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Expertise    int       `json:"expertise"`
	Weight       float64   `json:"weight"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Votes reports whether the member's matrices take part in aggregation.
func (m Member) Votes() bool {
	return m.Role != protocol.RoleObserver
}

func validRole(role string) bool {
	switch role {
	case protocol.RoleLeader, protocol.RoleMember, protocol.RoleObserver:
		return true
	default:
		return false
	}
}

func validWeight(w float64) bool {
	return w > 0 && !math.IsInf(w, 0) && !math.IsNaN(w)
}

// =============================================================================
// Group
// =============================================================================

// Group is an evaluation group working on one project.
type Group struct {
	ID                 string             `json:"id"`
	ProjectID          string             `json:"project_id"`
	Name               string             `json:"name"`
	Method             aggregation.Method `json:"method"`
	ConsensusThreshold float64            `json:"consensus_threshold"`
	MinEvaluators      int                `json:"min_evaluators"`
	MaxEvaluators      int                `json:"max_evaluators"`
	Status             Status             `json:"status"`
	Members            []Member           `json:"members"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// New creates a pending group led by leader.
//
// # Description
//
// Zero sizing fields and a zero threshold take the package defaults. The
// leader is added with role leader regardless of leader.Role.
//
// # Outputs
//
//   - *Group: The pending group.
//   - error: ErrInvalidGroup (wrapped) for an empty id, an unknown method,
//     a threshold outside (0, 1], or Min > Max.
func New(g Group, leader Member) (*Group, error) {
	if strings.TrimSpace(g.ID) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidGroup)
	}
	if g.Method == "" {
		g.Method = aggregation.MethodAIJ
	}
	if !g.Method.Valid() {
		return nil, fmt.Errorf("%w: method %q", ErrInvalidGroup, g.Method)
	}
	if g.ConsensusThreshold == 0 {
		g.ConsensusThreshold = DefaultConsensusThreshold
	}
	if g.ConsensusThreshold < 0 || g.ConsensusThreshold > 1 {
		return nil, fmt.Errorf("%w: consensus threshold %v", ErrInvalidGroup, g.ConsensusThreshold)
	}
	if g.MinEvaluators <= 0 {
		g.MinEvaluators = DefaultMinEvaluators
	}
	if g.MaxEvaluators <= 0 {
		g.MaxEvaluators = DefaultMaxEvaluators
	}
	if g.MinEvaluators > g.MaxEvaluators {
		return nil, fmt.Errorf("%w: min evaluators %d > max %d", ErrInvalidGroup, g.MinEvaluators, g.MaxEvaluators)
	}

	now := time.Now().UTC()
	g.Status = StatusPending
	g.Members = nil
	g.CreatedAt = now
	g.UpdatedAt = now

	leader.Role = protocol.RoleLeader
	if err := g.AddMember(leader); err != nil {
		return nil, err
	}
	return &g, nil
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	out := *g
	out.Members = append([]Member(nil), g.Members...)
	return &out
}

// Member returns the member with the given user id.
func (g *Group) Member(userID string) (Member, bool) {
	if i := g.index(userID); i >= 0 {
		return g.Members[i], true
	}
	return Member{}, false
}

// IsLeader reports whether userID is a leader of the group.
func (g *Group) IsLeader(userID string) bool {
	m, ok := g.Member(userID)
	return ok && m.Role == protocol.RoleLeader
}

// Voters returns the voting members in membership order.
func (g *Group) Voters() []Member {
	var out []Member
	for _, m := range g.Members {
		if m.Votes() {
			out = append(out, m)
		}
	}
	return out
}

// Weight returns the aggregation weight of userID, or 0 for non-voters.
func (g *Group) Weight(userID string) float64 {
	m, ok := g.Member(userID)
	if !ok || !m.Votes() {
		return 0
	}
	return m.Weight
}

func (g *Group) index(userID string) int {
	for i, m := range g.Members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}

func (g *Group) mutable() error {
	if g.Status == StatusCompleted {
		return ErrGroupCompleted
	}
	return nil
}

func (g *Group) touch() {
	g.UpdatedAt = time.Now().UTC()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start moves a pending or paused group to active. It requires at least
// MinEvaluators voting members.
func (g *Group) Start() error {
	if err := g.mutable(); err != nil {
		return err
	}
	if g.Status != StatusPending && g.Status != StatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, StatusActive)
	}
	if n := len(g.Voters()); n < g.MinEvaluators {
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughEvaluators, n, g.MinEvaluators)
	}
	g.Status = StatusActive
	g.touch()
	return nil
}

// Pause moves an active group to paused.
func (g *Group) Pause() error {
	if err := g.mutable(); err != nil {
		return err
	}
	if g.Status != StatusActive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, StatusPaused)
	}
	g.Status = StatusPaused
	g.touch()
	return nil
}

// Complete moves an active or paused group to completed. Completed is
// final.
func (g *Group) Complete() error {
	if err := g.mutable(); err != nil {
		return err
	}
	if g.Status != StatusActive && g.Status != StatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, StatusCompleted)
	}
	g.Status = StatusCompleted
	g.touch()
	return nil
}

// =============================================================================
// Membership
// =============================================================================

// AddMember adds m. Empty role means member, zero expertise means
// DefaultExpertise and zero weight means 1.
func (g *Group) AddMember(m Member) error {
	if err := g.mutable(); err != nil {
		return err
	}
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidGroup)
	}
	if g.index(m.UserID) >= 0 {
		return fmt.Errorf("%w: %s", ErrMemberExists, m.UserID)
	}
	if m.Role == "" {
		m.Role = protocol.RoleMember
	}
	if !validRole(m.Role) {
		return fmt.Errorf("%w: role %q", ErrInvalidGroup, m.Role)
	}
	if m.Expertise == 0 {
		m.Expertise = DefaultExpertise
	}
	if m.Expertise < 1 || m.Expertise > 10 {
		return fmt.Errorf("%w: expertise %d", ErrInvalidGroup, m.Expertise)
	}
	if m.Weight == 0 {
		m.Weight = 1
	}
	if !validWeight(m.Weight) {
		return fmt.Errorf("%w: %v", ahp.ErrInvalidWeight, m.Weight)
	}
	if m.Votes() && len(g.Voters()) >= g.MaxEvaluators {
		return fmt.Errorf("%w: max %d evaluators", ErrGroupFull, g.MaxEvaluators)
	}
	now := time.Now().UTC()
	m.JoinedAt = now
	m.LastActiveAt = now
	g.Members = append(g.Members, m)
	g.touch()
	return nil
}

// RemoveMember removes userID. The last leader cannot be removed.
func (g *Group) RemoveMember(userID string) error {
	if err := g.mutable(); err != nil {
		return err
	}
	i := g.index(userID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotMember, userID)
	}
	if g.Members[i].Role == protocol.RoleLeader && g.leaders() == 1 {
		return ErrLastLeader
	}
	g.Members = append(g.Members[:i], g.Members[i+1:]...)
	g.touch()
	return nil
}

// SetWeight changes the aggregation weight of userID. actorID must be a
// leader.
func (g *Group) SetWeight(actorID, userID string, weight float64) error {
	if err := g.mutable(); err != nil {
		return err
	}
	if !g.IsLeader(actorID) {
		return ErrNotLeader
	}
	i := g.index(userID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotMember, userID)
	}
	if !validWeight(weight) {
		return fmt.Errorf("%w: %v", ahp.ErrInvalidWeight, weight)
	}
	g.Members[i].Weight = weight
	g.touch()
	return nil
}

// SetRole changes the role of userID. actorID must be a leader, and the
// group always keeps at least one leader.
func (g *Group) SetRole(actorID, userID, role string) error {
	if err := g.mutable(); err != nil {
		return err
	}
	if !g.IsLeader(actorID) {
		return ErrNotLeader
	}
	if !validRole(role) {
		return fmt.Errorf("%w: role %q", ErrInvalidGroup, role)
	}
	i := g.index(userID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotMember, userID)
	}
	cur := g.Members[i]
	if cur.Role == role {
		return nil
	}
	if cur.Role == protocol.RoleLeader && g.leaders() == 1 {
		return ErrLastLeader
	}
	if !cur.Votes() && role != protocol.RoleObserver && len(g.Voters()) >= g.MaxEvaluators {
		return fmt.Errorf("%w: max %d evaluators", ErrGroupFull, g.MaxEvaluators)
	}
	g.Members[i].Role = role
	g.touch()
	return nil
}

// Touch records activity for userID. Unknown users are ignored.
func (g *Group) Touch(userID string, at time.Time) {
	if i := g.index(userID); i >= 0 {
		g.Members[i].LastActiveAt = at
	}
}

func (g *Group) leaders() int {
	n := 0
	for _, m := range g.Members {
		if m.Role == protocol.RoleLeader {
			n++
		}
	}
	return n
}

// =============================================================================
// Aggregated Matrix
// =============================================================================

// AggregatedMatrix is the group result for one hierarchy node. It is
// recomputed, never edited.
type AggregatedMatrix struct {
	GroupID          string             `json:"group_id"`
	NodeID           string             `json:"node_id"`
	Method           aggregation.Method `json:"method"`
	Matrix           ahp.Matrix         `json:"matrix"`
	Priorities       []float64          `json:"priorities"`
	ConsistencyRatio float64            `json:"consistency_ratio"`
	IsConsistent     bool               `json:"is_consistent"`
	ConsensusIndex   float64            `json:"consensus_index"`
	ParticipantCount int                `json:"participant_count"`
	ComputedAt       time.Time          `json:"computed_at"`
	Sequence         int64              `json:"sequence"`
}

// FromResult wraps an aggregation result for a node.
func FromResult(groupID, nodeID string, seq int64, res aggregation.Result) AggregatedMatrix {
	return AggregatedMatrix{
		GroupID:          groupID,
		NodeID:           nodeID,
		Method:           res.Method,
		Matrix:           res.Matrix,
		Priorities:       res.Priorities,
		ConsistencyRatio: res.ConsistencyRatio,
		IsConsistent:     res.IsConsistent,
		ConsensusIndex:   res.ConsensusIndex,
		ParticipantCount: res.ParticipantCount,
		ComputedAt:       time.Now().UTC(),
		Sequence:         seq,
	}
}
