// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"time"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/consensus"
)

// Error codes carried by TypeError envelopes.
const (
	CodeInvalidMatrix   = "invalid_matrix"
	CodeInvalidPayload  = "invalid_payload"
	CodeForbidden       = "forbidden"
	CodeGroupNotActive  = "group_not_active"
	CodeVersionConflict = "version_conflict"
	CodeLockConflict    = "lock_conflict"
	CodeUnsupportedType = "unsupported_type"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// Roles a member can hold in a group.
const (
	RoleLeader   = "leader"
	RoleMember   = "member"
	RoleObserver = "observer"
)

// OnlineUser is the presence projection of a connected member.
type OnlineUser struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	ConnectedAt  time.Time `json:"connected_at"`
	SelectedNode *string   `json:"selected_node"`
}

// =============================================================================
// Client → Server
// =============================================================================

// MatrixUpdate edits a single judgment of the sender's matrix for a node.
// Size is used when the sender has no matrix yet for that node.
type MatrixUpdate struct {
	NodeID string  `json:"node_id"`
	Size   int     `json:"size"`
	Row    int     `json:"row"`
	Col    int     `json:"col"`
	Value  float64 `json:"value"`
}

// EvaluationSubmit replaces the sender's matrix for a node.
type EvaluationSubmit struct {
	NodeID string     `json:"node_id"`
	Matrix ahp.Matrix `json:"matrix"`
}

// EvaluationReset removes the sender's matrix for a node.
type EvaluationReset struct {
	NodeID string `json:"node_id"`
}

// Element is a criterion or alternative of the shared model.
type Element struct {
	ID          string `json:"id"`
	ParentID    string `json:"parent_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ElementLock requests or releases the edit lock on an element.
type ElementLock struct {
	ElementID string `json:"element_id"`
}

// ChatMessage is a free-text group message.
type ChatMessage struct {
	Text string `json:"text"`
}

// SelectionChange announces the node a user is looking at; nil clears it.
type SelectionChange struct {
	NodeID *string `json:"node_id"`
}

// CursorMove is a pointer position on a node.
type CursorMove struct {
	NodeID string  `json:"node_id,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// =============================================================================
// Server → Client
// =============================================================================

// Ack confirms that the write tagged ClientID was applied at Version.
type Ack struct {
	ClientID string `json:"client_id"`
	Version  int64  `json:"version"`
}

// HeartbeatAck answers a heartbeat with the current server version.
type HeartbeatAck struct {
	Version int64 `json:"version"`
}

// ErrorPayload rejects a client frame. ClientID is set when the rejected
// frame carried one.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// PresenceSync is the full roster, sent right after a connection joins.
type PresenceSync struct {
	Users   []OnlineUser `json:"users"`
	Version int64        `json:"version"`
}

// UserJoin announces a newly connected user.
type UserJoin struct {
	User OnlineUser `json:"user"`
}

// UserLeave announces a user whose last connection closed.
type UserLeave struct {
	UserID string `json:"user_id"`
}

// SelectionChanged is the server relay of a SelectionChange.
type SelectionChanged struct {
	UserID string  `json:"user_id"`
	NodeID *string `json:"node_id"`
}

// ConsensusUpdate pushes a freshly recomputed aggregate and its metrics.
type ConsensusUpdate struct {
	GroupID          string            `json:"group_id"`
	NodeID           string            `json:"node_id"`
	Method           string            `json:"method"`
	Matrix           ahp.Matrix        `json:"matrix"`
	Priorities       []float64         `json:"priorities"`
	ConsistencyRatio float64           `json:"consistency_ratio"`
	IsConsistent     bool              `json:"is_consistent"`
	ConsensusIndex   float64           `json:"consensus_index"`
	ParticipantCount int               `json:"participant_count"`
	Sequence         int64             `json:"sequence"`
	ComputedAt       time.Time         `json:"computed_at"`
	ConsensusReached bool              `json:"consensus_reached"`
	Metrics          consensus.Metrics `json:"metrics"`
}

// Activity kinds.
const (
	ActivityJoined    = "joined"
	ActivityLeft      = "left"
	ActivitySubmitted = "submitted"
	ActivityReset     = "reset"
	ActivityStatus    = "status"
)

// Activity is one entry of the group activity stream.
type Activity struct {
	Kind     string    `json:"kind"`
	UserID   string    `json:"user_id,omitempty"`
	UserName string    `json:"user_name,omitempty"`
	NodeID   string    `json:"node_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// SessionStatus announces a group lifecycle change.
type SessionStatus struct {
	GroupID string `json:"group_id"`
	Status  string `json:"status"`
}
