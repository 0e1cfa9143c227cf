// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/pkg/validation"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

// maxChatLength bounds chat_message text.
const maxChatLength = 4000

// handle applies one inbound envelope. Runs on the actor.
func (r *Room) handle(c *Client, env protocol.Envelope) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	r.hub.metrics.MessageReceived(string(env.Type))
	r.grp.Touch(c.UserID, time.Now().UTC())

	if !env.Type.Valid() {
		r.reject(c, env.ClientID, protocol.CodeUnsupportedType, fmt.Sprintf("unknown type %q", env.Type))
		return
	}
	if env.Type.RequiresAck() {
		if env.ClientID == "" {
			r.reject(c, "", protocol.CodeInvalidPayload, "client_id required")
			return
		}
		if v, seen := r.idem[env.ClientID]; seen {
			r.sendAck(c, env.ClientID, v)
			return
		}
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		r.sendTo(c, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{Version: r.version})
	case protocol.TypeEvaluationSubmit:
		r.handleSubmit(c, env)
	case protocol.TypeEvaluationReset:
		r.handleReset(c, env)
	case protocol.TypeMatrixUpdate:
		r.handleMatrixUpdate(c, env)
	case protocol.TypeCriteriaAdd, protocol.TypeCriteriaUpdate, protocol.TypeCriteriaDelete,
		protocol.TypeAlternativeAdd, protocol.TypeAlternativeUpdate, protocol.TypeAlternativeDelete:
		r.handleElement(c, env)
	case protocol.TypeLockElement, protocol.TypeUnlockElement:
		r.handleLock(c, env)
	case protocol.TypeChatMessage:
		r.handleChat(c, env)
	case protocol.TypeSelectionChange:
		r.handleSelection(c, env)
	case protocol.TypeCursorMove:
		r.relay(c, env)
	default:
		r.reject(c, env.ClientID, protocol.CodeUnsupportedType, fmt.Sprintf("%s is server-only", env.Type))
	}
}

// =============================================================================
// Replies
// =============================================================================

func (r *Room) reject(c *Client, clientID, code, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
		Code:     code,
		Message:  message,
		ClientID: clientID,
	})
	if err != nil {
		return
	}
	env.ClientID = clientID
	c.enqueue(env.WithVersion(r.version))
	r.hub.metrics.Rejected(code)
}

func (r *Room) sendAck(c *Client, clientID string, version int64) {
	env, err := protocol.NewEnvelope(protocol.TypeAck, protocol.Ack{ClientID: clientID, Version: version})
	if err != nil {
		return
	}
	env.ClientID = clientID
	c.enqueue(env.WithVersion(version))
	r.hub.metrics.Acked()
}

// applied bumps the version, remembers the client id and ACKs it.
func (r *Room) applied(c *Client, clientID string) {
	r.version++
	r.idem[clientID] = r.version
	r.idemOrder = append(r.idemOrder, clientID)
	if len(r.idemOrder) > r.hub.cfg.IdempotencyWindow {
		delete(r.idem, r.idemOrder[0])
		r.idemOrder = r.idemOrder[1:]
	}
	r.sendAck(c, clientID, r.version)
}

// relay forwards env to everybody else, stamped with the sender.
func (r *Room) relay(c *Client, env protocol.Envelope) {
	env.UserID = c.UserID
	env.UserName = c.UserName
	env.Timestamp = time.Now().UTC()
	r.broadcast(env.WithVersion(r.version), c)
}

// =============================================================================
// Evaluations
// =============================================================================

// canEvaluate checks that c may change matrices right now.
func (r *Room) canEvaluate(c *Client, clientID string) bool {
	if c.Role == protocol.RoleObserver {
		r.reject(c, clientID, protocol.CodeForbidden, "observers cannot evaluate")
		return false
	}
	if r.grp.Status != group.StatusActive {
		r.reject(c, clientID, protocol.CodeGroupNotActive, fmt.Sprintf("group is %s", r.grp.Status))
		return false
	}
	return true
}

func validNode(nodeID string) bool {
	return validation.ValidateID("node", nodeID) == nil
}

func (r *Room) handleSubmit(c *Client, env protocol.Envelope) {
	var in protocol.EvaluationSubmit
	if err := env.Decode(&in); err != nil || !validNode(in.NodeID) {
		r.reject(c, env.ClientID, protocol.CodeInvalidPayload, "evaluation_submit needs node_id and matrix")
		return
	}
	if !r.canEvaluate(c, env.ClientID) {
		return
	}
	if err := in.Matrix.Validate(); err != nil {
		r.reject(c, env.ClientID, protocol.CodeInvalidMatrix, err.Error())
		return
	}
	r.storeMatrix(c, env.ClientID, in.NodeID, in.Matrix, protocol.ActivitySubmitted)
}

func (r *Room) handleMatrixUpdate(c *Client, env protocol.Envelope) {
	var in protocol.MatrixUpdate
	if err := env.Decode(&in); err != nil || !validNode(in.NodeID) {
		r.reject(c, env.ClientID, protocol.CodeInvalidPayload, "matrix_update needs node_id")
		return
	}
	if !r.canEvaluate(c, env.ClientID) {
		return
	}
	m, ok, err := r.evaluatorMatrix(in.NodeID, c.UserID)
	if err != nil {
		r.internal(c, env.ClientID, err)
		return
	}
	if !ok {
		if in.Size < 2 {
			r.reject(c, env.ClientID, protocol.CodeInvalidMatrix, "size required for a new matrix")
			return
		}
		m = ahp.Identity(in.Size)
	}
	if err := m.Set(in.Row, in.Col, in.Value); err != nil {
		r.reject(c, env.ClientID, protocol.CodeInvalidMatrix, err.Error())
		return
	}
	r.storeMatrix(c, env.ClientID, in.NodeID, m, protocol.ActivitySubmitted)
}

// storeMatrix persists m as c's matrix on nodeID, ACKs and recomputes.
func (r *Room) storeMatrix(c *Client, clientID, nodeID string, m ahp.Matrix, kind string) {
	subs, err := r.node(nodeID)
	if err != nil {
		r.internal(c, clientID, err)
		return
	}
	if size := nodeSize(subs, c.UserID); size != 0 && size != m.Size() {
		r.reject(c, clientID, protocol.CodeInvalidMatrix,
			fmt.Sprintf("%v: node uses %dx%d", ahp.ErrDimensionMismatch, size, size))
		return
	}
	sub := store.Submission{EvaluatorID: c.UserID, NodeID: nodeID, Matrix: m, SubmittedAt: time.Now().UTC()}
	if err := r.saveSubmission(sub); err != nil {
		r.internal(c, clientID, err)
		return
	}
	r.applied(c, clientID)
	r.activity(kind, c, nodeID, "")
	r.schedule(nodeID)
}

func (r *Room) handleReset(c *Client, env protocol.Envelope) {
	var in protocol.EvaluationReset
	if err := env.Decode(&in); err != nil || !validNode(in.NodeID) {
		r.reject(c, env.ClientID, protocol.CodeInvalidPayload, "evaluation_reset needs node_id")
		return
	}
	if !r.canEvaluate(c, env.ClientID) {
		return
	}
	if err := r.deleteSubmission(in.NodeID, c.UserID); err != nil {
		r.internal(c, env.ClientID, err)
		return
	}
	r.applied(c, env.ClientID)
	r.activity(protocol.ActivityReset, c, in.NodeID, "")
	r.schedule(in.NodeID)
}

func (r *Room) internal(c *Client, clientID string, err error) {
	r.logger.Error("apply message", "user_id", c.UserID, "client_id", clientID, "error", err)
	r.reject(c, clientID, protocol.CodeInternal, "internal error")
}

// =============================================================================
// Model Elements
// =============================================================================

func (r *Room) handleElement(c *Client, env protocol.Envelope) {
	var el protocol.Element
	if err := env.Decode(&el); err != nil || validation.ValidateID("element", el.ID) != nil {
		r.reject(c, env.ClientID, protocol.CodeInvalidPayload, string(env.Type)+" needs an element id")
		return
	}
	if c.Role == protocol.RoleObserver {
		r.reject(c, env.ClientID, protocol.CodeForbidden, "observers cannot edit the model")
		return
	}
	if r.grp.Status == group.StatusCompleted {
		r.reject(c, env.ClientID, protocol.CodeGroupNotActive, "group is completed")
		return
	}
	if last, ok := r.elements[el.ID]; ok && env.Version != nil && *env.Version < last {
		r.reject(c, env.ClientID, protocol.CodeVersionConflict,
			fmt.Sprintf("element %s changed at version %d", el.ID, last))
		return
	}
	if holder, ok := r.locks[el.ID]; ok && holder != c.UserID {
		r.reject(c, env.ClientID, protocol.CodeLockConflict, fmt.Sprintf("element %s is locked by %s", el.ID, holder))
		return
	}
	r.applied(c, env.ClientID)
	r.elements[el.ID] = r.version
	if env.Type == protocol.TypeCriteriaDelete || env.Type == protocol.TypeAlternativeDelete {
		delete(r.locks, el.ID)
	}
	r.relay(c, env)
}

func (r *Room) handleLock(c *Client, env protocol.Envelope) {
	var in protocol.ElementLock
	if err := env.Decode(&in); err != nil || validation.ValidateID("element", in.ElementID) != nil {
		r.reject(c, env.ClientID, protocol.CodeInvalidPayload, string(env.Type)+" needs element_id")
		return
	}
	if c.Role == protocol.RoleObserver {
		r.reject(c, env.ClientID, protocol.CodeForbidden, "observers cannot lock elements")
		return
	}
	holder, locked := r.locks[in.ElementID]
	if locked && holder != c.UserID {
		r.reject(c, env.ClientID, protocol.CodeLockConflict, fmt.Sprintf("element %s is locked by %s", in.ElementID, holder))
		return
	}
	if env.Type == protocol.TypeLockElement {
		r.locks[in.ElementID] = c.UserID
	} else {
		delete(r.locks, in.ElementID)
	}
	r.applied(c, env.ClientID)
	r.relay(c, env)
}

// =============================================================================
// Chat and Presence
// =============================================================================

func (r *Room) handleChat(c *Client, env protocol.Envelope) {
	var in protocol.ChatMessage
	if err := env.Decode(&in); err != nil || strings.TrimSpace(in.Text) == "" || len(in.Text) > maxChatLength {
		r.reject(c, env.ClientID, protocol.CodeInvalidPayload, "chat_message needs non-empty text")
		return
	}
	r.applied(c, env.ClientID)
	r.relay(c, env)
}

func (r *Room) handleSelection(c *Client, env protocol.Envelope) {
	var in protocol.SelectionChange
	if err := env.Decode(&in); err != nil {
		r.reject(c, "", protocol.CodeInvalidPayload, "bad selection_change")
		return
	}
	if p, ok := r.users[c.UserID]; ok {
		p.user.SelectedNode = in.NodeID
	}
	out, err := protocol.NewEnvelope(protocol.TypeSelectionChange, protocol.SelectionChanged{
		UserID: c.UserID,
		NodeID: in.NodeID,
	})
	if err != nil {
		return
	}
	out.UserID = c.UserID
	out.UserName = c.UserName
	r.broadcast(out.WithVersion(r.version), c)
}
