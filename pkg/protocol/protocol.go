// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the wire format shared by the collaboration
// client and server.
//
// Every frame in either direction is one JSON Envelope. The Type set is
// closed; the shape of Data depends on Type and is described by the payload
// structs in payloads.go.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType names an envelope kind.
type MessageType string

const (
	// Model mutations. All require an ACK.
	TypeMatrixUpdate      MessageType = "matrix_update"
	TypeCriteriaAdd       MessageType = "criteria_add"
	TypeCriteriaUpdate    MessageType = "criteria_update"
	TypeCriteriaDelete    MessageType = "criteria_delete"
	TypeAlternativeAdd    MessageType = "alternative_add"
	TypeAlternativeUpdate MessageType = "alternative_update"
	TypeAlternativeDelete MessageType = "alternative_delete"
	TypeEvaluationSubmit  MessageType = "evaluation_submit"
	TypeEvaluationReset   MessageType = "evaluation_reset"
	TypeLockElement       MessageType = "lock_element"
	TypeUnlockElement     MessageType = "unlock_element"
	TypeChatMessage       MessageType = "chat_message"

	// Presence.
	TypeUserJoin        MessageType = "user_join"
	TypeUserLeave       MessageType = "user_leave"
	TypeSelectionChange MessageType = "selection_change"
	TypeCursorMove      MessageType = "cursor_move"
	TypePresenceSync    MessageType = "presence_sync"

	// Control.
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeAck          MessageType = "ack"
	TypeError        MessageType = "error"

	// Group monitoring feed.
	TypeConsensusUpdate MessageType = "consensus_update"
	TypeActivity        MessageType = "activity"
	TypeSessionStatus   MessageType = "session_status"
)

var ackRequired = map[MessageType]bool{
	TypeMatrixUpdate:      true,
	TypeCriteriaAdd:       true,
	TypeCriteriaUpdate:    true,
	TypeCriteriaDelete:    true,
	TypeAlternativeAdd:    true,
	TypeAlternativeUpdate: true,
	TypeAlternativeDelete: true,
	TypeEvaluationSubmit:  true,
	TypeEvaluationReset:   true,
	TypeLockElement:       true,
	TypeUnlockElement:     true,
	TypeChatMessage:       true,
}

var known = map[MessageType]bool{
	TypeUserJoin:        true,
	TypeUserLeave:       true,
	TypeSelectionChange: true,
	TypeCursorMove:      true,
	TypePresenceSync:    true,
	TypeHeartbeat:       true,
	TypeHeartbeatAck:    true,
	TypeAck:             true,
	TypeError:           true,
	TypeConsensusUpdate: true,
	TypeActivity:        true,
	TypeSessionStatus:   true,
}

// Valid reports whether t belongs to the closed type set.
func (t MessageType) Valid() bool {
	return ackRequired[t] || known[t]
}

// RequiresAck reports whether a client write of this type is tracked for
// acknowledgement.
func (t MessageType) RequiresAck() bool {
	return ackRequired[t]
}

// IsEphemeral reports whether the type is fire-and-forget.
func (t MessageType) IsEphemeral() bool {
	switch t {
	case TypeCursorMove, TypeSelectionChange, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// IsElementMutation reports whether the type edits the criteria or
// alternatives of the model.
func (t MessageType) IsElementMutation() bool {
	switch t {
	case TypeCriteriaAdd, TypeCriteriaUpdate, TypeCriteriaDelete,
		TypeAlternativeAdd, TypeAlternativeUpdate, TypeAlternativeDelete:
		return true
	default:
		return false
	}
}

// =============================================================================
// Close Codes
// =============================================================================

// Application close codes sent in the WebSocket close frame.
const (
	CloseAuthFailed   = 4001
	CloseAccessDenied = 4003
	CloseSessionEnded = 4004
)

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   *int64          `json:"version,omitempty"`
	ClientID  string          `json:"client_id"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"user_id,omitempty"`
	UserName  string          `json:"user_name,omitempty"`
}

// NewEnvelope marshals data into a new envelope stamped with the current
// time. A nil data leaves Data empty.
func NewEnvelope(t MessageType, data any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UTC()}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals Data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// WithVersion returns a copy of e tagged with version v.
func (e Envelope) WithVersion(v int64) Envelope {
	e.Version = &v
	return e
}

// VersionOrZero returns the tagged version, or 0 when untagged.
func (e Envelope) VersionOrZero() int64 {
	if e.Version == nil {
		return 0
	}
	return *e.Version
}
