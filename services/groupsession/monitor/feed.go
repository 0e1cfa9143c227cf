// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"time"

	"github.com/AleutianAI/GroupAHP/pkg/protocol"
)

// ConsensusEnvelope builds a consensus_update feed frame.
func ConsensusEnvelope(u Update) (protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.TypeConsensusUpdate, u.Message())
}

// ActivityEnvelope builds an activity feed frame.
func ActivityEnvelope(kind, userID, userName, nodeID, detail string) (protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.TypeActivity, protocol.Activity{
		Kind:     kind,
		UserID:   userID,
		UserName: userName,
		NodeID:   nodeID,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
}

// StatusEnvelope builds a session_status feed frame.
func StatusEnvelope(groupID, status string) (protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.TypeSessionStatus, protocol.SessionStatus{
		GroupID: groupID,
		Status:  status,
	})
}
