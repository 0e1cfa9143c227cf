// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"sort"
	"sync"

	"github.com/AleutianAI/GroupAHP/pkg/protocol"
)

// Roster is the client's read-only view of who is online. It is written
// only by server presence events.
type Roster struct {
	mu    sync.RWMutex
	users map[string]protocol.OnlineUser
}

func newRoster() *Roster {
	return &Roster{users: make(map[string]protocol.OnlineUser)}
}

func (r *Roster) replace(users []protocol.OnlineUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]protocol.OnlineUser, len(users))
	for _, u := range users {
		r.users[u.ID] = u
	}
}

func (r *Roster) upsert(u protocol.OnlineUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *Roster) remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
}

func (r *Roster) selectNode(userID string, node *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return
	}
	u.SelectedNode = node
	r.users[userID] = u
}

func (r *Roster) clear() {
	r.replace(nil)
}

// Snapshot returns the online users sorted by connection time, then id.
func (r *Roster) Snapshot() []protocol.OnlineUser {
	r.mu.RLock()
	out := make([]protocol.OnlineUser, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
