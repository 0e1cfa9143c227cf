// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
)

// GroupReader reads the current state of a group.
type GroupReader interface {
	Group(ctx context.Context, groupID string) (*group.Group, error)
}

// MembershipAuthz authorizes by group membership: any authenticated user
// may create a group, members may read and join, and only leaders may
// manage.
type MembershipAuthz struct {
	groups GroupReader
}

// NewMembershipAuthz creates the provider.
func NewMembershipAuthz(groups GroupReader) *MembershipAuthz {
	return &MembershipAuthz{groups: groups}
}

// Authorize implements extensions.AuthzProvider. A missing group surfaces
// as the reader's not-found error.
func (a *MembershipAuthz) Authorize(ctx context.Context, req extensions.AuthzRequest) error {
	if req.User == nil {
		return extensions.ErrUnauthorized
	}
	if req.Action == extensions.ActionCreate {
		return nil
	}
	g, err := a.groups.Group(ctx, req.GroupID)
	if err != nil {
		return err
	}
	m, ok := g.Member(req.User.UserID)
	if !ok {
		return fmt.Errorf("%w: %s is not a member of %s", extensions.ErrForbidden, req.User.UserID, req.GroupID)
	}
	if req.Action == extensions.ActionManage && m.Role != protocol.RoleLeader {
		return fmt.Errorf("%w: %s is not a leader of %s", extensions.ErrForbidden, req.User.UserID, req.GroupID)
	}
	return nil
}

var _ extensions.AuthzProvider = (*MembershipAuthz)(nil)
