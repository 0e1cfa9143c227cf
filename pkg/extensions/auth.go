// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when a token is missing, malformed, expired
// or signed with the wrong key.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated user may not perform the
// requested action.
var ErrForbidden = errors.New("forbidden")

// AuthInfo is the identity behind a validated token.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Name: Display name shown in the presence roster
//   - Email: User's email address
//   - Roles: Service-wide roles, e.g. "facilitator"
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// Name is the display name. Falls back to UserID when empty.
	Name string

	Email string

	// Roles are service-wide roles. Group roles (leader, member,
	// observer) live on the group membership, not here.
	Roles []string
}

// DisplayName returns Name, or UserID when no name is known.
func (a *AuthInfo) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.UserID
}

// HasRole checks if the user has a specific service-wide role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// Actions checked through AuthzProvider.
const (
	ActionJoin   = "join"
	ActionManage = "manage"
	ActionCreate = "create"
	ActionRead   = "read"
)

// AuthzRequest describes an authorization check on a group.
type AuthzRequest struct {
	// User is the authenticated user making the request.
	User *AuthInfo

	// Action is one of the Action constants.
	Action string

	// GroupID is the evaluation group. Empty for ActionCreate.
	GroupID string
}

// AuthzProvider checks if a user is authorized to perform an action.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthzProvider interface {
	// Authorize returns nil when the action is allowed and ErrForbidden
	// (or wrapped) when it is denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts any token as the single local user.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local user. A non-empty token is used as the
// user id so that several local clients can be told apart.
func (p *NopAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	id := "local-user"
	if token != "" {
		id = token
	}
	return &AuthInfo{UserID: id, Roles: []string{"facilitator"}}, nil
}

// NopAuthzProvider allows every action.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
