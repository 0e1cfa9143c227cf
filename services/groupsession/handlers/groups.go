// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP and WebSocket surface of the group
// session service.
//
// REST handlers are facilitator operations on groups: create, lifecycle,
// membership, results and presence. The WebSocket handler upgrades the
// connection and hands it to the hub, which speaks the collaboration
// protocol from there on.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/GroupAHP/pkg/aggregation"
	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/pkg/validation"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
	"github.com/AleutianAI/GroupAHP/services/groupsession/hub"
	"github.com/AleutianAI/GroupAHP/services/groupsession/middleware"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

// Sessions is what the handlers need from the hub.
type Sessions interface {
	Group(ctx context.Context, groupID string) (*group.Group, error)
	CreateGroup(ctx context.Context, g *group.Group) error
	Mutate(ctx context.Context, groupID string, fn func(g *group.Group) error) (*group.Group, error)
	Presence(ctx context.Context, groupID string) ([]protocol.OnlineUser, error)
	Aggregate(ctx context.Context, groupID, nodeID string) (group.AggregatedMatrix, error)
	ServeConn(ctx context.Context, groupID string, user *extensions.AuthInfo, conn *websocket.Conn)
}

var _ Sessions = (*hub.Hub)(nil)

// =============================================================================
// Request Types
// =============================================================================

// CreateGroupRequest is the body of POST /v1/groups. The caller becomes the
// group's leader.
type CreateGroupRequest struct {
	Name               string  `json:"name" binding:"required,max=200"`
	ProjectID          string  `json:"project_id" binding:"max=200"`
	Method             string  `json:"method" binding:"omitempty,oneof=aij aip fuzzy"`
	ConsensusThreshold float64 `json:"consensus_threshold" binding:"omitempty,gt=0,lte=1"`
	MinEvaluators      int     `json:"min_evaluators" binding:"omitempty,gte=1"`
	MaxEvaluators      int     `json:"max_evaluators" binding:"omitempty,gte=1"`
}

// AddMemberRequest is the body of POST /v1/groups/:groupID/members.
type AddMemberRequest struct {
	UserID    string  `json:"user_id" binding:"required,max=200"`
	Name      string  `json:"name" binding:"max=200"`
	Role      string  `json:"role" binding:"omitempty,oneof=leader member observer"`
	Expertise int     `json:"expertise" binding:"omitempty,min=1,max=10"`
	Weight    float64 `json:"weight" binding:"omitempty,gt=0"`
}

// UpdateMemberRequest is the body of PATCH /v1/groups/:groupID/members/:userID.
// At least one field must be set.
type UpdateMemberRequest struct {
	Role   *string  `json:"role" binding:"omitempty,oneof=leader member observer"`
	Weight *float64 `json:"weight" binding:"omitempty,gt=0"`
}

// =============================================================================
// Handler
// =============================================================================

// GroupHandler serves the group routes.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the hub.
type GroupHandler struct {
	sessions Sessions
	authz    extensions.AuthzProvider
	audit    extensions.AuditLogger
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGroupHandler creates a handler. Nil providers in opts take the no-op
// defaults.
func NewGroupHandler(sessions Sessions, opts extensions.ServiceOptions, logger *slog.Logger) *GroupHandler {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupHandler{
		sessions: sessions,
		authz:    opts.AuthzProvider,
		audit:    opts.AuditLogger,
		logger:   logger.With("component", "handlers"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// authorize resolves the caller and checks action on groupID. On failure
// the response is already written.
func (h *GroupHandler) authorize(c *gin.Context, action, groupID string) (*extensions.AuthInfo, bool) {
	user := middleware.GetAuthInfo(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	err := h.authz.Authorize(c.Request.Context(), extensions.AuthzRequest{User: user, Action: action, GroupID: groupID})
	if err == nil {
		return user, true
	}
	if errors.Is(err, extensions.ErrForbidden) {
		h.record(c, "access_denied", user, groupID, "", "denied", map[string]any{"action": action})
	}
	h.fail(c, err)
	return nil, false
}

func (h *GroupHandler) record(c *gin.Context, event string, user *extensions.AuthInfo, groupID, target, outcome string, detail map[string]any) {
	err := h.audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType: event,
		UserID:    user.UserID,
		GroupID:   groupID,
		Target:    target,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		h.logger.Warn("audit log failed", "event_type", event, "error", err)
	}
}

// fail writes the JSON error response for err.
func (h *GroupHandler) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, extensions.ErrForbidden), errors.Is(err, group.ErrNotLeader):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, group.ErrNotMember):
		return http.StatusNotFound
	case errors.Is(err, group.ErrInvalidGroup), errors.Is(err, ahp.ErrInvalidWeight),
		errors.Is(err, aggregation.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, group.ErrGroupCompleted), errors.Is(err, group.ErrInvalidTransition),
		errors.Is(err, group.ErrNotEnoughEvaluators), errors.Is(err, group.ErrGroupFull),
		errors.Is(err, group.ErrMemberExists), errors.Is(err, group.ErrLastLeader),
		errors.Is(err, hub.ErrRoomClosed):
		return http.StatusConflict
	case errors.Is(err, hub.ErrHubClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Groups
// =============================================================================

// CreateGroup handles POST /v1/groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	user, ok := h.authorize(c, extensions.ActionCreate, "")
	if !ok {
		return
	}
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := group.New(group.Group{
		ID:                 uuid.NewString(),
		ProjectID:          req.ProjectID,
		Name:               req.Name,
		Method:             aggregation.Method(req.Method),
		ConsensusThreshold: req.ConsensusThreshold,
		MinEvaluators:      req.MinEvaluators,
		MaxEvaluators:      req.MaxEvaluators,
	}, group.Member{UserID: user.UserID, Name: user.DisplayName()})
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.sessions.CreateGroup(c.Request.Context(), g); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("group created", "group_id", g.ID, "user_id", user.UserID, "method", string(g.Method))
	h.record(c, "group_created", user, g.ID, "", "success", map[string]any{"method": string(g.Method)})
	c.JSON(http.StatusCreated, g)
}

// GetGroup handles GET /v1/groups/:groupID.
func (h *GroupHandler) GetGroup(c *gin.Context) {
	groupID := c.Param("groupID")
	if _, ok := h.authorize(c, extensions.ActionRead, groupID); !ok {
		return
	}
	g, err := h.sessions.Group(c.Request.Context(), groupID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// StartGroup handles POST /v1/groups/:groupID/start.
func (h *GroupHandler) StartGroup(c *gin.Context) {
	h.transition(c, "group_started", (*group.Group).Start)
}

// PauseGroup handles POST /v1/groups/:groupID/pause.
func (h *GroupHandler) PauseGroup(c *gin.Context) {
	h.transition(c, "group_paused", (*group.Group).Pause)
}

// CompleteGroup handles POST /v1/groups/:groupID/complete. Connected
// members are disconnected with close code 4004.
func (h *GroupHandler) CompleteGroup(c *gin.Context) {
	h.transition(c, "group_completed", (*group.Group).Complete)
}

func (h *GroupHandler) transition(c *gin.Context, event string, fn func(*group.Group) error) {
	groupID := c.Param("groupID")
	user, ok := h.authorize(c, extensions.ActionManage, groupID)
	if !ok {
		return
	}
	g, err := h.sessions.Mutate(c.Request.Context(), groupID, fn)
	if err != nil {
		h.record(c, event, user, groupID, "", "failure", map[string]any{"error": err.Error()})
		h.fail(c, err)
		return
	}
	h.logger.Info("group status changed", "group_id", groupID, "user_id", user.UserID, "status", string(g.Status))
	h.record(c, event, user, groupID, "", "success", nil)
	c.JSON(http.StatusOK, g)
}

// =============================================================================
// Members
// =============================================================================

// AddMember handles POST /v1/groups/:groupID/members.
func (h *GroupHandler) AddMember(c *gin.Context) {
	groupID := c.Param("groupID")
	user, ok := h.authorize(c, extensions.ActionManage, groupID)
	if !ok {
		return
	}
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := validation.SanitizeID("user", req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := h.sessions.Mutate(c.Request.Context(), groupID, func(g *group.Group) error {
		return g.AddMember(group.Member{
			UserID:    userID,
			Name:      req.Name,
			Role:      req.Role,
			Expertise: req.Expertise,
			Weight:    req.Weight,
		})
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, "member_added", user, groupID, userID, "success", map[string]any{"role": req.Role})
	c.JSON(http.StatusCreated, g)
}

// UpdateMember handles PATCH /v1/groups/:groupID/members/:userID. Weight
// changes trigger recomputation of every node.
func (h *GroupHandler) UpdateMember(c *gin.Context) {
	groupID, target := c.Param("groupID"), c.Param("userID")
	user, ok := h.authorize(c, extensions.ActionManage, groupID)
	if !ok {
		return
	}
	var req UpdateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == nil && req.Weight == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role or weight required"})
		return
	}
	g, err := h.sessions.Mutate(c.Request.Context(), groupID, func(g *group.Group) error {
		if req.Role != nil {
			if err := g.SetRole(user.UserID, target, *req.Role); err != nil {
				return err
			}
		}
		if req.Weight != nil {
			return g.SetWeight(user.UserID, target, *req.Weight)
		}
		return nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	detail := map[string]any{}
	if req.Role != nil {
		detail["role"] = *req.Role
	}
	if req.Weight != nil {
		detail["weight"] = *req.Weight
	}
	h.record(c, "member_updated", user, groupID, target, "success", detail)
	c.JSON(http.StatusOK, g)
}

// RemoveMember handles DELETE /v1/groups/:groupID/members/:userID. The
// member is disconnected with 4003 and their matrices are dropped.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	groupID, target := c.Param("groupID"), c.Param("userID")
	user, ok := h.authorize(c, extensions.ActionManage, groupID)
	if !ok {
		return
	}
	g, err := h.sessions.Mutate(c.Request.Context(), groupID, func(g *group.Group) error {
		return g.RemoveMember(target)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, "member_removed", user, groupID, target, "success", nil)
	c.JSON(http.StatusOK, g)
}

// =============================================================================
// Results and Presence
// =============================================================================

// GetAggregate handles GET /v1/groups/:groupID/nodes/:nodeID/aggregate.
func (h *GroupHandler) GetAggregate(c *gin.Context) {
	groupID := c.Param("groupID")
	if _, ok := h.authorize(c, extensions.ActionRead, groupID); !ok {
		return
	}
	nodeID := c.Param("nodeID")
	if err := validation.ValidateID("node", nodeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agg, err := h.sessions.Aggregate(c.Request.Context(), groupID, nodeID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

// GetPresence handles GET /v1/groups/:groupID/presence.
func (h *GroupHandler) GetPresence(c *gin.Context) {
	groupID := c.Param("groupID")
	if _, ok := h.authorize(c, extensions.ActionRead, groupID); !ok {
		return
	}
	users, err := h.sessions.Presence(c.Request.Context(), groupID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "users": users})
}
