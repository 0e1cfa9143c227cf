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
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/middleware"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

const closeTimeout = 5 * time.Second

// HandleWebSocket handles GET /v1/groups/:groupID/ws.
//
// # Description
//
// The connection is upgraded before any check so that failures reach the
// client as close codes rather than HTTP statuses: 4001 when the token is
// missing or invalid, 4003 when the caller may not join the group. The
// route must be wrapped in middleware.SoftAuthMiddleware.
//
// # Thread Safety
//
// Blocks for the lifetime of the connection.
func (h *GroupHandler) HandleWebSocket(c *gin.Context) {
	groupID := c.Param("groupID")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "group_id", groupID, "error", err)
		return
	}

	user := middleware.GetAuthInfo(c)
	if authErr := middleware.GetAuthError(c); authErr != nil || user == nil {
		h.logger.Info("websocket authentication failed", "group_id", groupID, "error", authErr)
		closeWith(conn, protocol.CloseAuthFailed, "authentication failed")
		return
	}

	err = h.authz.Authorize(c.Request.Context(), extensions.AuthzRequest{
		User:    user,
		Action:  extensions.ActionJoin,
		GroupID: groupID,
	})
	switch {
	case err == nil:
	case errors.Is(err, extensions.ErrForbidden), errors.Is(err, store.ErrNotFound):
		h.logger.Info("websocket join denied", "group_id", groupID, "user_id", user.UserID, "error", err)
		closeWith(conn, protocol.CloseAccessDenied, "access denied")
		return
	default:
		h.logger.Error("websocket authorization failed", "group_id", groupID, "user_id", user.UserID, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	h.sessions.ServeConn(c.Request.Context(), groupID, user, conn)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	_ = conn.Close()
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
