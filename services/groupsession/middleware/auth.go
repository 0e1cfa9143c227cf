// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the group session service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token, validates it with the
// configured AuthProvider and stores the resulting AuthInfo in the Gin
// context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► "Authorization: Bearer <token>" or ?access_token=<token>
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// Browsers cannot set headers on a WebSocket upgrade, which is why the
// query parameter is accepted as a fallback.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	authInfoKey = "groupahp_auth_info"
	authErrKey  = "groupahp_auth_error"
)

// AccessTokenParam is the query parameter consulted when no Authorization
// header is present.
const AccessTokenParam = "access_token"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if not authenticated.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// GetAuthError returns the validation error recorded by SoftAuthMiddleware,
// or nil.
func GetAuthError(c *gin.Context) error {
	if v, exists := c.Get(authErrKey); exists {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Requests whose token fails validation are aborted with 401 and a JSON
// error body. ErrUnauthorized yields "unauthorized"; any other provider
// failure yields "authentication failed".
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo, err := provider.Validate(c.Request.Context(), ExtractToken(c))
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// SoftAuthMiddleware validates like AuthMiddleware but never aborts. A
// failure is recorded for GetAuthError so the WebSocket handler can upgrade
// first and report it with close code 4001.
func SoftAuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo, err := provider.Validate(c.Request.Context(), ExtractToken(c))
		if err != nil {
			c.Set(authErrKey, err)
		} else {
			SetAuthInfo(c, authInfo)
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// ExtractToken returns the bearer token of the request, falling back to the
// access_token query parameter. The "Bearer" prefix is case-insensitive per
// RFC 7235. Returns "" when neither is present.
func ExtractToken(c *gin.Context) string {
	if token := extractBearerToken(c); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query(AccessTokenParam))
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
