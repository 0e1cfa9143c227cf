// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type mockAuthProvider struct {
	authInfo *extensions.AuthInfo
	err      error
	token    string
}

func (m *mockAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	m.token = token
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

func testContext(target string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", target, nil)
	return c
}

// =============================================================================
// Token Extraction Tests
// =============================================================================

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"bearer", "/", "Bearer abc123", "abc123"},
		{"case insensitive", "/", "bEaReR abc123", "abc123"},
		{"missing", "/", "", ""},
		{"basic auth", "/", "Basic abc123", ""},
		{"empty bearer", "/", "Bearer ", ""},
		{"query fallback", "/ws?access_token=q1", "", "q1"},
		{"header wins", "/ws?access_token=q1", "Bearer h1", "h1"},
		{"malformed header uses query", "/ws?access_token=q1", "Token h1", "q1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testContext(tt.target)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, ExtractToken(c))
		})
	}
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func serve(mw gin.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, *extensions.AuthInfo, error) {
	var (
		seen    *extensions.AuthInfo
		seenErr error
	)
	router := gin.New()
	router.GET("/", mw, func(c *gin.Context) {
		seen = GetAuthInfo(c)
		seenErr = GetAuthError(c)
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w, seen, seenErr
}

func TestAuthMiddleware_StoresAuthInfo(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "amy"}}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer tok")

	w, info, _ := serve(AuthMiddleware(provider), req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, info)
	assert.Equal(t, "amy", info.UserID)
	assert.Equal(t, "tok", provider.token)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
	}{
		{"unauthorized", extensions.ErrUnauthorized, `{"error":"unauthorized"}`},
		{"wrapped", errors.Join(errors.New("expired"), extensions.ErrUnauthorized), `{"error":"unauthorized"}`},
		{"provider failure", errors.New("idp down"), `{"error":"authentication failed"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, info, _ := serve(AuthMiddleware(&mockAuthProvider{err: tt.err}), httptest.NewRequest("GET", "/", nil))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
			assert.Nil(t, info)
		})
	}
}

func TestSoftAuthMiddleware_RecordsFailure(t *testing.T) {
	w, info, err := serve(SoftAuthMiddleware(&mockAuthProvider{err: extensions.ErrUnauthorized}),
		httptest.NewRequest("GET", "/?access_token=bad", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, info)
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)

	_, info, err = serve(SoftAuthMiddleware(&mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "bob"}}),
		httptest.NewRequest("GET", "/", nil))
	assert.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "bob", info.UserID)
}

func TestGetAuthInfo_WrongType(t *testing.T) {
	c := testContext("/")
	c.Set(authInfoKey, "not-auth-info")
	assert.Nil(t, GetAuthInfo(c))
	assert.Nil(t, GetAuthError(c))
}
