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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
	"github.com/AleutianAI/GroupAHP/services/groupsession/hub"
	"github.com/AleutianAI/GroupAHP/services/groupsession/middleware"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// tokenAuth accepts any token as the user id, except "bad".
type tokenAuth struct{}

func (tokenAuth) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" || token == "bad" {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{UserID: token}, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.EventType + ":" + e.Outcome
	}
	return out
}

type fixture struct {
	t      *testing.T
	router *gin.Engine
	hub    *hub.Hub
	audit  *recordingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := hub.New(hub.Config{}, hub.Options{Store: store.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	audit := &recordingAudit{}
	opts := extensions.ServiceOptions{
		AuthProvider:  tokenAuth{},
		AuthzProvider: NewMembershipAuthz(h),
		AuditLogger:   audit,
	}
	gh := NewGroupHandler(h, opts, nil)

	router := gin.New()
	router.GET("/health", HealthCheck)
	router.GET("/v1/groups/:groupID/ws", middleware.SoftAuthMiddleware(opts.AuthProvider), gh.HandleWebSocket)
	v1 := router.Group("/v1", middleware.AuthMiddleware(opts.AuthProvider))
	v1.POST("/groups", gh.CreateGroup)
	v1.GET("/groups/:groupID", gh.GetGroup)
	v1.POST("/groups/:groupID/start", gh.StartGroup)
	v1.POST("/groups/:groupID/pause", gh.PauseGroup)
	v1.POST("/groups/:groupID/complete", gh.CompleteGroup)
	v1.POST("/groups/:groupID/members", gh.AddMember)
	v1.PATCH("/groups/:groupID/members/:userID", gh.UpdateMember)
	v1.DELETE("/groups/:groupID/members/:userID", gh.RemoveMember)
	v1.GET("/groups/:groupID/nodes/:nodeID/aggregate", gh.GetAggregate)
	v1.GET("/groups/:groupID/presence", gh.GetPresence)

	return &fixture{t: t, router: router, hub: h, audit: audit}
}

func (f *fixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeGroup(t *testing.T, w *httptest.ResponseRecorder) group.Group {
	t.Helper()
	var g group.Group
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &g), w.Body.String())
	return g
}

// create makes a group led by lead with amy as member.
func (f *fixture) create() string {
	f.t.Helper()
	w := f.do("POST", "/v1/groups", "lead", CreateGroupRequest{Name: "Vendor choice", Method: "aip"})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	id := decodeGroup(f.t, w).ID

	w = f.do("POST", "/v1/groups/"+id+"/members", "lead", AddMemberRequest{UserID: "amy", Name: "Amy"})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	return id
}

// =============================================================================
// Group Tests
// =============================================================================

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)

	w := f.do("POST", "/v1/groups", "lead", CreateGroupRequest{Name: "Vendor choice", ConsensusThreshold: 0.9})
	require.Equal(t, http.StatusCreated, w.Code)
	g := decodeGroup(t, w)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, group.StatusPending, g.Status)
	assert.Equal(t, 0.9, g.ConsensusThreshold)
	require.Len(t, g.Members, 1)
	assert.Equal(t, "lead", g.Members[0].UserID)
	assert.Equal(t, protocol.RoleLeader, g.Members[0].Role)
	assert.Contains(t, f.audit.types(), "group_created:success")
}

func TestCreateGroup_Invalid(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing name", CreateGroupRequest{}},
		{"unknown method", CreateGroupRequest{Name: "x", Method: "median"}},
		{"threshold above one", CreateGroupRequest{Name: "x", ConsensusThreshold: 1.5}},
		{"min above max", CreateGroupRequest{Name: "x", MinEvaluators: 5, MaxEvaluators: 3}},
		{"not json", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do("POST", "/v1/groups", "lead", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, http.StatusUnauthorized, f.do("POST", "/v1/groups", "", CreateGroupRequest{Name: "x"}).Code)
}

func TestGetGroup_Access(t *testing.T) {
	f := newFixture(t)
	id := f.create()

	assert.Equal(t, http.StatusOK, f.do("GET", "/v1/groups/"+id, "amy", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do("GET", "/v1/groups/"+id, "mallory", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do("GET", "/v1/groups/missing", "lead", nil).Code)
	assert.Contains(t, f.audit.types(), "access_denied:denied")
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	w := f.do("POST", "/v1/groups", "lead", CreateGroupRequest{Name: "Solo"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeGroup(t, w).ID

	w = f.do("POST", "/v1/groups/"+id+"/start", "lead", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "a lone leader is not enough evaluators")

	require.Equal(t, http.StatusCreated, f.do("POST", "/v1/groups/"+id+"/members", "lead",
		AddMemberRequest{UserID: "amy"}).Code)
	assert.Equal(t, http.StatusForbidden, f.do("POST", "/v1/groups/"+id+"/start", "amy", nil).Code)

	w = f.do("POST", "/v1/groups/"+id+"/start", "lead", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, group.StatusActive, decodeGroup(t, w).Status)

	w = f.do("POST", "/v1/groups/"+id+"/pause", "lead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, group.StatusPaused, decodeGroup(t, w).Status)

	w = f.do("POST", "/v1/groups/"+id+"/complete", "lead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, group.StatusCompleted, decodeGroup(t, w).Status)

	assert.Equal(t, http.StatusConflict, f.do("POST", "/v1/groups/"+id+"/start", "lead", nil).Code)
	w = f.do("GET", "/v1/groups/"+id, "amy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, group.StatusCompleted, decodeGroup(t, w).Status)
}

// =============================================================================
// Member Tests
// =============================================================================

func TestMembers(t *testing.T) {
	f := newFixture(t)
	id := f.create()
	base := "/v1/groups/" + id + "/members"

	assert.Equal(t, http.StatusConflict, f.do("POST", base, "lead", AddMemberRequest{UserID: "amy"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do("POST", base, "lead", AddMemberRequest{UserID: "x", Role: "owner"}).Code)
	assert.Equal(t, http.StatusForbidden, f.do("POST", base, "amy", AddMemberRequest{UserID: "bob"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do("POST", base, "lead", AddMemberRequest{UserID: "../g2"}).Code)

	w := f.do("POST", base, "lead", AddMemberRequest{UserID: "  carl ", Name: "Carl"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	carlGroup := decodeGroup(t, w)
	_, ok := carlGroup.Member("carl")
	assert.True(t, ok)

	weight := 2.5
	w = f.do("PATCH", base+"/amy", "lead", UpdateMemberRequest{Weight: &weight})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	g := decodeGroup(t, w)
	assert.Equal(t, 2.5, g.Weight("amy"))

	observer := protocol.RoleObserver
	w = f.do("PATCH", base+"/amy", "lead", UpdateMemberRequest{Role: &observer})
	require.Equal(t, http.StatusOK, w.Code)
	amyGroup := decodeGroup(t, w)
	m, ok := amyGroup.Member("amy")
	require.True(t, ok)
	assert.Equal(t, protocol.RoleObserver, m.Role)

	assert.Equal(t, http.StatusBadRequest, f.do("PATCH", base+"/amy", "lead", UpdateMemberRequest{}).Code)
	assert.Equal(t, http.StatusNotFound, f.do("PATCH", base+"/ghost", "lead", UpdateMemberRequest{Weight: &weight}).Code)
	assert.Equal(t, http.StatusConflict, f.do("DELETE", base+"/lead", "lead", nil).Code)

	w = f.do("DELETE", base+"/amy", "lead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	removedGroup := decodeGroup(t, w)
	_, ok = removedGroup.Member("amy")
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, f.do("DELETE", base+"/amy", "lead", nil).Code)

	types := f.audit.types()
	assert.Contains(t, types, "member_added:success")
	assert.Contains(t, types, "member_updated:success")
	assert.Contains(t, types, "member_removed:success")
}

// =============================================================================
// Results and Presence Tests
// =============================================================================

func TestAggregateAndPresence(t *testing.T) {
	f := newFixture(t)
	id := f.create()

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/v1/groups/"+id+"/nodes/root/aggregate", "amy", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/v1/groups/"+id+"/nodes/.hidden/aggregate", "amy", nil).Code)

	w := f.do("GET", "/v1/groups/"+id+"/presence", "amy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		GroupID string                `json:"group_id"`
		Users   []protocol.OnlineUser `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, id, body.GroupID)
	assert.Empty(t, body.Users)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	w := f.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(hub.ErrHubClosed))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("disk on fire")))
	assert.Equal(t, http.StatusConflict, errorStatus(group.ErrGroupCompleted))
}

// =============================================================================
// WebSocket Tests
// =============================================================================

func dialWS(t *testing.T, srv *httptest.Server, groupID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/groups/" + groupID + "/ws"
	if token != "" {
		url += "?access_token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	return conn
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce), "want close frame, got %v", err)
			return ce.Code
		}
	}
}

func TestHandleWebSocket(t *testing.T) {
	f := newFixture(t)
	id := f.create()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	assert.Equal(t, protocol.CloseAuthFailed, closeCode(t, dialWS(t, srv, id, "")))
	assert.Equal(t, protocol.CloseAuthFailed, closeCode(t, dialWS(t, srv, id, "bad")))
	assert.Equal(t, protocol.CloseAccessDenied, closeCode(t, dialWS(t, srv, id, "mallory")))
	assert.Equal(t, protocol.CloseAccessDenied, closeCode(t, dialWS(t, srv, "missing", "amy")))

	conn := dialWS(t, srv, id, "amy")
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, protocol.TypePresenceSync, env.Type)

	w := f.do("POST", "/v1/groups/"+id+"/start", "lead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do("POST", "/v1/groups/"+id+"/complete", "lead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, protocol.CloseSessionEnded, closeCode(t, conn))
}
