// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/collab"
	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
	"github.com/AleutianAI/GroupAHP/services/groupsession/monitor"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

// =============================================================================
// Test Harness
// =============================================================================

type harness struct {
	t     *testing.T
	hub   *Hub
	store *store.MemoryStore
	srv   *httptest.Server
}

// newHarness serves group g1 (leader lead, members amy and bob, observer
// obs, active) behind /ws?group=<id>. The bearer token is the user id.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	g, err := group.New(group.Group{ID: "g1", Name: "Vendors"}, group.Member{UserID: "lead", Name: "Lea"})
	require.NoError(t, err)
	require.NoError(t, g.AddMember(group.Member{UserID: "amy", Name: "Amy"}))
	require.NoError(t, g.AddMember(group.Member{UserID: "bob", Name: "Bob"}))
	require.NoError(t, g.AddMember(group.Member{UserID: "obs", Role: protocol.RoleObserver}))
	require.NoError(t, g.Start())
	require.NoError(t, st.SaveGroup(context.Background(), g))

	h, err := New(cfg, Options{Store: st})
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		h.ServeConn(req.Context(), req.URL.Query().Get("group"), &extensions.AuthInfo{UserID: token}, conn)
	}))
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return &harness{t: t, hub: h, store: st, srv: srv}
}

func (h *harness) url(groupID string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?group=" + groupID
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(userID, groupID string) *peer {
	h.t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + userID}}
	conn, _, err := websocket.DefaultDialer.Dial(h.url(groupID), header)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: h.t, conn: conn}
}

// join dials and consumes the presence_sync.
func (h *harness) join(userID string) *peer {
	h.t.Helper()
	p := h.dial(userID, "g1")
	p.next(protocol.TypePresenceSync)
	return p
}

func (p *peer) send(t protocol.MessageType, data any, clientID string) {
	p.t.Helper()
	env, err := protocol.NewEnvelope(t, data)
	require.NoError(p.t, err)
	env.ClientID = clientID
	p.sendEnv(env)
}

func (p *peer) sendEnv(env protocol.Envelope) {
	p.t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, raw))
}

// next reads until a frame of one of the given types arrives.
func (p *peer) next(types ...protocol.MessageType) protocol.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := p.conn.ReadMessage()
		require.NoError(p.t, err, "waiting for %v", types)
		var env protocol.Envelope
		require.NoError(p.t, json.Unmarshal(raw, &env))
		for _, t := range types {
			if env.Type == t {
				return env
			}
		}
	}
}

func (p *peer) ack(clientID string) protocol.Ack {
	p.t.Helper()
	env := p.next(protocol.TypeAck, protocol.TypeError)
	require.Equal(p.t, protocol.TypeAck, env.Type, string(env.Data))
	var a protocol.Ack
	require.NoError(p.t, env.Decode(&a))
	require.Equal(p.t, clientID, a.ClientID)
	return a
}

func (p *peer) rejected(clientID string) protocol.ErrorPayload {
	p.t.Helper()
	env := p.next(protocol.TypeAck, protocol.TypeError)
	require.Equal(p.t, protocol.TypeError, env.Type)
	var e protocol.ErrorPayload
	require.NoError(p.t, env.Decode(&e))
	assert.Equal(p.t, clientID, e.ClientID)
	return e
}

// closed reads until the connection ends and returns the close code.
func (p *peer) closed() int {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.True(p.t, errors.As(err, &ce), "want close frame, got %v", err)
			return ce.Code
		}
	}
}

var pairwise = ahp.Matrix{{1, 2, 4}, {0.5, 1, 2}, {0.25, 0.5, 1}}

func submit(nodeID string, m ahp.Matrix) protocol.EvaluationSubmit {
	return protocol.EvaluationSubmit{NodeID: nodeID, Matrix: m}
}

// cleared reads consensus updates until the empty one for nodeID arrives.
func (p *peer) cleared(nodeID string) protocol.ConsensusUpdate {
	p.t.Helper()
	for {
		var update protocol.ConsensusUpdate
		require.NoError(p.t, p.next(protocol.TypeConsensusUpdate).Decode(&update))
		if update.NodeID == nodeID && update.ParticipantCount == 0 {
			return update
		}
	}
}

// =============================================================================
// Presence Tests
// =============================================================================

func TestJoin_PresenceSyncAndJoinLeave(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.dial("lead", "g1")

	env := lead.next(protocol.TypePresenceSync)
	var ps protocol.PresenceSync
	require.NoError(t, env.Decode(&ps))
	require.Len(t, ps.Users, 1)
	assert.Equal(t, "lead", ps.Users[0].ID)
	assert.Equal(t, protocol.RoleLeader, ps.Users[0].Role)

	amy := h.dial("amy", "g1")
	env = amy.next(protocol.TypePresenceSync)
	require.NoError(t, env.Decode(&ps))
	assert.Len(t, ps.Users, 2)

	var joined protocol.UserJoin
	require.NoError(t, lead.next(protocol.TypeUserJoin).Decode(&joined))
	assert.Equal(t, "amy", joined.User.ID)

	require.NoError(t, amy.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	var left protocol.UserLeave
	require.NoError(t, lead.next(protocol.TypeUserLeave).Decode(&left))
	assert.Equal(t, "amy", left.UserID)

	users, err := h.hub.Presence(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "lead", users[0].ID)
}

func TestJoin_Refused(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Equal(t, protocol.CloseAccessDenied, h.dial("mallory", "g1").closed())
	assert.Equal(t, protocol.CloseAccessDenied, h.dial("lead", "nope").closed())

	g, err := h.store.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	g.ID = "done"
	require.NoError(t, g.Complete())
	require.NoError(t, h.store.SaveGroup(context.Background(), g))
	assert.Equal(t, protocol.CloseSessionEnded, h.dial("lead", "done").closed())
}

func TestPresence_TimeoutDropsSilentConnection(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	amy := h.join("amy")

	assert.Equal(t, websocket.CloseNormalClosure, amy.closed())
	assert.Eventually(t, func() bool {
		users, err := h.hub.Presence(context.Background(), "g1")
		return err == nil && len(users) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSelection_RelayedWithoutAck(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.join("lead")
	amy := h.join("amy")

	node := "cost"
	amy.send(protocol.TypeSelectionChange, protocol.SelectionChange{NodeID: &node}, "")

	var sel protocol.SelectionChanged
	require.NoError(t, lead.next(protocol.TypeSelectionChange).Decode(&sel))
	assert.Equal(t, "amy", sel.UserID)
	require.NotNil(t, sel.NodeID)
	assert.Equal(t, "cost", *sel.NodeID)

	users, err := h.hub.Presence(context.Background(), "g1")
	require.NoError(t, err)
	for _, u := range users {
		if u.ID == "amy" {
			require.NotNil(t, u.SelectedNode)
			assert.Equal(t, "cost", *u.SelectedNode)
		}
	}
}

// =============================================================================
// Evaluation Tests
// =============================================================================

func TestHeartbeat_ReturnsVersion(t *testing.T) {
	h := newHarness(t, Config{})
	amy := h.join("amy")

	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "m1")
	amy.ack("m1")

	amy.send(protocol.TypeHeartbeat, nil, "")
	var hb protocol.HeartbeatAck
	require.NoError(t, amy.next(protocol.TypeHeartbeatAck).Decode(&hb))
	assert.Equal(t, int64(1), hb.Version)
}

func TestSubmit_AckAndConsensusUpdate(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.join("lead")
	amy := h.join("amy")

	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "a1")
	assert.Equal(t, int64(1), amy.ack("a1").Version)
	lead.send(protocol.TypeEvaluationSubmit, submit("root", pairwise.Clone()), "l1")
	assert.Equal(t, int64(2), lead.ack("l1").Version)

	var update protocol.ConsensusUpdate
	for update.ParticipantCount != 2 {
		require.NoError(t, amy.next(protocol.TypeConsensusUpdate).Decode(&update))
	}
	assert.Equal(t, "root", update.NodeID)
	assert.Equal(t, "aij", update.Method)
	require.Equal(t, 3, update.Matrix.Size())
	for i := range pairwise {
		for j := range pairwise[i] {
			assert.InDelta(t, pairwise[i][j], update.Matrix[i][j], 1e-12)
		}
	}
	assert.True(t, update.ConsensusReached)
	assert.InDelta(t, 1.0, update.Metrics.OverallConsensus, 1e-12)

	assert.Eventually(t, func() bool {
		agg, err := h.store.LatestAggregate(context.Background(), "g1", "root")
		return err == nil && agg.ParticipantCount == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_DuplicateClientIDReAcked(t *testing.T) {
	h := newHarness(t, Config{})
	amy := h.join("amy")

	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "dup")
	first := amy.ack("dup")
	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "dup")
	second := amy.ack("dup")
	assert.Equal(t, first.Version, second.Version)

	amy.send(protocol.TypeHeartbeat, nil, "")
	var hb protocol.HeartbeatAck
	require.NoError(t, amy.next(protocol.TypeHeartbeatAck).Decode(&hb))
	assert.Equal(t, int64(1), hb.Version)
}

func TestSubmit_Rejections(t *testing.T) {
	h := newHarness(t, Config{})
	amy := h.join("amy")
	obs := h.join("obs")

	amy.send(protocol.TypeEvaluationSubmit, submit("root", ahp.Matrix{{1, 2}, {2, 1}}), "bad")
	assert.Equal(t, protocol.CodeInvalidMatrix, amy.rejected("bad").Code)

	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "ok")
	amy.ack("ok")
	amy.send(protocol.TypeMatrixUpdate, protocol.MatrixUpdate{NodeID: "root", Row: 0, Col: 1, Value: -3}, "neg")
	assert.Equal(t, protocol.CodeInvalidMatrix, amy.rejected("neg").Code)

	h2 := h.join("bob")
	h2.send(protocol.TypeEvaluationSubmit, submit("root", ahp.Identity(2)), "size")
	assert.Equal(t, protocol.CodeInvalidMatrix, h2.rejected("size").Code)

	obs.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "o1")
	assert.Equal(t, protocol.CodeForbidden, obs.rejected("o1").Code)

	amy.send(protocol.TypeEvaluationSubmit, submit("g2/root", pairwise), "key")
	assert.Equal(t, protocol.CodeInvalidPayload, amy.rejected("key").Code)

	amy.send(protocol.TypeChatMessage, protocol.ChatMessage{Text: "hi"}, "")
	assert.Equal(t, protocol.CodeInvalidPayload, amy.rejected("").Code)

	amy.send("drop_table", nil, "x1")
	assert.Equal(t, protocol.CodeUnsupportedType, amy.rejected("x1").Code)

	amy.send(protocol.TypeAck, protocol.Ack{ClientID: "z"}, "x2")
	assert.Equal(t, protocol.CodeUnsupportedType, amy.rejected("x2").Code)
}

func TestMatrixUpdate_CreatesAndEdits(t *testing.T) {
	h := newHarness(t, Config{})
	amy := h.join("amy")

	amy.send(protocol.TypeMatrixUpdate, protocol.MatrixUpdate{NodeID: "root", Size: 3, Row: 0, Col: 2, Value: 5}, "u1")
	amy.ack("u1")
	amy.send(protocol.TypeMatrixUpdate, protocol.MatrixUpdate{NodeID: "root", Row: 1, Col: 0, Value: 3}, "u2")
	amy.ack("u2")

	subs, err := h.store.Matrices(context.Background(), "g1", "root")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	m := subs[0].Matrix
	assert.Equal(t, 5.0, m[0][2])
	assert.Equal(t, 0.2, m[2][0])
	assert.Equal(t, 3.0, m[1][0])
	assert.InDelta(t, 1.0/3, m[0][1], 1e-15)
}

func TestReset_RemovesMatrix(t *testing.T) {
	h := newHarness(t, Config{})
	amy := h.join("amy")

	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "s1")
	amy.ack("s1")
	amy.send(protocol.TypeEvaluationReset, protocol.EvaluationReset{NodeID: "root"}, "r1")
	amy.ack("r1")

	subs, err := h.store.Matrices(context.Background(), "g1", "root")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestReset_LastEvaluatorClearsAggregate(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	amy := h.join("amy")

	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "s1")
	amy.ack("s1")
	require.Eventually(t, func() bool {
		_, err := h.store.LatestAggregate(ctx, "g1", "root")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	amy.send(protocol.TypeEvaluationReset, protocol.EvaluationReset{NodeID: "root"}, "r1")
	amy.ack("r1")

	update := amy.cleared("root")
	assert.Equal(t, "aij", update.Method)
	assert.Empty(t, update.Matrix)
	assert.Empty(t, update.Priorities)
	assert.False(t, update.ConsensusReached)

	_, err := h.store.LatestAggregate(ctx, "g1", "root")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.hub.Aggregate(ctx, "g1", "root")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// =============================================================================
// Model Element Tests
// =============================================================================

func TestElements_LocksAndVersionConflicts(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.join("lead")
	amy := h.join("amy")

	lead.send(protocol.TypeLockElement, protocol.ElementLock{ElementID: "c1"}, "l1")
	lead.ack("l1")
	amy.next(protocol.TypeLockElement)

	amy.send(protocol.TypeCriteriaUpdate, protocol.Element{ID: "c1", Name: "Cost"}, "a1")
	assert.Equal(t, protocol.CodeLockConflict, amy.rejected("a1").Code)

	lead.send(protocol.TypeCriteriaUpdate, protocol.Element{ID: "c1", Name: "Total cost"}, "l2")
	edit := lead.ack("l2")
	relayed := amy.next(protocol.TypeCriteriaUpdate)
	assert.Equal(t, "lead", relayed.UserID)
	assert.Equal(t, edit.Version, relayed.VersionOrZero())

	lead.send(protocol.TypeUnlockElement, protocol.ElementLock{ElementID: "c1"}, "l3")
	lead.ack("l3")
	amy.next(protocol.TypeUnlockElement)

	stale, err := protocol.NewEnvelope(protocol.TypeCriteriaUpdate, protocol.Element{ID: "c1", Name: "Price"})
	require.NoError(t, err)
	stale.ClientID = "a2"
	amy.sendEnv(stale.WithVersion(edit.Version - 1))
	assert.Equal(t, protocol.CodeVersionConflict, amy.rejected("a2").Code)

	fresh := stale.WithVersion(edit.Version + 1)
	fresh.ClientID = "a3"
	amy.sendEnv(fresh)
	amy.ack("a3")
}

func TestLocks_ReleasedWhenHolderLeaves(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.join("lead")
	amy := h.join("amy")

	amy.send(protocol.TypeLockElement, protocol.ElementLock{ElementID: "alt1"}, "k1")
	amy.ack("k1")
	_ = amy.conn.Close()

	var unlock protocol.ElementLock
	require.NoError(t, lead.next(protocol.TypeUnlockElement).Decode(&unlock))
	assert.Equal(t, "alt1", unlock.ElementID)

	lead.send(protocol.TypeLockElement, protocol.ElementLock{ElementID: "alt1"}, "k2")
	lead.ack("k2")
}

func TestChat_AckedAndBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.join("lead")
	obs := h.join("obs")

	obs.send(protocol.TypeChatMessage, protocol.ChatMessage{Text: "looks good"}, "c1")
	obs.ack("c1")

	var chat protocol.ChatMessage
	env := lead.next(protocol.TypeChatMessage)
	require.NoError(t, env.Decode(&chat))
	assert.Equal(t, "looks good", chat.Text)
	assert.Equal(t, "obs", env.UserID)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 0.001, RateBurst: 1})
	amy := h.join("amy")

	amy.send(protocol.TypeChatMessage, protocol.ChatMessage{Text: "one"}, "c1")
	amy.ack("c1")
	amy.send(protocol.TypeChatMessage, protocol.ChatMessage{Text: "two"}, "c2")
	assert.Equal(t, protocol.CodeRateLimited, amy.rejected("c2").Code)
}

// =============================================================================
// Group Change Tests
// =============================================================================

func TestMutate_PauseBlocksEvaluations(t *testing.T) {
	h := newHarness(t, Config{})
	amy := h.join("amy")

	_, err := h.hub.Mutate(context.Background(), "g1", func(g *group.Group) error { return g.Pause() })
	require.NoError(t, err)

	var status protocol.SessionStatus
	require.NoError(t, amy.next(protocol.TypeSessionStatus).Decode(&status))
	assert.Equal(t, "paused", status.Status)

	amy.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "p1")
	assert.Equal(t, protocol.CodeGroupNotActive, amy.rejected("p1").Code)

	g, err := h.store.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, group.StatusPaused, g.Status)
}

func TestMutate_CompleteClosesWith4004(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.join("lead")
	amy := h.join("amy")

	_, err := h.hub.Mutate(context.Background(), "g1", func(g *group.Group) error { return g.Complete() })
	require.NoError(t, err)

	for _, p := range []*peer{lead, amy} {
		var status protocol.SessionStatus
		require.NoError(t, p.next(protocol.TypeSessionStatus).Decode(&status))
		assert.Equal(t, "completed", status.Status)
		assert.Equal(t, protocol.CloseSessionEnded, p.closed())
	}

	_, err = h.hub.Mutate(context.Background(), "g1", func(g *group.Group) error { return nil })
	assert.ErrorIs(t, err, group.ErrGroupCompleted)
	assert.Equal(t, protocol.CloseSessionEnded, h.dial("lead", "g1").closed())
}

func TestMutate_RemoveMemberDisconnectsAndDropsMatrices(t *testing.T) {
	h := newHarness(t, Config{})
	lead := h.join("lead")
	bob := h.join("bob")

	bob.send(protocol.TypeEvaluationSubmit, submit("root", pairwise), "b1")
	bob.ack("b1")

	_, err := h.hub.Mutate(context.Background(), "g1", func(g *group.Group) error { return g.RemoveMember("bob") })
	require.NoError(t, err)

	assert.Equal(t, protocol.CloseAccessDenied, bob.closed())
	var left protocol.UserLeave
	require.NoError(t, lead.next(protocol.TypeUserLeave).Decode(&left))
	assert.Equal(t, "bob", left.UserID)

	subs, err := h.store.Matrices(context.Background(), "g1", "root")
	require.NoError(t, err)
	assert.Empty(t, subs)

	lead.cleared("root")
	_, err = h.store.LatestAggregate(context.Background(), "g1", "root")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMutate_ErrorLeavesGroupUnchanged(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.hub.Mutate(context.Background(), "g1", func(g *group.Group) error {
		return g.SetWeight("amy", "bob", 2)
	})
	assert.ErrorIs(t, err, group.ErrNotLeader)

	g, err := h.hub.Group(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, g.Weight("bob"))
}

// =============================================================================
// Client Round Trip
// =============================================================================

func TestCollabSession_RoundTrip(t *testing.T) {
	h := newHarness(t, Config{})

	presence := make(chan []protocol.OnlineUser, 8)
	cfg := collab.DefaultConfig(h.url("g1"))
	cfg.Token = "amy"
	s, err := collab.New(cfg, collab.Handlers{
		OnPresence: func(users []protocol.OnlineUser) { presence <- users },
	})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case users := <-presence:
		require.Len(t, users, 1)
		assert.Equal(t, "amy", users[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no presence sync")
	}

	ack, err := s.Send(context.Background(), protocol.TypeEvaluationSubmit, submit("root", pairwise))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.Version)
	assert.Equal(t, int64(1), s.ServerVersion())
	assert.Zero(t, s.PendingCount())

	_, err = s.Send(context.Background(), protocol.TypeEvaluationSubmit, submit("root", ahp.Matrix{{1, 3}, {3, 1}}))
	var se *collab.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.CodeInvalidMatrix, se.Code)
}

func TestAccept_DiscardsStaleSequence(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	room, err := h.hub.room(ctx, "g1")
	require.NoError(t, err)

	result := func(seq int64) monitor.Update {
		return monitor.Update{Aggregate: group.AggregatedMatrix{
			GroupID:  "g1",
			NodeID:   "root",
			Matrix:   pairwise.Clone(),
			Sequence: seq,
		}}
	}

	require.NoError(t, room.call(ctx, func() {
		room.seq["root"] = 2
		room.accept(ctx, result(1))
	}))
	_, err = h.store.LatestAggregate(ctx, "g1", "root")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, room.call(ctx, func() { room.accept(ctx, result(2)) }))
	agg, err := h.store.LatestAggregate(ctx, "g1", "root")
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Sequence)
}
