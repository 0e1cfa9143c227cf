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
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/consensus"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
	"github.com/AleutianAI/GroupAHP/services/groupsession/monitor"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

// storeTimeout bounds store calls made from the actor.
const storeTimeout = 5 * time.Second

type presence struct {
	user  protocol.OnlineUser
	conns int
}

// Room is the actor of one group. Every field below cmds is owned by the
// actor goroutine.
type Room struct {
	hub     *Hub
	groupID string
	engine  *monitor.Engine
	logger  *slog.Logger

	cmds chan func()
	done chan struct{}

	grp      *group.Group
	clients  map[*Client]struct{}
	users    map[string]*presence
	version  int64
	stopping bool

	// nodes caches submissions per node, loaded from the store on first
	// touch: node -> evaluator -> submission.
	nodes map[string]map[string]store.Submission

	// seq is the latest snapshot sequence handed to a worker per node.
	seq map[string]int64

	elements map[string]int64
	locks    map[string]string

	idem      map[string]int64
	idemOrder []string
}

func newRoom(h *Hub, g *group.Group, engine *monitor.Engine) *Room {
	return &Room{
		hub:      h,
		groupID:  g.ID,
		engine:   engine,
		logger:   h.logger.With("group_id", g.ID),
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
		grp:      g,
		clients:  make(map[*Client]struct{}),
		users:    make(map[string]*presence),
		nodes:    make(map[string]map[string]store.Submission),
		seq:      make(map[string]int64),
		elements: make(map[string]int64),
		locks:    make(map[string]string),
		idem:     make(map[string]int64),
	}
}

func (r *Room) run() {
	defer close(r.done)
	for cmd := range r.cmds {
		cmd()
		if r.stopping {
			return
		}
	}
}

// send queues fn on the actor without waiting for it to run.
func (r *Room) send(ctx context.Context, fn func()) error {
	select {
	case r.cmds <- fn:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the actor and waits for it.
func (r *Room) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := r.send(ctx, func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.hub.ctx, storeTimeout)
}

// =============================================================================
// Presence
// =============================================================================

func (r *Room) join(ctx context.Context, c *Client) error {
	var joinErr error
	err := r.call(ctx, func() {
		m, ok := r.grp.Member(c.UserID)
		if !ok {
			joinErr = group.ErrNotMember
			return
		}
		c.Role = m.Role
		r.clients[c] = struct{}{}
		r.grp.Touch(c.UserID, c.JoinedAt)

		p, online := r.users[c.UserID]
		if !online {
			p = &presence{user: protocol.OnlineUser{
				ID:          c.UserID,
				Name:        c.UserName,
				Role:        m.Role,
				ConnectedAt: c.JoinedAt,
			}}
			r.users[c.UserID] = p
		}
		p.conns++

		r.sendTo(c, protocol.TypePresenceSync, protocol.PresenceSync{Users: r.roster(), Version: r.version})
		if !online {
			r.broadcastPayload(protocol.TypeUserJoin, protocol.UserJoin{User: p.user}, c)
			r.activity(protocol.ActivityJoined, c, "", "")
		}
	})
	if err != nil {
		return err
	}
	return joinErr
}

// leave unregisters c. It is a no-op for a client the room already
// dropped.
func (r *Room) leave(c *Client) {
	_ = r.send(r.hub.ctx, func() {
		if _, ok := r.clients[c]; !ok {
			return
		}
		delete(r.clients, c)
		c.close(0, "", "")
		r.departed(c)
	})
}

// departed updates presence after c is gone.
func (r *Room) departed(c *Client) {
	p, ok := r.users[c.UserID]
	if !ok {
		return
	}
	p.conns--
	if p.conns > 0 {
		return
	}
	delete(r.users, c.UserID)
	for elementID, holder := range r.locks {
		if holder != c.UserID {
			continue
		}
		delete(r.locks, elementID)
		env, err := protocol.NewEnvelope(protocol.TypeUnlockElement, protocol.ElementLock{ElementID: elementID})
		if err == nil {
			env.UserID = c.UserID
			r.broadcast(env, nil)
		}
	}
	r.broadcastPayload(protocol.TypeUserLeave, protocol.UserLeave{UserID: c.UserID}, nil)
	r.activity(protocol.ActivityLeft, c, "", "")
}

func (r *Room) roster() []protocol.OnlineUser {
	users := make([]protocol.OnlineUser, 0, len(r.users))
	for _, p := range r.users {
		users = append(users, p.user)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].ConnectedAt.Before(users[j].ConnectedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users
}

// =============================================================================
// Outbound
// =============================================================================

func (r *Room) sendTo(c *Client, t protocol.MessageType, data any) {
	env, err := protocol.NewEnvelope(t, data)
	if err != nil {
		r.logger.Error("encode frame", "type", string(t), "error", err)
		return
	}
	c.enqueue(env.WithVersion(r.version))
}

// broadcast sends env to every client except skip.
func (r *Room) broadcast(env protocol.Envelope, skip *Client) {
	for c := range r.clients {
		if c != skip {
			c.enqueue(env)
		}
	}
}

func (r *Room) broadcastPayload(t protocol.MessageType, data any, skip *Client) {
	env, err := protocol.NewEnvelope(t, data)
	if err != nil {
		r.logger.Error("encode frame", "type", string(t), "error", err)
		return
	}
	r.broadcast(env.WithVersion(r.version), skip)
}

func (r *Room) activity(kind string, c *Client, nodeID, detail string) {
	var userID, userName string
	if c != nil {
		userID, userName = c.UserID, c.UserName
	}
	env, err := monitor.ActivityEnvelope(kind, userID, userName, nodeID, detail)
	if err != nil {
		return
	}
	r.hub.publish(r.groupID, env)
}

// =============================================================================
// Submissions
// =============================================================================

// node returns the cached submissions of nodeID, loading them on first use.
func (r *Room) node(nodeID string) (map[string]store.Submission, error) {
	if subs, ok := r.nodes[nodeID]; ok {
		return subs, nil
	}
	ctx, cancel := r.storeCtx()
	defer cancel()
	list, err := r.hub.store.Matrices(ctx, r.groupID, nodeID)
	if err != nil {
		return nil, err
	}
	subs := make(map[string]store.Submission, len(list))
	for _, s := range list {
		subs[s.EvaluatorID] = s
	}
	r.nodes[nodeID] = subs
	return subs, nil
}

// nodeSize returns the matrix size already used on a node by evaluators
// other than except, or 0 when there is none.
func nodeSize(subs map[string]store.Submission, except string) int {
	for id, s := range subs {
		if id != except {
			return s.Matrix.Size()
		}
	}
	return 0
}

// schedule snapshots the voting members' matrices of nodeID and hands the
// snapshot to a worker.
func (r *Room) schedule(nodeID string) {
	subs, err := r.node(nodeID)
	if err != nil {
		r.logger.Error("load submissions", "node_id", nodeID, "error", err)
		return
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		if r.grp.Weight(id) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	r.seq[nodeID]++
	if len(ids) == 0 {
		r.clearAggregate(nodeID)
		return
	}
	snap := monitor.Snapshot{
		GroupID:     r.groupID,
		NodeID:      nodeID,
		Sequence:    r.seq[nodeID],
		Evaluations: make([]consensus.Evaluation, len(ids)),
		Weights:     make([]float64, len(ids)),
	}
	for i, id := range ids {
		snap.Evaluations[i] = consensus.Evaluation{EvaluatorID: id, Matrix: subs[id].Matrix.Clone()}
		snap.Weights[i] = r.grp.Weight(id)
	}
	r.hub.recompute(r, snap)
}

// clearAggregate drops the stored aggregate of a node left without voting
// submissions and tells the room with an empty consensus_update.
func (r *Room) clearAggregate(nodeID string) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.hub.store.DeleteAggregate(ctx, r.groupID, nodeID); err != nil {
		r.logger.Error("delete aggregate", "node_id", nodeID, "error", err)
	}
	env, err := monitor.ConsensusEnvelope(monitor.Update{Aggregate: group.AggregatedMatrix{
		GroupID:    r.groupID,
		NodeID:     nodeID,
		Method:     r.engine.Method(),
		ComputedAt: time.Now().UTC(),
		Sequence:   r.seq[nodeID],
	}})
	if err != nil {
		r.logger.Error("encode consensus update", "error", err)
		return
	}
	r.hub.publish(r.groupID, env.WithVersion(r.version))
}

func (r *Room) scheduleAll() {
	for nodeID := range r.nodes {
		r.schedule(nodeID)
	}
}

// accept keeps a worker result if it belongs to the newest snapshot of its
// node, then persists and publishes it.
func (r *Room) accept(ctx context.Context, u monitor.Update) {
	agg := u.Aggregate
	method := string(r.engine.Method())
	if r.stopping || agg.Sequence != r.seq[agg.NodeID] {
		r.hub.metrics.Recomputed(method, "stale", 0)
		return
	}
	if err := r.hub.store.SaveAggregate(ctx, agg); err != nil {
		r.logger.Error("save aggregate", "node_id", agg.NodeID, "error", err)
	}
	env, err := monitor.ConsensusEnvelope(u)
	if err != nil {
		r.logger.Error("encode consensus update", "error", err)
		return
	}
	r.hub.publish(r.groupID, env.WithVersion(r.version))
}

func (r *Room) saveSubmission(sub store.Submission) error {
	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.hub.store.SaveMatrix(ctx, r.groupID, sub); err != nil {
		return err
	}
	subs, err := r.node(sub.NodeID)
	if err != nil {
		return err
	}
	subs[sub.EvaluatorID] = sub
	return nil
}

func (r *Room) deleteSubmission(nodeID, evaluatorID string) error {
	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.hub.store.DeleteMatrix(ctx, r.groupID, nodeID, evaluatorID); err != nil {
		return err
	}
	if subs, ok := r.nodes[nodeID]; ok {
		delete(subs, evaluatorID)
	}
	return nil
}

// evaluatorMatrix returns a copy of the evaluator's matrix on a node.
func (r *Room) evaluatorMatrix(nodeID, evaluatorID string) (ahp.Matrix, bool, error) {
	subs, err := r.node(nodeID)
	if err != nil {
		return nil, false, err
	}
	s, ok := subs[evaluatorID]
	if !ok {
		return nil, false, nil
	}
	return s.Matrix.Clone(), true, nil
}

// =============================================================================
// Group Changes
// =============================================================================

func (r *Room) mutate(ctx context.Context, fn func(g *group.Group) error) (*group.Group, error) {
	next := r.grp.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := r.hub.store.SaveGroup(ctx, next); err != nil {
		return nil, err
	}
	prev := r.grp
	r.grp = next

	reweigh := false
	for _, old := range prev.Members {
		cur, ok := next.Member(old.UserID)
		if !ok {
			r.removed(old.UserID)
			reweigh = true
			continue
		}
		if cur.Weight != old.Weight || cur.Votes() != old.Votes() {
			reweigh = true
		}
		if cur.Role != old.Role {
			r.roleChanged(cur)
		}
	}
	for _, m := range next.Members {
		if _, ok := prev.Member(m.UserID); !ok && m.Votes() {
			reweigh = true
		}
	}
	if reweigh {
		r.scheduleAll()
	}

	if next.Status != prev.Status {
		r.statusChanged(next.Status)
	}
	return next.Clone(), nil
}

// removed disconnects a removed member and drops their matrices.
func (r *Room) removed(userID string) {
	for c := range r.clients {
		if c.UserID != userID {
			continue
		}
		delete(r.clients, c)
		c.close(protocol.CloseAccessDenied, "removed from group", "removed")
		r.departed(c)
	}
	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.hub.store.DeleteMatricesFor(ctx, r.groupID, userID); err != nil {
		r.logger.Error("delete matrices of removed member", "user_id", userID, "error", err)
	}
	for _, subs := range r.nodes {
		delete(subs, userID)
	}
}

func (r *Room) roleChanged(m group.Member) {
	for c := range r.clients {
		if c.UserID == m.UserID {
			c.Role = m.Role
		}
	}
	if p, ok := r.users[m.UserID]; ok {
		p.user.Role = m.Role
		r.broadcastPayload(protocol.TypeUserJoin, protocol.UserJoin{User: p.user}, nil)
	}
}

func (r *Room) statusChanged(status group.Status) {
	env, err := monitor.StatusEnvelope(r.groupID, string(status))
	if err == nil {
		r.broadcast(env.WithVersion(r.version), nil)
	}
	r.activity(protocol.ActivityStatus, nil, "", string(status))
	if status == group.StatusCompleted {
		r.shutdown(protocol.CloseSessionEnded, "session completed", "session_ended")
	}
}

// shutdown closes every connection with code and stops the actor after the
// current command. The hub forgets the room before the command returns, so
// callers that waited on it never see the stopped room again.
func (r *Room) shutdown(code int, reason, metricReason string) {
	for c := range r.clients {
		delete(r.clients, c)
		c.close(code, reason, metricReason)
	}
	r.users = make(map[string]*presence)
	r.stopping = true
	r.hub.forget(r)
}
