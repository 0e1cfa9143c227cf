// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub is the server side of the collaboration protocol.
//
// # Description
//
// The Hub maps each group id to a Room. A Room is an actor: one goroutine
// owns the group, its presence roster, the submitted matrices, the element
// lock table and the version counter, and every change is a command run on
// that goroutine. Connections, REST handlers, recompute workers and the
// feed forwarder only ever talk to a room through its command channel.
//
//	WebSocket read pump ──► Room.cmds ──► actor ──► Client.send ──► write pump
//	                                        │
//	                                        └─► recompute worker (semaphore)
//	                                                │
//	                                        actor ◄─┘ accept if newest
//	                                        │
//	                                        └─► feed queue ──► Publisher ──► Deliver
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/GroupAHP/pkg/consensus"
	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/services/groupsession/group"
	"github.com/AleutianAI/GroupAHP/services/groupsession/monitor"
	"github.com/AleutianAI/GroupAHP/services/groupsession/observability"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRoomClosed is returned when a command reaches a room that has
	// stopped, e.g. because its group was completed.
	ErrRoomClosed = errors.New("room closed")

	// ErrHubClosed is returned after Close.
	ErrHubClosed = errors.New("hub closed")
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes connection handling and recomputation.
type Config struct {
	// HeartbeatInterval is the client heartbeat period. A connection that
	// sends nothing for 2×HeartbeatInterval+PresenceGrace is dropped.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	PresenceGrace     time.Duration `yaml:"presence_grace" validate:"gte=0"`

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`

	// SendBuffer is the per-connection outbound queue. Frames beyond it are
	// dropped with a warning.
	SendBuffer int `yaml:"send_buffer" validate:"gt=0"`

	MaxMessageBytes int64 `yaml:"max_message_bytes" validate:"gt=0"`

	// RateLimit and RateBurst bound inbound frames per connection.
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gt=0"`

	// RecomputeWorkers bounds concurrent recomputations across all groups.
	RecomputeWorkers int64         `yaml:"recompute_workers" validate:"gt=0"`
	RecomputeTimeout time.Duration `yaml:"recompute_timeout" validate:"gt=0"`

	// IdempotencyWindow is how many recent client ids a room remembers to
	// re-ACK duplicates without reapplying them.
	IdempotencyWindow int `yaml:"idempotency_window" validate:"gt=0"`

	FuzzySpread float64          `yaml:"fuzzy_spread" validate:"gte=0"`
	Consensus   consensus.Config `yaml:"consensus"`

	// FeedBuffer is the queue between rooms and the publisher.
	FeedBuffer int `yaml:"feed_buffer" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PresenceGrace:     10 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		MaxMessageBytes:   1 << 20,
		RateLimit:         20,
		RateBurst:         40,
		RecomputeWorkers:  4,
		RecomputeTimeout:  10 * time.Second,
		IdempotencyWindow: 512,
		FuzzySpread:       1,
		Consensus:         consensus.DefaultConfig(),
		FeedBuffer:        256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PresenceGrace < 0 {
		c.PresenceGrace = d.PresenceGrace
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.RecomputeWorkers <= 0 {
		c.RecomputeWorkers = d.RecomputeWorkers
	}
	if c.RecomputeTimeout <= 0 {
		c.RecomputeTimeout = d.RecomputeTimeout
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = d.IdempotencyWindow
	}
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = d.FeedBuffer
	}
	return c
}

// presenceTimeout is the read deadline extended on every inbound frame.
func (c Config) presenceTimeout() time.Duration {
	return 2*c.HeartbeatInterval + c.PresenceGrace
}

// =============================================================================
// Hub
// =============================================================================

type feedItem struct {
	groupID string
	env     protocol.Envelope
}

// Hub owns the rooms of this process.
type Hub struct {
	cfg       Config
	store     store.Store
	publisher monitor.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger

	workers *semaphore.Weighted
	feed    chan feedItem

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// Options carries the collaborators of a Hub. Store is required; a nil
// Publisher delivers in process.
type Options struct {
	Store     store.Store
	Publisher monitor.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// New starts a hub and its feed forwarder.
func New(cfg Config, opts Options) (*Hub, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("hub: store required")
	}
	cfg = cfg.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg,
		store:     opts.Store,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "hub"),
		workers:   semaphore.NewWeighted(cfg.RecomputeWorkers),
		feed:      make(chan feedItem, cfg.FeedBuffer),
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[string]*Room),
	}
	if h.publisher == nil {
		local := monitor.NewLocalPublisher()
		local.Attach(h)
		h.publisher = local
	}
	h.wg.Add(1)
	go h.runFeed()
	return h, nil
}

// Store returns the persistence collaborator.
func (h *Hub) Store() store.Store {
	return h.store
}

// room returns the running room of a group, loading the group on first use.
func (h *Hub) room(ctx context.Context, groupID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if r, ok := h.rooms[groupID]; ok {
		return r, nil
	}
	g, err := h.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status == group.StatusCompleted {
		return nil, group.ErrGroupCompleted
	}
	engine, err := h.engineFor(g)
	if err != nil {
		return nil, err
	}
	r := newRoom(h, g, engine)
	h.rooms[groupID] = r
	h.metrics.RoomOpened()
	go r.run()
	return r, nil
}

func (h *Hub) engineFor(g *group.Group) (*monitor.Engine, error) {
	opts := monitor.EngineConfig{
		Method:             g.Method,
		Consensus:          h.cfg.Consensus,
		ConsensusThreshold: g.ConsensusThreshold,
		Metrics:            h.metrics,
		Logger:             h.logger,
	}
	opts.Options.FuzzySpread = h.cfg.FuzzySpread
	return monitor.NewEngine(opts)
}

// existing returns the running room or nil.
func (h *Hub) existing(groupID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[groupID]
}

func (h *Hub) forget(r *Room) {
	h.mu.Lock()
	if h.rooms[r.groupID] == r {
		delete(h.rooms, r.groupID)
		h.metrics.RoomClosed()
	}
	h.mu.Unlock()
}

// =============================================================================
// Connections
// =============================================================================

// ServeConn runs an upgraded connection for user in group groupID until it
// closes. Access problems are reported with the protocol close codes:
// 4003 for unknown groups and non-members, 4004 for completed groups.
func (h *Hub) ServeConn(ctx context.Context, groupID string, user *extensions.AuthInfo, conn *websocket.Conn) {
	logger := h.logger.With("group_id", groupID, "user_id", user.UserID)

	r, err := h.room(ctx, groupID)
	if err != nil {
		code, reason := closeFor(err)
		logger.Info("connection refused", "error", err, "close_code", code)
		closeConn(conn, code, reason, h.cfg.WriteTimeout)
		return
	}

	c := newClient(h, conn, user)
	if err := r.join(ctx, c); err != nil {
		code, reason := closeFor(err)
		logger.Info("join refused", "error", err, "close_code", code)
		closeConn(conn, code, reason, h.cfg.WriteTimeout)
		return
	}
	logger.Info("member connected", "conn_id", c.ConnID)
	h.metrics.ConnectionOpened()

	go c.writePump()
	reason := c.readPump(r)
	r.leave(c)
	h.metrics.ConnectionClosed(reason)
	logger.Info("member disconnected", "conn_id", c.ConnID, "reason", reason)
}

func closeFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.CloseAccessDenied, "group not found"
	case errors.Is(err, group.ErrNotMember):
		return protocol.CloseAccessDenied, "not a member"
	case errors.Is(err, group.ErrGroupCompleted), errors.Is(err, ErrRoomClosed):
		return protocol.CloseSessionEnded, "session completed"
	case errors.Is(err, ErrHubClosed):
		return websocket.CloseGoingAway, "shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

func closeConn(conn *websocket.Conn, code int, reason string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	_ = conn.Close()
}

// =============================================================================
// Group Operations
// =============================================================================

// Group returns the current state of a group. Running rooms answer from
// memory, otherwise the store is read.
func (h *Hub) Group(ctx context.Context, groupID string) (*group.Group, error) {
	if r := h.existing(groupID); r != nil {
		var out *group.Group
		if err := r.call(ctx, func() { out = r.grp.Clone() }); err == nil {
			return out, nil
		}
	}
	return h.store.GetGroup(ctx, groupID)
}

// CreateGroup persists a new group. The room starts on first use.
func (h *Hub) CreateGroup(ctx context.Context, g *group.Group) error {
	if _, err := h.store.GetGroup(ctx, g.ID); err == nil {
		return fmt.Errorf("%w: group %s exists", group.ErrInvalidGroup, g.ID)
	}
	return h.store.SaveGroup(ctx, g)
}

// Mutate applies fn to the group inside its room and persists the result.
//
// # Description
//
// fn receives a copy; when it returns an error nothing changes. Side
// effects follow from the difference between the old and new group:
// removed members are disconnected with 4003 and their matrices dropped,
// weight or role changes trigger recomputation, status changes are
// broadcast, and completion tears the room down with 4004.
//
// # Outputs
//
//   - *group.Group: The new state.
//   - error: fn's error, a store error, or ErrRoomClosed.
func (h *Hub) Mutate(ctx context.Context, groupID string, fn func(g *group.Group) error) (*group.Group, error) {
	r, err := h.room(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var (
		out    *group.Group
		mutErr error
	)
	if err := r.call(ctx, func() { out, mutErr = r.mutate(ctx, fn) }); err != nil {
		return nil, err
	}
	return out, mutErr
}

// Aggregate returns the latest accepted aggregate of a node.
func (h *Hub) Aggregate(ctx context.Context, groupID, nodeID string) (group.AggregatedMatrix, error) {
	return h.store.LatestAggregate(ctx, groupID, nodeID)
}

// Presence returns the online users of a group. Groups without a running
// room have nobody online.
func (h *Hub) Presence(ctx context.Context, groupID string) ([]protocol.OnlineUser, error) {
	r := h.existing(groupID)
	if r == nil {
		return []protocol.OnlineUser{}, nil
	}
	var users []protocol.OnlineUser
	if err := r.call(ctx, func() { users = r.roster() }); err != nil {
		if errors.Is(err, ErrRoomClosed) {
			return []protocol.OnlineUser{}, nil
		}
		return nil, err
	}
	return users, nil
}

// =============================================================================
// Feed
// =============================================================================

// Deliver hands a feed envelope to the members of groupID connected here.
// It implements monitor.Deliverer and never creates a room.
func (h *Hub) Deliver(groupID string, env protocol.Envelope) {
	r := h.existing(groupID)
	if r == nil {
		return
	}
	if err := r.send(h.ctx, func() { r.broadcast(env, nil) }); err != nil {
		h.logger.Debug("feed delivery skipped", "group_id", groupID, "error", err)
	}
}

// publish queues env for the publisher. Called from room actors, so it
// never blocks.
func (h *Hub) publish(groupID string, env protocol.Envelope) {
	select {
	case h.feed <- feedItem{groupID: groupID, env: env}:
	default:
		h.logger.Warn("feed queue full, dropping", "group_id", groupID, "type", string(env.Type))
	}
}

func (h *Hub) runFeed() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case item := <-h.feed:
			ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
			if err := h.publisher.Publish(ctx, item.groupID, item.env); err != nil {
				h.logger.Warn("feed publish failed", "group_id", item.groupID, "error", err)
			}
			cancel()
		}
	}
}

// =============================================================================
// Recomputation
// =============================================================================

// recompute runs snap on a worker and hands the result back to the room,
// which keeps it only if no newer snapshot was taken meanwhile.
func (h *Hub) recompute(r *Room, snap monitor.Snapshot) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.workers.Acquire(h.ctx, 1); err != nil {
			return
		}
		defer h.workers.Release(1)

		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.RecomputeTimeout)
		defer cancel()
		update, err := r.engine.Recompute(ctx, snap)
		if err != nil {
			return
		}
		if err := r.call(ctx, func() { r.accept(ctx, update) }); err != nil {
			h.logger.Debug("recompute result dropped", "group_id", snap.GroupID, "error", err)
		}
	}()
}

// =============================================================================
// Shutdown
// =============================================================================

// Close stops every room, closing connections with 1001, then waits for
// workers and the feed forwarder. The publisher is not closed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range rooms {
		_ = r.call(ctx, func() { r.shutdown(websocket.CloseGoingAway, "server shutting down", "shutdown") })
	}
	h.cancel()
	h.wg.Wait()
	return nil
}
