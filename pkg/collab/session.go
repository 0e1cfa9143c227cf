// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab is the client side of a live group session.
//
// # Description
//
// A Session owns one WebSocket connection to a group and moves through
//
//	disconnected → connecting → connected → reconnecting → connecting …
//
// It sends heartbeats while connected, reconnects with capped exponential
// backoff after unexpected closes, tracks acknowledgements for model
// writes, keeps the presence roster, and remembers the highest server
// version it has seen so writes can be tagged for conflict detection.
//
// # Thread Safety
//
// All Session methods are safe for concurrent use. Handlers are invoked
// from the session's goroutines, never while an internal lock is held.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/GroupAHP/pkg/protocol"
)

// Handlers receives session events. Every field is optional.
type Handlers struct {
	// OnStatus is called after every status transition.
	OnStatus func(Status)

	// OnMessage receives every inbound envelope except acknowledgements
	// and heartbeat replies: feed updates, presence events, relays.
	OnMessage func(protocol.Envelope)

	// OnPresence is called with a roster snapshot after it changes.
	OnPresence func([]protocol.OnlineUser)

	// OnError receives fatal errors: ErrAuthFailed, ErrAccessDenied,
	// ErrSessionEnded, ErrReconnectExhausted.
	OnError func(error)

	// OnWarning receives transient errors such as ErrAckTimeout and
	// server rejections that match no pending message.
	OnWarning func(error)
}

// Ack is a resolved acknowledgement.
type Ack struct {
	ClientID string
	Version  int64
}

// Backup is a comparison that was sent but never acknowledged.
type Backup struct {
	ClientID string
	Envelope protocol.Envelope
}

type ackResult struct {
	ack Ack
	err error
}

type pendingAck struct {
	result chan ackResult
	timer  *time.Timer
	backup bool
}

// Session is one client's connection to one group.
type Session struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu             sync.Mutex
	status         Status
	attempts       int
	serverVersion  int64
	manual         bool
	conn           Conn
	generation     uint64
	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer
	pending        map[string]*pendingAck

	roster *Roster
}

var validate = validator.New()

// New creates a disconnected Session.
//
// # Inputs
//
//   - cfg: URL is required; zero values select defaults.
//   - h: Event callbacks.
//
// # Outputs
//
//   - *Session: The session. Call Connect to open it.
//   - error: Non-nil when cfg fails validation.
func New(cfg Config, h Handlers) (*Session, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		handlers: h,
		logger:   cfg.Logger.With(slog.String("url", cfg.URL)),
		status:   StatusDisconnected,
		pending:  make(map[string]*pendingAck),
		roster:   newRoster(),
	}, nil
}

// =============================================================================
// Accessors
// =============================================================================

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Attempts returns the reconnect attempts since the last successful connect.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// ServerVersion returns the highest server version seen.
func (s *Session) ServerVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverVersion
}

// PendingCount returns the number of messages awaiting acknowledgement.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Roster returns the online users.
func (s *Session) Roster() []protocol.OnlineUser {
	return s.roster.Snapshot()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Connect dials the group and, on success, starts the heartbeat and read
// loop.
//
// # Description
//
// A handshake refused with HTTP 401 or 403 is fatal: the session stays
// disconnected and OnError receives ErrAuthFailed or ErrAccessDenied. Any
// other dial failure is returned and leaves the session disconnected;
// automatic reconnection only follows the loss of an established
// connection. Connect on a connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusConnected || s.status == StatusConnecting {
		s.mu.Unlock()
		return nil
	}
	s.manual = false
	s.stopReconnectLocked()
	s.status = StatusConnecting
	s.mu.Unlock()
	s.emitStatus(StatusConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		if fatal := handshakeFatal(err); fatal != nil {
			s.terminate(fatal)
			return fatal
		}
		s.setStatus(StatusDisconnected)
		return fmt.Errorf("connect: %w", err)
	}
	return s.install(conn)
}

// Disconnect closes the session for good.
//
// # Description
//
// Marks the session as manually closed, cancels the heartbeat and any
// reconnect timer, closes the transport with a normal close frame and
// rejects every pending acknowledgement with ErrCancelled. When it
// returns, no Send call is still blocked on this session.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	s.stopReconnectLocked()
	s.stopHeartbeatLocked()
	conn := s.conn
	s.conn = nil
	s.generation++
	pending := s.takePendingLocked()
	changed := s.status != StatusDisconnected
	s.status = StatusDisconnected
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.CloseNormalClosure, "client disconnect"); err != nil {
			s.logger.Debug("close transport", slog.String("error", err.Error()))
		}
	}
	for _, p := range pending {
		p.result <- ackResult{err: ErrCancelled}
	}
	s.roster.clear()
	if changed {
		s.emitStatus(StatusDisconnected)
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	s.logger.Debug("dialing group session", slog.Bool("token_present", token != ""))
	return s.cfg.Dialer.Dial(ctx, s.cfg.URL, header)
}

func (s *Session) token(ctx context.Context) (string, error) {
	if s.cfg.TokenSource != nil {
		return s.cfg.TokenSource(ctx)
	}
	v, ok, err := s.cfg.Cache.Get(ctx, TokenKey)
	if err != nil {
		return "", fmt.Errorf("read cached token: %w", err)
	}
	if ok && len(v) > 0 {
		return string(v), nil
	}
	return s.cfg.Token, nil
}

// install makes conn the live transport.
func (s *Session) install(conn Conn) error {
	s.mu.Lock()
	if s.manual {
		s.mu.Unlock()
		_ = conn.Close(websocket.CloseNormalClosure, "client disconnect")
		return ErrCancelled
	}
	s.generation++
	gen := s.generation
	s.conn = conn
	s.status = StatusConnected
	s.attempts = 0
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.mu.Unlock()

	s.logger.Info("group session connected")
	s.emitStatus(StatusConnected)
	go s.heartbeat(gen, stop)
	go s.readLoop(gen, conn)
	return nil
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(gen, err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		s.dispatch(env)
	}
}

// connectionLost handles the end of the read loop for generation gen.
func (s *Session) connectionLost(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stopHeartbeatLocked()
	if s.manual {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	code := closeCode(err)
	s.logger.Info("group session closed", slog.Int("close_code", code), slog.String("error", err.Error()))
	switch code {
	case protocol.CloseAuthFailed:
		s.terminate(ErrAuthFailed)
	case protocol.CloseAccessDenied:
		s.terminate(ErrAccessDenied)
	case protocol.CloseSessionEnded:
		s.terminate(ErrSessionEnded)
	default:
		s.scheduleReconnect()
	}
}

// terminate moves to a disconnected state that never reconnects.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	s.manual = true
	s.stopReconnectLocked()
	s.stopHeartbeatLocked()
	s.generation++
	conn := s.conn
	s.conn = nil
	pending := s.takePendingLocked()
	s.status = StatusDisconnected
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}
	for _, p := range pending {
		p.result <- ackResult{err: ErrCancelled}
	}
	s.roster.clear()
	s.logger.Warn("group session terminated", slog.String("error", cause.Error()))
	s.emitStatus(StatusDisconnected)
	if s.handlers.OnError != nil {
		s.handlers.OnError(cause)
	}
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.manual {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		s.logger.Error("giving up on group session", slog.Int("attempts", s.cfg.MaxReconnectAttempts))
		s.terminate(ErrReconnectExhausted)
		return
	}
	jitter := time.Duration(rand.Int64N(int64(s.cfg.MaxJitter) + 1))
	delay := ReconnectDelay(s.cfg, s.attempts, jitter)
	s.attempts++
	s.status = StatusReconnecting
	s.reconnectTimer = time.AfterFunc(delay, s.reconnect)
	attempt := s.attempts
	s.mu.Unlock()

	s.logger.Info("reconnect scheduled", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	s.emitStatus(StatusReconnecting)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.manual || s.status != StatusReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.status = StatusConnecting
	s.mu.Unlock()
	s.emitStatus(StatusConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.dial(ctx)
	if err != nil {
		if fatal := handshakeFatal(err); fatal != nil {
			s.terminate(fatal)
			return
		}
		s.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		s.scheduleReconnect()
		return
	}
	if err := s.install(conn); err != nil {
		s.logger.Debug("reconnect abandoned", slog.String("error", err.Error()))
	}
}

func handshakeFatal(err error) error {
	var he *HandshakeError
	if !errors.As(err, &he) {
		return nil
	}
	switch he.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusForbidden:
		return ErrAccessDenied
	default:
		return nil
	}
}

func (s *Session) heartbeat(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env := protocol.Envelope{
				Type:      protocol.TypeHeartbeat,
				ClientID:  uuid.NewString(),
				Timestamp: time.Now().UTC(),
			}
			if err := s.writeGen(gen, env); err != nil {
				s.logger.Debug("heartbeat not sent", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Session) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

func (s *Session) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.emitStatus(st)
}

func (s *Session) emitStatus(st Status) {
	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(st)
	}
}

// =============================================================================
// Writes
// =============================================================================

// Send writes a message that requires acknowledgement and waits for it.
//
// # Description
//
// The message is tagged with a fresh client id and the last server
// version, registered as pending, and written. It resolves exactly once:
// with the matching ack, with a *ServerError for a matching rejection,
// with ErrAckTimeout after AckTimeout, or with ErrCancelled when ctx ends
// or Disconnect runs. It is never retried. Comparison submissions are
// backed up in the cache until acknowledged.
//
// # Outputs
//
//   - Ack: The client id and the server version of the applied write.
//   - error: See above, plus ErrWrongDelivery and ErrNotConnected.
func (s *Session) Send(ctx context.Context, t protocol.MessageType, data any) (Ack, error) {
	if !t.RequiresAck() {
		return Ack{}, fmt.Errorf("%w: %s", ErrWrongDelivery, t)
	}
	env, err := protocol.NewEnvelope(t, data)
	if err != nil {
		return Ack{}, err
	}
	env.ClientID = uuid.NewString()

	backup := t == protocol.TypeEvaluationSubmit || t == protocol.TypeMatrixUpdate
	p := &pendingAck{result: make(chan ackResult, 1), backup: backup}

	s.mu.Lock()
	if s.status != StatusConnected || s.conn == nil {
		s.mu.Unlock()
		return Ack{}, ErrNotConnected
	}
	env = env.WithVersion(s.serverVersion)
	gen := s.generation
	s.pending[env.ClientID] = p
	id := env.ClientID
	p.timer = time.AfterFunc(s.cfg.AckTimeout, func() { s.expire(id) })
	s.mu.Unlock()

	if backup {
		s.storeBackup(ctx, env)
	}
	if err := s.writeGen(gen, env); err != nil {
		if s.take(id) != nil {
			s.dropBackup(id)
		}
		return Ack{}, fmt.Errorf("send %s: %w", t, err)
	}

	select {
	case res := <-p.result:
		return res.ack, res.err
	case <-ctx.Done():
		if s.take(id) != nil {
			return Ack{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		res := <-p.result
		return res.ack, res.err
	}
}

// Notify writes a fire-and-forget message (cursor, selection, heartbeat).
func (s *Session) Notify(t protocol.MessageType, data any) error {
	if !t.IsEphemeral() {
		return fmt.Errorf("%w: %s", ErrWrongDelivery, t)
	}
	env, err := protocol.NewEnvelope(t, data)
	if err != nil {
		return err
	}
	env.ClientID = uuid.NewString()
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.writeGen(gen, env)
}

func (s *Session) writeGen(gen uint64, env protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	ok := s.status == StatusConnected && gen == s.generation
	s.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return conn.WriteMessage(raw)
}

// take removes and returns the pending entry for id, or nil if another
// path already resolved it.
func (s *Session) take(id string) *pendingAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	p.timer.Stop()
	return p
}

func (s *Session) takePendingLocked() []*pendingAck {
	out := make([]*pendingAck, 0, len(s.pending))
	for id, p := range s.pending {
		p.timer.Stop()
		out = append(out, p)
		delete(s.pending, id)
	}
	return out
}

func (s *Session) expire(id string) {
	p := s.take(id)
	if p == nil {
		return
	}
	err := fmt.Errorf("%w: %s", ErrAckTimeout, id)
	s.logger.Warn("acknowledgement timed out", slog.String("client_id", id), slog.Duration("timeout", s.cfg.AckTimeout))
	p.result <- ackResult{err: err}
	if s.handlers.OnWarning != nil {
		s.handlers.OnWarning(err)
	}
}

// =============================================================================
// Inbound
// =============================================================================

func (s *Session) dispatch(env protocol.Envelope) {
	if env.Version != nil {
		s.observeVersion(*env.Version)
	}
	switch env.Type {
	case protocol.TypeAck:
		var a protocol.Ack
		if err := env.Decode(&a); err != nil {
			s.logger.Warn("bad ack", slog.String("error", err.Error()))
			return
		}
		if a.ClientID == "" {
			a.ClientID = env.ClientID
		}
		s.observeVersion(a.Version)
		s.resolve(a.ClientID, ackResult{ack: Ack{ClientID: a.ClientID, Version: a.Version}})
		return

	case protocol.TypeHeartbeatAck:
		var hb protocol.HeartbeatAck
		if err := env.Decode(&hb); err == nil {
			s.observeVersion(hb.Version)
		}
		return

	case protocol.TypeError:
		var e protocol.ErrorPayload
		if err := env.Decode(&e); err != nil {
			s.logger.Warn("bad error frame", slog.String("error", err.Error()))
			return
		}
		se := &ServerError{Code: e.Code, Message: e.Message, ClientID: e.ClientID}
		if e.ClientID != "" && s.resolve(e.ClientID, ackResult{err: se}) {
			return
		}
		if s.handlers.OnWarning != nil {
			s.handlers.OnWarning(se)
		}
		return

	case protocol.TypePresenceSync:
		var ps protocol.PresenceSync
		if err := env.Decode(&ps); err == nil {
			s.roster.replace(ps.Users)
			s.observeVersion(ps.Version)
			s.emitPresence()
		}

	case protocol.TypeUserJoin:
		var j protocol.UserJoin
		if err := env.Decode(&j); err == nil {
			s.roster.upsert(j.User)
			s.emitPresence()
		}

	case protocol.TypeUserLeave:
		var l protocol.UserLeave
		if err := env.Decode(&l); err == nil {
			s.roster.remove(l.UserID)
			s.emitPresence()
		}

	case protocol.TypeSelectionChange:
		var sc protocol.SelectionChanged
		if err := env.Decode(&sc); err == nil {
			s.roster.selectNode(sc.UserID, sc.NodeID)
			s.emitPresence()
		}
	}

	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(env)
	}
}

// resolve completes the pending entry for id. It reports false when the
// entry is gone, e.g. a late ack after the timeout fired.
func (s *Session) resolve(id string, res ackResult) bool {
	p := s.take(id)
	if p == nil {
		s.logger.Debug("ignoring ack for unknown message", slog.String("client_id", id))
		return false
	}
	if p.backup && res.err == nil {
		s.dropBackup(id)
	}
	p.result <- res
	return true
}

func (s *Session) observeVersion(v int64) {
	s.mu.Lock()
	if v > s.serverVersion {
		s.serverVersion = v
	}
	s.mu.Unlock()
}

func (s *Session) emitPresence() {
	if s.handlers.OnPresence != nil {
		s.handlers.OnPresence(s.roster.Snapshot())
	}
}

// =============================================================================
// Backups
// =============================================================================

func (s *Session) storeBackup(ctx context.Context, env protocol.Envelope) {
	raw, err := json.Marshal(env)
	if err == nil {
		err = s.cfg.Cache.Put(ctx, backupPrefix+env.ClientID, raw)
	}
	if err != nil {
		s.logger.Warn("backup not stored", slog.String("client_id", env.ClientID), slog.String("error", err.Error()))
	}
}

func (s *Session) dropBackup(id string) {
	if err := s.cfg.Cache.Delete(context.Background(), backupPrefix+id); err != nil {
		s.logger.Warn("backup not removed", slog.String("client_id", id), slog.String("error", err.Error()))
	}
}

// Backups lists comparisons that were sent but never acknowledged, for
// manual resubmission.
func (s *Session) Backups(ctx context.Context) ([]Backup, error) {
	keys, err := s.cfg.Cache.Keys(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := make([]Backup, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := s.cfg.Cache.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read backup %s: %w", k, err)
		}
		if !ok {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("skipping corrupt backup", slog.String("key", k))
			continue
		}
		out = append(out, Backup{ClientID: env.ClientID, Envelope: env})
	}
	return out, nil
}

// DiscardBackup removes one backup, e.g. after it was resubmitted.
func (s *Session) DiscardBackup(ctx context.Context, clientID string) error {
	return s.cfg.Cache.Delete(ctx, backupPrefix+clientID)
}
