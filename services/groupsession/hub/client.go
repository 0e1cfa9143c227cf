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
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
)

// Client is one WebSocket connection of a group member.
//
// The room actor is the only writer of the send channel and of the fields
// below it; the write pump only drains the channel.
type Client struct {
	ConnID   string
	UserID   string
	UserName string
	Role     string
	JoinedAt time.Time

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closed    bool
	closeCode int
	closeText string

	mu     sync.Mutex
	reason string
}

func newClient(h *Hub, conn *websocket.Conn, user *extensions.AuthInfo) *Client {
	return &Client{
		ConnID:   uuid.NewString(),
		UserID:   user.UserID,
		UserName: user.DisplayName(),
		JoinedAt: time.Now().UTC(),
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst),
	}
}

// enqueue queues a frame. A full buffer drops the frame.
func (c *Client) enqueue(env protocol.Envelope) {
	if c.closed {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.hub.logger.Error("encode frame", "type", string(env.Type), "error", err)
		return
	}
	select {
	case c.send <- raw:
	default:
		c.hub.metrics.FrameDropped()
		c.hub.logger.Warn("client buffer full, dropping frame",
			"conn_id", c.ConnID, "user_id", c.UserID, "type", string(env.Type))
	}
}

// close ends the connection after the queued frames are written. code 0
// means a normal closure. reason labels the close in metrics when the
// server initiated it.
func (c *Client) close(code int, text, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	close(c.send)
}

func (c *Client) serverReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Client) writePump() {
	defer c.conn.Close()
	timeout := c.hub.cfg.WriteTimeout
	for raw := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			c.hub.logger.Debug("write failed", "conn_id", c.ConnID, "error", err)
			return
		}
	}
	code := c.closeCode
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, c.closeText)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
}

// readPump forwards inbound frames to the room until the connection fails.
// It returns the close reason for metrics.
func (c *Client) readPump(r *Room) string {
	timeout := c.hub.cfg.presenceTimeout()
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return c.readFailure(err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

		var cmd func()
		var env protocol.Envelope
		switch {
		case json.Unmarshal(data, &env) != nil:
			cmd = func() { r.reject(c, "", protocol.CodeInvalidPayload, "malformed envelope") }
		case !c.limiter.Allow():
			clientID := env.ClientID
			cmd = func() { r.reject(c, clientID, protocol.CodeRateLimited, "too many messages") }
		default:
			cmd = func() { r.handle(c, env) }
		}
		if err := r.send(c.hub.ctx, cmd); err != nil {
			if reason := c.serverReason(); reason != "" {
				return reason
			}
			return "room_closed"
		}
	}
}

func (c *Client) readFailure(err error) string {
	if reason := c.serverReason(); reason != "" {
		return reason
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return "client"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "presence_timeout"
	}
	return "read_error"
}
