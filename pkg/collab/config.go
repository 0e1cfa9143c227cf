// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"log/slog"
	"time"
)

// Status is the connection state of a Session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Config configures a Session. Zero durations and counts select defaults.
type Config struct {
	// URL is the group's WebSocket endpoint, e.g.
	// ws://host:12300/v1/groups/<id>/ws.
	URL string `validate:"required,url"`

	// Token is the bearer credential used when neither TokenSource nor the
	// cache provides one.
	Token string

	// TokenSource, when set, is asked for a token before every dial.
	TokenSource func(ctx context.Context) (string, error)

	// HeartbeatInterval is the heartbeat period while connected.
	// Default: 30s.
	HeartbeatInterval time.Duration `validate:"gte=0"`

	// AckTimeout bounds how long Send waits for an acknowledgement.
	// Default: 5s.
	AckTimeout time.Duration `validate:"gte=0"`

	// BaseReconnectDelay is the first retry delay; each attempt doubles it.
	// Default: 1s.
	BaseReconnectDelay time.Duration `validate:"gte=0"`

	// MaxReconnectDelay caps the doubled delay. Default: 30s.
	MaxReconnectDelay time.Duration `validate:"gte=0"`

	// MaxJitter is the upper bound of the random delay added to every
	// retry. Default: 500ms.
	MaxJitter time.Duration `validate:"gte=0"`

	// MaxReconnectAttempts is the retry cap. Default: 10.
	MaxReconnectAttempts int `validate:"gte=0"`

	// DialTimeout bounds each reconnect dial. Default: 10s.
	DialTimeout time.Duration `validate:"gte=0"`

	// Dialer opens transports. Default: WebSocketDialer.
	Dialer Dialer `validate:"-"`

	// Cache stores the token and offline comparison backups. Default: an
	// empty MemoryCache.
	Cache Cache `validate:"-"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `validate:"-"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    30 * time.Second,
		AckTimeout:           5 * time.Second,
		BaseReconnectDelay:   time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxJitter:            500 * time.Millisecond,
		MaxReconnectAttempts: 10,
		DialTimeout:          10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = d.BaseReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = d.MaxJitter
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	if c.Cache == nil {
		c.Cache = NewMemoryCache()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ReconnectDelay returns the wait before retry number attempt (0-based):
// min(BaseReconnectDelay·2^attempt, MaxReconnectDelay) + jitter, with
// jitter clamped to [0, MaxJitter].
func ReconnectDelay(cfg Config, attempt int, jitter time.Duration) time.Duration {
	cfg = cfg.withDefaults()
	delay := cfg.MaxReconnectDelay
	if attempt < 32 {
		if d := cfg.BaseReconnectDelay << uint(attempt); d > 0 && d < cfg.MaxReconnectDelay {
			delay = d
		}
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > cfg.MaxJitter {
		jitter = cfg.MaxJitter
	}
	return delay + jitter
}
