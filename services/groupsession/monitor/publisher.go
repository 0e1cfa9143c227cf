// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AleutianAI/GroupAHP/pkg/protocol"
)

// Deliverer fans a feed envelope out to the members of a group connected
// to this process. The hub implements it.
type Deliverer interface {
	Deliver(groupID string, env protocol.Envelope)
}

// Publisher carries feed envelopes to every process serving the group.
type Publisher interface {
	Publish(ctx context.Context, groupID string, env protocol.Envelope) error
	Close() error
}

// ErrNoDeliverer is returned by LocalPublisher.Publish before Attach.
var ErrNoDeliverer = errors.New("publisher has no deliverer attached")

// =============================================================================
// Local
// =============================================================================

// LocalPublisher delivers in process. Use it for single-instance
// deployments and tests.
type LocalPublisher struct {
	mu     sync.RWMutex
	target Deliverer
}

// NewLocalPublisher returns a publisher with no deliverer attached.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{}
}

// Attach sets the deliverer. The hub is built with the publisher, so the
// two are linked after construction.
func (p *LocalPublisher) Attach(d Deliverer) {
	p.mu.Lock()
	p.target = d
	p.mu.Unlock()
}

func (p *LocalPublisher) Publish(ctx context.Context, groupID string, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target == nil {
		return ErrNoDeliverer
	}
	target.Deliver(groupID, env)
	return nil
}

func (p *LocalPublisher) Close() error { return nil }

// =============================================================================
// Redis
// =============================================================================

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "groupahp:feed"

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	Addr        string        `yaml:"addr" validate:"required,hostname_port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db" validate:"gte=0"`
	Channel     string        `yaml:"channel"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type feedMessage struct {
	GroupID  string            `json:"group_id"`
	Envelope protocol.Envelope `json:"envelope"`
}

// RedisPublisher publishes feed envelopes on a Redis channel. Every
// instance runs StartForwarder, including the publishing one, so delivery
// always goes through Redis.
type RedisPublisher struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher connects and pings Redis.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis publisher: missing addr")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: cfg.Channel,
		logger:  logger.With("component", "redis_feed"),
	}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, groupID string, env protocol.Envelope) error {
	raw, err := json.Marshal(feedMessage{GroupID: groupID, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode feed message: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the feed channel and hands every message to
// d until ctx is cancelled. It returns once the subscription is confirmed.
func (p *RedisPublisher) StartForwarder(ctx context.Context, d Deliverer) error {
	if d == nil {
		return fmt.Errorf("redis forwarder: deliverer required")
	}
	sub := p.rdb.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				msg, err := decodeFeed(m.Payload)
				if err != nil {
					p.logger.Warn("bad feed payload", "error", err)
					continue
				}
				d.Deliver(msg.GroupID, msg.Envelope)
			}
		}
	}()
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

func decodeFeed(payload string) (feedMessage, error) {
	var msg feedMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return feedMessage{}, err
	}
	if msg.GroupID == "" || !msg.Envelope.Type.Valid() {
		return feedMessage{}, fmt.Errorf("incomplete feed message")
	}
	return msg, nil
}
