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
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/GroupAHP/pkg/storage/badger"
)

// Cache is the client's injected persistence: the bearer token and
// backups of comparisons that were sent but not yet acknowledged.
type Cache interface {
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Cache keys.
const (
	TokenKey     = "token"
	backupPrefix = "backup/"
)

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string][]byte)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *MemoryCache) Keys(_ context.Context, prefix string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// BadgerCache is a Cache that survives restarts.
type BadgerCache struct {
	db *badger.DB
}

// NewBadgerCache wraps an open database. The caller owns db.
func NewBadgerCache(db *badger.DB) *BadgerCache {
	return &BadgerCache{db: db}
}

func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.db.Get(ctx, key)
	if errors.Is(err, badger.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *BadgerCache) Put(ctx context.Context, key string, value []byte) error {
	return c.db.Put(ctx, key, value)
}

func (c *BadgerCache) Delete(ctx context.Context, key string) error {
	return c.db.Delete(ctx, key)
}

func (c *BadgerCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	return c.db.Keys(ctx, prefix)
}
