// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "groupsession.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWith_Defaults(t *testing.T) {
	cfg, err := LoadWith("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Nil(t, cfg.Redis)

	cfg, err = LoadWith(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	require.NoError(t, err)
	assert.Equal(t, 12300, cfg.Port)
}

func TestLoadWith_File(t *testing.T) {
	path := writeFile(t, `
port: 9000
data_dir: /var/lib/groupahp
log:
  level: debug
redis:
  addr: redis:6379
  channel: feed
hub:
  heartbeat_interval: 15s
  recompute_workers: 8
  consensus:
    critical_threshold: 0.5
`)
	cfg, err := LoadWith(path, env(nil))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/var/lib/groupahp", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, int64(8), cfg.Hub.RecomputeWorkers)
	assert.Equal(t, 0.5, cfg.Hub.Consensus.CriticalThreshold)
	assert.Equal(t, 10*time.Second, cfg.Hub.PresenceGrace, "unset keys keep defaults")
}

func TestLoadWith_EnvOverrides(t *testing.T) {
	path := writeFile(t, "port: 9000\nredis:\n  addr: redis:6379\n")
	cfg, err := LoadWith(path, env(map[string]string{
		EnvPort:         "9100",
		EnvDataDir:      "/data",
		EnvJWTSecret:    "s3cret",
		EnvOTLPEndpoint: "otel:4317",
		EnvRedisAddr:    "other:6380",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "otel:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "other:6380", cfg.Redis.Addr)

	cfg, err = LoadWith(path, env(map[string]string{EnvRedisAddr: ""}))
	require.NoError(t, err)
	assert.Nil(t, cfg.Redis)
}

func TestLoadWith_Invalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{"bad yaml", "port: [", nil},
		{"port out of range", "port: 70000", nil},
		{"bad log level", "log:\n  level: loud", nil},
		{"bad redis addr", "redis:\n  addr: nocolon", nil},
		{"zero heartbeat", "hub:\n  heartbeat_interval: 0s", nil},
		{"port not a number", "", map[string]string{EnvPort: "http"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := LoadWith(path, env(tt.env))
			assert.Error(t, err)
		})
	}
}
