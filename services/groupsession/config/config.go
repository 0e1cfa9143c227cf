// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the group session service configuration.
//
// Values come from three layers, later ones winning:
//
//  1. DefaultConfig
//  2. A YAML file, path from GROUPSESSION_CONFIG (skipped when absent)
//  3. Environment overrides (see Env* constants)
//
// The result is validated with struct tags before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/GroupAHP/services/groupsession/hub"
	"github.com/AleutianAI/GroupAHP/services/groupsession/monitor"
)

// Environment variables read by Load.
const (
	EnvConfigPath   = "GROUPSESSION_CONFIG"
	EnvPort         = "GROUPSESSION_PORT"
	EnvDataDir      = "GROUPSESSION_DATA_DIR"
	EnvJWTSecret    = "GROUPSESSION_JWT_SECRET"
	EnvLogLevel     = "GROUPSESSION_LOG_LEVEL"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the full service configuration.
type Config struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// DataDir holds the BadgerDB store. Empty keeps everything in memory.
	DataDir string `yaml:"data_dir"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	Tracing TracingConfig `yaml:"tracing"`

	// Redis enables the cross-instance feed bus when set.
	Redis *monitor.RedisConfig `yaml:"redis" validate:"omitempty"`

	Hub hub.Config `yaml:"hub"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig selects the token validator. An empty JWTSecret accepts any
// token as the user id, which is only suitable for local use.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// TracingConfig configures the OTLP exporter. An empty Endpoint disables
// tracing.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Port:            12300,
		ShutdownTimeout: 15 * time.Second,
		Log:             LogConfig{Level: "info", JSON: true},
		Auth:            AuthConfig{Issuer: "groupahp"},
		Tracing:         TracingConfig{ServiceName: "groupsession-service"},
		Hub:             hub.DefaultConfig(),
	}
}

var validate = validator.New()

// Load builds the configuration from the file named by GROUPSESSION_CONFIG
// and the environment.
func Load() (Config, error) {
	return LoadWith(os.Getenv(EnvConfigPath), os.LookupEnv)
}

// LoadWith builds the configuration from path (may be empty) and the
// environment lookup function.
//
// # Outputs
//
//   - Config: The validated configuration.
//   - error: Non-nil when the file cannot be parsed, an override is
//     malformed, or validation fails. A missing file is not an error.
func LoadWith(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if v, ok := lookup(EnvDataDir); ok {
		cfg.DataDir = v
	}
	if v, ok := lookup(EnvJWTSecret); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok {
		cfg.Tracing.Endpoint = v
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		if v == "" {
			cfg.Redis = nil
		} else {
			if cfg.Redis == nil {
				cfg.Redis = &monitor.RedisConfig{}
			}
			cfg.Redis.Addr = v
		}
	}
	return nil
}
