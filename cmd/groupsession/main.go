// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command groupsession starts the group AHP collaboration server.
//
// Configuration comes from the YAML file named by GROUPSESSION_CONFIG,
// overridden by environment variables.
//
// # Environment Variables
//
//   - GROUPSESSION_CONFIG: Path to a YAML config file (optional)
//   - GROUPSESSION_PORT: HTTP server port (default: 12300)
//   - GROUPSESSION_DATA_DIR: BadgerDB directory; in-memory when unset
//   - GROUPSESSION_JWT_SECRET: HS256 secret; tokens are taken as user ids when unset
//   - GROUPSESSION_LOG_LEVEL: debug, info, warn or error (default: info)
//   - REDIS_ADDR: Redis address for the cross-instance feed bus (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	go build -o groupsession ./cmd/groupsession
//	GROUPSESSION_DATA_DIR=/var/lib/groupahp ./groupsession
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/GroupAHP/pkg/logging"
	"github.com/AleutianAI/GroupAHP/services/groupsession"
	"github.com/AleutianAI/GroupAHP/services/groupsession/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: cfg.Tracing.ServiceName,
		JSON:    cfg.Log.JSON,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting group session server",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"feed_bus", cfg.Redis != nil,
		"tracing", cfg.Tracing.Endpoint != "",
	)

	// Enterprise builds pass custom ServiceOptions here.
	svc, err := groupsession.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("Failed to create group session service", "error", err)
		os.Exit(1)
	}
	if err := svc.Run(ctx); err != nil {
		slog.Error("Group session server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Group session server stopped")
}
