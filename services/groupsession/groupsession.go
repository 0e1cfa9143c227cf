// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package groupsession assembles the group session service: the hub, its
// store and feed publisher, the HTTP routes and tracing.
//
// # Usage
//
// Open source (no-op auth unless a JWT secret is configured):
//
//	cfg, err := config.Load()
//	svc, err := groupsession.New(ctx, cfg, nil)
//	err = svc.Run(ctx) // returns after ctx is cancelled and shutdown completes
//
// Enterprise callers pass their own providers:
//
//	opts := extensions.DefaultOptions().WithAuth(enterpriseAuth)
//	svc, err := groupsession.New(ctx, cfg, &opts)
package groupsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/pkg/storage/badger"
	"github.com/AleutianAI/GroupAHP/services/groupsession/config"
	"github.com/AleutianAI/GroupAHP/services/groupsession/handlers"
	"github.com/AleutianAI/GroupAHP/services/groupsession/hub"
	"github.com/AleutianAI/GroupAHP/services/groupsession/monitor"
	"github.com/AleutianAI/GroupAHP/services/groupsession/observability"
	"github.com/AleutianAI/GroupAHP/services/groupsession/routes"
	"github.com/AleutianAI/GroupAHP/services/groupsession/store"
)

// =============================================================================
// Service
// =============================================================================

// Service is the assembled group session server.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	store     store.Store
	publisher monitor.Publisher
	hub       *hub.Hub
	router    *gin.Engine

	cancel        context.CancelFunc
	tracerCleanup func(context.Context)
}

// New builds the service.
//
// # Description
//
// Opens the store (BadgerDB under cfg.DataDir, in memory otherwise),
// connects the Redis feed bus when configured, starts the hub and wires
// the routes. Providers missing from opts are filled in: a JWT validator
// when cfg.Auth.JWTSecret is set, membership-based authorization, and slog
// audit logging.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Non-nil when any collaborator fails to start. Everything
//     started so far is released.
func New(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions) (*Service, error) {
	s := &Service{cfg: cfg, logger: slog.Default().With("service", cfg.Tracing.ServiceName)}
	var svcOpts extensions.ServiceOptions
	if opts != nil {
		svcOpts = *opts
	}

	if cfg.Tracing.Endpoint != "" {
		cleanup, err := initTracer(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	metrics := observability.InitMetrics()

	if err := s.openStore(); err != nil {
		s.cleanup()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	var redisPub *monitor.RedisPublisher
	if cfg.Redis != nil {
		p, err := monitor.NewRedisPublisher(ctx, *cfg.Redis, s.logger)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to connect feed bus: %w", err)
		}
		redisPub = p
		s.publisher = p
	}

	h, err := hub.New(cfg.Hub, hub.Options{
		Store:     s.store,
		Publisher: s.publisher,
		Metrics:   metrics,
		Logger:    s.logger,
	})
	if err != nil {
		s.cleanup()
		return nil, err
	}
	s.hub = h

	if redisPub != nil {
		if err := redisPub.StartForwarder(runCtx, h); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to start feed forwarder: %w", err)
		}
		s.logger.Info("feed bus connected", "redis_addr", cfg.Redis.Addr)
	}

	if svcOpts.AuthProvider == nil && cfg.Auth.JWTSecret != "" {
		svcOpts.AuthProvider = extensions.NewJWTAuthProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}
	if svcOpts.AuthProvider == nil {
		s.logger.Warn("no JWT secret configured, tokens are taken as user ids")
	}
	if svcOpts.AuthzProvider == nil {
		svcOpts.AuthzProvider = handlers.NewMembershipAuthz(h)
	}
	if svcOpts.AuditLogger == nil {
		svcOpts.AuditLogger = extensions.NewSlogAuditLogger(s.logger)
	}
	svcOpts = svcOpts.WithDefaults()

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if s.tracerCleanup != nil {
		s.router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	routes.SetupRoutes(s.router, handlers.NewGroupHandler(h, svcOpts, s.logger), svcOpts)
	return s, nil
}

func (s *Service) openStore() error {
	if s.cfg.DataDir == "" {
		s.logger.Info("no data dir configured, using in-memory store")
		s.store = store.NewMemoryStore()
		return nil
	}
	bcfg := badger.DefaultConfig(s.cfg.DataDir)
	bcfg.Logger = s.logger
	db, err := badger.Open(bcfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store.NewBadgerStore(db)
	s.logger.Info("opened store", "data_dir", s.cfg.DataDir)
	return nil
}

// Router returns the HTTP handler, for tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Hub returns the collaboration hub.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully:
// connections are closed with 1001, in-flight requests get
// ShutdownTimeout to finish, and every collaborator is released.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting group session server", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down group session server")
		_ = s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.cleanup()
	return err
}

// Close releases every collaborator without serving. Used when Run is
// never called.
func (s *Service) Close() {
	s.cleanup()
}

func (s *Service) cleanup() {
	if s.hub != nil {
		_ = s.hub.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("feed publisher close error", "error", err)
		}
		s.publisher = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close error", "error", err)
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Tracing
// =============================================================================

// initTracer sets up the OTLP gRPC exporter and the global tracer
// provider. The connection is insecure, for in-cluster collectors.
func initTracer(ctx context.Context, cfg config.TracingConfig) (func(context.Context), error) {
	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}
