// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chatcore provides the streaming chat turn service.
//
// This package contains the main service type that coordinates all
// components: HTTP routing, provider adapters, the embedded message
// store, the quota ledger, the finalization state machine, and
// observability infrastructure.
//
// # Usage
//
//	cfg := chatcore.Config{Port: 8089, DataDir: "./data"}
//	svc, err := chatcore.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package chatcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/config"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/handlers"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/observability"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/providers"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/routes"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/store"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the chat core service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close releases resources without starting the server. Run()
	// performs its own cleanup; Close is for construction-only uses
	// such as tests driving Router() directly.
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds chat core configuration options.
//
// All fields have defaults applied by New(); the zero value is a
// runnable development configuration with an in-path data directory.
type Config struct {
	// Port is the HTTP server port. Default: 8089
	Port int

	// DataDir is the Badger database directory. Default: "./data"
	// Ignored when InMemory is true.
	DataDir string

	// InMemory runs the store without disk persistence. For tests.
	InMemory bool

	// FeatureViewPath is the feature configuration file published by
	// the admin service. Default: "./config/features.json"
	FeatureViewPath string

	// WatchFeatureView enables hot reload of the feature view file.
	// Default: true
	WatchFeatureView bool

	// OpenAIAPIKey authenticates the direct-generation backend.
	OpenAIAPIKey string

	// OpenAIBaseURL overrides the direct backend endpoint.
	OpenAIBaseURL string

	// SearchBackendURL is the search-augmented backend's streaming
	// endpoint. Features with the "search" variant fail pre-stream if
	// this is empty.
	SearchBackendURL string

	// ProviderTimeout bounds upstream connection establishment.
	// Default: 30s. Stream length is bounded by request contexts.
	ProviderTimeout time.Duration

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty
	// disables tracing export (spans become no-ops).
	OTelEndpoint string

	// EnableMetrics enables Prometheus metric registration. Leave
	// false in tests to avoid duplicate registration panics.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8089
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.FeatureViewPath == "" {
		cfg.FeatureViewPath = "./config/features.json"
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after
// New() returns.
type service struct {
	config        Config
	router        *gin.Engine
	db            *store.DB
	registry      *config.Registry
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// =============================================================================
// Constructor
// =============================================================================

// New creates a new chat core Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing (if an endpoint is set)
//  3. Initializes Prometheus metrics (if enabled)
//  4. Opens the embedded message store
//  5. Loads the feature view and starts hot reload
//  6. Builds the provider variants
//  7. Sets up HTTP routes
//
// # Outputs
//
//   - Service: Ready-to-run chat core service
//   - error: Non-nil if initialization fails
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for turn pipeline")
	}

	if err := s.initStore(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	if err := s.initRegistry(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load feature view: %w", err)
	}

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.Close()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting chat core server",
		"port", s.config.Port,
		"features", s.registry.Keys(),
	)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases all resources held by the service.
func (s *service) Close() {
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			slog.Warn("feature registry close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal networks only)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatcore-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore opens the embedded Badger database.
func (s *service) initStore() error {
	var err error
	if s.config.InMemory {
		s.db, err = store.OpenInMemory()
		return err
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = s.config.DataDir
	s.db, err = store.Open(storeCfg)
	return err
}

// initRegistry loads the feature view and starts hot reload.
func (s *service) initRegistry() error {
	registry, err := config.Load(s.config.FeatureViewPath)
	if err != nil {
		return err
	}
	s.registry = registry

	if s.config.WatchFeatureView {
		if err := registry.Watch(); err != nil {
			// Not fatal, the startup snapshot still serves.
			slog.Warn("feature view hot reload unavailable", "error", err)
		}
	}
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	providerCfg := providers.Config{
		APIKey:      s.config.OpenAIAPIKey,
		BaseURL:     s.config.OpenAIBaseURL,
		SearchURL:   s.config.SearchBackendURL,
		HTTPTimeout: s.config.ProviderTimeout,
	}
	provs := map[string]providers.Provider{
		providers.ProviderDirect: providers.NewDirect(providerCfg),
		providers.ProviderSearch: providers.NewSearch(providerCfg),
	}

	messages := store.NewMessageStore(s.db)
	ledger := store.NewLedger(s.db)
	finalizer := store.NewFinalizer(s.db, ledger)

	turns := handlers.NewTurnHandler(s.registry, provs, messages, ledger)
	finalize := handlers.NewFinalizeHandler(finalizer, ledger)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("chatcore-service"))

	routes.SetupRoutes(s.router, turns, finalize, s.registry.Keys())
}
