package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/cloudkv/internal/api"
	"github.com/stacklok/cloudkv/internal/app/storage"
	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/defaults"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/sync/coordinator"
	"github.com/stacklok/cloudkv/internal/telemetry"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultIdleTimeout    = 60 * time.Second

	// coordinatorTracerName names the tracer used for SyncWithCloud spans
	coordinatorTracerName = "github.com/stacklok/cloudkv/coordinator"
)

// AppOption is a function that configures the app builder
type AppOption func(*appConfig) error

// appConfig collects everything NewApp needs. It supports dependency
// injection for testing while providing defaults for production.
type appConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	storageFactory storage.Factory

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	idleTimeout    time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...AppOption) (*appConfig, error) {
	cfg := &appConfig{
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		cfg.config = config.Default()
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetAddress()
	}

	return cfg, nil
}

// NewApp builds the application: store, coordinator and HTTP server
func NewApp(ctx context.Context, opts ...AppOption) (*App, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewStorageFactory(cfg.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	components, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build components: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, components.Defaults)
	if err != nil {
		if components.changeSub != nil {
			components.changeSub.Unsubscribe()
		}
		_ = components.Defaults.Close()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)

	return &App{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) AppOption {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address, overriding the configuration
func WithAddress(addr string) AppOption {
	return func(cfg *appConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("address is not valid: %w", err)
		}
		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		switch host {
		case "localhost":
			host = "127.0.0.1"
		case "":
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(net.JoinHostPort(host, port)); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares, replacing the defaults
func WithMiddlewares(mw ...func(http.Handler) http.Handler) AppOption {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) AppOption {
	return func(cfg *appConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for sync, store and HTTP metrics
func WithMeterProvider(mp metric.MeterProvider) AppOption {
	return func(cfg *appConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for sync and HTTP spans
func WithTracerProvider(tp trace.TracerProvider) AppOption {
	return func(cfg *appConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler serves a Prometheus scrape endpoint at /metrics
func WithMetricsHandler(h http.Handler) AppOption {
	return func(cfg *appConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// buildComponents opens the store and creates its coordinator
func buildComponents(ctx context.Context, b *appConfig) (*AppComponents, error) {
	slog.Info("Initializing store", "type", b.storageFactory.Type(), "store", b.config.GetStoreName())

	store, err := b.storageFactory.CreateStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	components := &AppComponents{StoreType: b.storageFactory.Type()}
	coordOpts := coordinator.OptionsFromConfig(b.config.Sync)

	if b.meterProvider != nil {
		syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
		coordOpts = append(coordOpts, coordinator.WithSyncMetrics(syncMetrics))

		storeMetrics, err := telemetry.NewStoreMetrics(b.meterProvider)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create store metrics: %w", err)
		}
		components.StoreMetrics = storeMetrics
		components.changeSub = store.Subscribe(func(ev kv.ChangeEvent) {
			storeMetrics.RecordChangeEvent(context.Background(), ev.Reason.String())
		})
		slog.Info("Sync and store metrics enabled")
	}

	if b.tracerProvider != nil {
		coordOpts = append(coordOpts, coordinator.WithTracer(b.tracerProvider.Tracer(coordinatorTracerName)))
	}

	if persistence := b.storageFactory.CreateStatusPersistence(); persistence != nil {
		coordOpts = append(coordOpts, coordinator.WithStatusPersistence(persistence, b.config.GetStoreName()))
	}

	components.Defaults = defaults.New(store, coordOpts...)
	slog.Info("Store initialized")
	return components, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *appConfig, svc *defaults.Defaults) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// POST /v1/sync may wait for the whole sync timeout
	syncTimeout := b.config.Sync.GetTimeout()
	requestTimeout := max(b.requestTimeout, syncTimeout+time.Second)

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(requestTimeout),
			api.LoggingMiddleware,
		}
	}

	if b.tracerProvider != nil {
		b.middlewares = append([]func(http.Handler) http.Handler{telemetry.TracingMiddleware(b.tracerProvider)}, b.middlewares...)
	}

	// Prepended so that every request is counted
	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		if metricsMiddleware != nil {
			b.middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, b.middlewares...)
			slog.Info("HTTP metrics middleware enabled")
		}
	}

	router := api.NewServer(svc,
		api.WithMiddlewares(b.middlewares...),
		api.WithMetricsHandler(b.metricsHandler),
	)

	server := &http.Server{
		Addr:        b.address,
		Handler:     router,
		ReadTimeout: b.readTimeout,
		// Writes are bounded by the request timeout middleware
		WriteTimeout: requestTimeout + time.Second,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
