package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"powergate/internal/api"
	"powergate/internal/config"
	"powergate/internal/logger"
	"powergate/internal/models"
	"powergate/internal/observability"
	"powergate/internal/power"
	"powergate/internal/ratelimit"
	"powergate/internal/storage"
	"powergate/internal/version"
)

var (
	configFile   = flag.String("config", "", "Path to configuration file")
	writeExample = flag.String("write-example", "", "Write an example configuration to this path and exit")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo())
		return
	}
	if *writeExample != "" {
		if err := config.SaveExample(*writeExample); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ver := version.GetInfo()

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	handlerOpts := []api.HandlerOption{api.WithVersion(ver.Version)}
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	if cfg.RateLimit.Enabled {
		admission, err := newAdmission(cfg, otelProvider, log)
		if err != nil {
			slog.Error("Failed to initialize rate limiter", "error", err)
			os.Exit(1)
		}
		if admission.backend != nil {
			defer admission.backend.Close()
			handlerOpts = append(handlerOpts, api.WithBackend(admission.backend))
		}
		routeOpts = append(routeOpts, api.WithRateLimiter(admission.middleware))
		slog.Info("Rate limiting enabled",
			"mode", cfg.RateLimit.Mode,
			"storage", cfg.Storage.Type,
			"tiers", len(cfg.RateLimit.Tiers))
	}

	gatherer := power.NewGatherer(cfg.Upstream, power.WithLogger(log))
	handlers := api.NewHandlers(gatherer, handlerOpts...)
	router := api.SetupRoutes(handlers, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "version", ver.Version)

		var err error
		if cfg.Server.TLSEnabled {
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// admission is the wired rate limiting gate. backend is nil in signed mode.
type admission struct {
	middleware func(http.Handler) http.Handler
	backend    storage.Backend
}

// newAdmission builds the history store for the configured mode, the
// limiter over it and the HTTP middleware.
func newAdmission(cfg *models.Config, provider *observability.Provider, log *slog.Logger) (*admission, error) {
	rl := cfg.RateLimit

	tiers, err := ratelimit.TiersFromConfig(rl.Tiers)
	if err != nil {
		return nil, err
	}

	capacity := 0
	for _, t := range tiers {
		capacity = max(capacity, t.Limit)
	}
	storeOpts := []ratelimit.StoreOption{
		ratelimit.WithRetention(rl.Retention),
		ratelimit.WithCapacity(capacity),
	}

	var (
		store   ratelimit.Store
		backend storage.Backend
	)
	switch rl.Mode {
	case models.RateLimitModeSigned:
		store, err = ratelimit.NewSignedStore([]byte(rl.Secret), storeOpts...)
		if err != nil {
			return nil, err
		}

	default:
		raw, err := storage.NewFactory().Create(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		backend = raw
		if cfg.Metrics.Enabled || cfg.Observability.Tracing.Enabled {
			instrumented, err := observability.NewInstrumentedBackend(raw, cfg.Storage.Type,
				observability.WithMeterProvider(provider.MeterProvider()),
				observability.WithTracerProvider(provider.TracerProvider()))
			if err != nil {
				raw.Close()
				return nil, fmt.Errorf("failed to instrument storage: %w", err)
			}
			backend = instrumented
		}

		store, err = ratelimit.NewKeyedStore(backend, storeOpts...)
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	limiter, err := ratelimit.NewLimiter(store, tiers,
		ratelimit.WithLogger(log),
		ratelimit.WithMeterProvider(provider.MeterProvider()),
		ratelimit.WithRejectTampered(rl.RejectTampered),
	)
	if err != nil {
		if backend != nil {
			backend.Close()
		}
		return nil, err
	}

	mwCfg := ratelimit.DefaultMiddlewareConfig()
	mwCfg.TrustProxyHeaders = rl.TrustProxyHeaders
	mwCfg.SecureCookies = rl.Cookie.Secure
	if rl.Cookie.PayloadName != "" {
		mwCfg.PayloadCookie = rl.Cookie.PayloadName
	}
	if rl.Cookie.SignatureName != "" {
		mwCfg.SignatureCookie = rl.Cookie.SignatureName
	}
	if rl.Retention > 0 {
		mwCfg.CookieMaxAge = rl.Retention
	}

	return &admission{
		middleware: ratelimit.Middleware(limiter, mwCfg),
		backend:    backend,
	}, nil
}
