// Command server runs the modelrelay proxy: a model-aware reverse proxy
// that spreads chat-completion traffic across weighted backends with
// distributed concurrency limits, TTFT-deadline fallback, and session
// affinity.
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

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/balancer"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/instance"
	"github.com/modelrelay/modelrelay/internal/observability"
	"github.com/modelrelay/modelrelay/internal/stats"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file (optional; environment overrides)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, os.Stdout)
	slog.SetDefault(logger)

	instanceID := instance.ID()
	logger.Info("starting modelrelay", "instance", instanceID, "port", cfg.Server.Port)

	// ctx governs background work: source watchers, pollers, slot refresh.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	deps, err := buildStores(ctx, cfg, instanceID, logger)
	if err != nil {
		logger.Error("failed to initialize stores", "error", err)
		os.Exit(1)
	}

	// Clear slots orphaned by a previous crash of this instance before
	// any new traffic claims capacity.
	if err := deps.limiter.Cleanup(ctx); err != nil {
		logger.Warn("startup slot cleanup failed", "error", err)
	}

	if err := deps.registry.Reload(ctx); err != nil {
		logger.Error("failed to load model routes", "error", err)
		os.Exit(1)
	}
	if err := deps.registry.Watch(ctx); err != nil {
		logger.Error("failed to watch model sources", "error", err)
		os.Exit(1)
	}

	collector := stats.NewCollector(deps.metricsStore, instanceID, logger)

	handler := api.NewHandler(api.Config{
		Registry:   deps.registry,
		Balancer:   balancer.New(deps.balancerStats, deps.affinity, logger),
		Limiter:    deps.limiter,
		Affinity:   deps.affinity,
		Collector:  collector,
		Stats:      deps.metricsStore,
		Tracer:     tracing.Tracer(),
		Logger:     logger,
		InstanceID: instanceID,
	})

	router := api.NewRouter(api.RouterConfig{
		Handler:    handler,
		CallerAuth: auth.NewCallerAuth(deps.authStore, logger),
		AdminAuth:  auth.NewAdminAuth(cfg.AdminAPIKeys, logger),
		Tracer:     tracing.Tracer(),
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		// No WriteTimeout: streaming responses are bounded by per-backend
		// TTFT deadlines, not a server-wide write deadline.
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting, drain in-flight requests, then flush what they
	// produced: metric writes first, slot cleanup after the last release.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown before drain completed", "error", err)
	}

	cancel()

	if err := collector.Close(shutdownCtx); err != nil {
		logger.Warn("metric drain incomplete", "error", err)
	}
	if err := deps.limiter.Cleanup(shutdownCtx); err != nil {
		logger.Warn("shutdown slot cleanup failed", "error", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("trace flush incomplete", "error", err)
	}
	deps.Close(logger)

	logger.Info("server stopped")
}
