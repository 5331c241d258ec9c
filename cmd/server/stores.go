package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/modelrelay/internal/affinity"
	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/limiter"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/secret"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// pingTimeout bounds startup connectivity checks against Postgres and Redis.
const pingTimeout = 5 * time.Second

// vaultCacheTTL caches resolved Vault secrets between registry reloads.
const vaultCacheTTL = 5 * time.Minute

// serverDeps bundles the stateful collaborators main wires together, plus
// the connections they share so shutdown can close them in order.
type serverDeps struct {
	registry *registry.Registry
	limiter  *limiter.Limiter
	affinity *affinity.Manager

	authStore auth.Store

	// metricsStore serves the collector's writes and the admin read
	// endpoints. balancerStats is the same store, or nil when metrics are
	// disabled so stats-driven strategies refuse to route blind.
	metricsStore  stats.Store
	balancerStats stats.Store

	resolver *secret.Resolver
	db       *sql.DB
	redis    *redis.Client
}

// buildStores selects the backing stores from configuration: Postgres when
// DATABASE_URL is set, Redis when REDIS_ADDR is set, in-process memory
// otherwise. Both connections are pinged before the server accepts traffic.
func buildStores(ctx context.Context, cfg *config.Config, instanceID string, logger *slog.Logger) (*serverDeps, error) {
	deps := &serverDeps{}

	if cfg.Database.URL != "" {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		deps.db = db
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			deps.Close(logger)
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		deps.redis = client
	}

	if deps.db != nil {
		deps.authStore = auth.NewPostgresStore(deps.db)
	} else {
		logger.Warn("no database configured: caller api key lookups use an empty in-memory store")
		deps.authStore = auth.NewMemoryStore()
	}

	if deps.redis != nil {
		deps.limiter = limiter.New(
			limiter.NewRedisStore(deps.redis, instanceID, limiter.WithKeyPrefix(cfg.Redis.KeyPrefix)),
			logger,
		)
		deps.affinity = affinity.NewManager(
			affinity.NewRedisStore(deps.redis, affinity.WithKeyPrefix(cfg.Redis.KeyPrefix)),
			logger,
		)
	} else {
		logger.Info("no redis configured: concurrency slots and affinity are per-instance only")
		deps.limiter = limiter.New(limiter.NewMemoryStore(instanceID), logger)
		deps.affinity = affinity.NewManager(affinity.NewMemoryStore(), logger)
	}

	if cfg.Metrics.Enabled {
		if deps.db != nil {
			deps.metricsStore = stats.NewPostgresStore(deps.db)
		} else {
			deps.metricsStore = stats.NewMemoryStore(instanceID)
		}
		deps.balancerStats = deps.metricsStore
	} else {
		logger.Warn("metrics disabled: stats-driven balancing strategies will refuse to route")
		deps.metricsStore = stats.NewNoop()
		deps.balancerStats = nil
	}

	resolver, err := buildSecretResolver(logger)
	if err != nil {
		deps.Close(logger)
		return nil, err
	}
	deps.resolver = resolver

	var sources []registry.Source
	if cfg.Models.File != "" {
		sources = append(sources, registry.NewFileSource(cfg.Models.File, logger))
	}
	if deps.db != nil {
		sources = append(sources, registry.NewPostgresSource(deps.db, cfg.Models.PollInterval, logger))
	}
	deps.registry = registry.New(logger, resolver, sources...)

	return deps, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// buildSecretResolver registers the vault scheme when VAULT_ADDR is present;
// env references always work.
func buildSecretResolver(logger *slog.Logger) (*secret.Resolver, error) {
	resolver := secret.NewResolver()
	if os.Getenv("VAULT_ADDR") == "" {
		return resolver, nil
	}

	provider, err := secret.NewVaultProvider(secret.VaultConfig{})
	if err != nil {
		return nil, fmt.Errorf("configure vault secret provider: %w", err)
	}
	resolver.Register("vault", secret.NewCachedProvider(provider, vaultCacheTTL))
	logger.Info("vault secret provider registered")
	return resolver, nil
}

// Close releases connections in reverse dependency order. Safe to call on a
// partially built serverDeps.
func (d *serverDeps) Close(logger *slog.Logger) {
	if d.resolver != nil {
		if err := d.resolver.Close(); err != nil {
			logger.Warn("failed to close secret providers", "error", err)
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.Warn("failed to close redis connection", "error", err)
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logger.Warn("failed to close database connection", "error", err)
		}
	}
}
