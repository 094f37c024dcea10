package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/cache"
	"github.com/granary-farm/granary/internal/farm"
	"github.com/granary-farm/granary/internal/finance"
	"github.com/granary-farm/granary/internal/iam"
	"github.com/granary-farm/granary/internal/notify"
	"github.com/granary-farm/granary/internal/platform/config"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/platform/server"
	"github.com/granary-farm/granary/internal/platform/telemetry"
	"github.com/granary-farm/granary/internal/ratelimit"
	"github.com/granary-farm/granary/internal/rbac"
	"github.com/granary-farm/granary/internal/report"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logging
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)
	metrics := telemetry.NewMetrics()

	slog.Info("granary starting",
		"version", "0.1.0",
		"port", cfg.Server.Port,
	)

	if cfg.Database.URL == "" {
		return errors.New("database url is required (GRANARY_DATABASE_URL)")
	}
	if len(cfg.Auth.JWT.AccessSecret) < 32 || len(cfg.Auth.JWT.RefreshSecret) < 32 {
		return errors.New("jwt access and refresh secrets must be at least 32 characters")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("connecting to database")
	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	migrationsURL := fmt.Sprintf("file://%s", cfg.Database.MigrationsPath)
	if err := database.RunMigrations(cfg.Database.URL, migrationsURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations complete")

	// Cache backend shared by the response cache and the rate limiters.
	backend, err := buildCacheBackend(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	// Audit
	auditLogger := audit.NewAsyncLogger(pool, audit.NewStore(), audit.LoggerConfig{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: time.Duration(cfg.Audit.FlushIntervalMS) * time.Millisecond,
		Logger:        logger,
	})
	defer auditLogger.Close()

	// Auth
	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.Auth.JWT.AccessSecret,
		RefreshSecret: cfg.Auth.JWT.RefreshSecret,
		Issuer:        cfg.Auth.JWT.Issuer,
		AccessTTL:     time.Duration(cfg.Auth.JWT.AccessTTLMinutes) * time.Minute,
		RefreshTTL:    time.Duration(cfg.Auth.JWT.RefreshTTLHours) * time.Hour,
	})
	users := auth.NewStore(pool)
	principals := auth.NewResolver(users)
	notifier := notify.NewLogNotifier(logger)

	authHandler := auth.NewHandler(auth.HandlerConfig{
		Tokens:   tokens,
		Resolver: principals,
		Users:    users,
		Sessions: auth.NewRefreshTokenStore(pool),
		Resets:   auth.NewPasswordResetStore(pool),
		Notifier: notifier,
		ResetTTL: time.Duration(cfg.Auth.PasswordReset.TTLMinutes) * time.Minute,
		Logger:   logger,
	})

	farmHandler := farm.NewHandler(farm.HandlerConfig{
		Pool:          pool,
		Audit:         auditLogger,
		Notifier:      notifier,
		InvitationTTL: time.Duration(cfg.Invitation.TTLHours) * time.Hour,
		Logger:        logger,
	})

	authorizer := rbac.NewEvaluator(
		rbac.WithAuditLogger(auditLogger),
		rbac.WithMetrics(metrics),
		rbac.WithLogger(logger),
	)

	limits := ratelimit.NewPresets(cfg.RateLimit, backend.store,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(metrics),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Dependencies{
		Pool:       pool,
		Tokens:     tokens,
		Principals: principals,
		Farms:      farm.NewResolver(),
		Authorizer: authorizer,
		Limits:     limits,
		Cache:      backend.store,
		CachePing:  backend.ping,
		CacheTTL:   time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
		ReportTTL:  time.Duration(cfg.Cache.ReportTTLSeconds) * time.Second,

		AuthHandler:    authHandler,
		FarmHandler:    farmHandler,
		IAMHandler:     iam.NewHandler(pool, auditLogger),
		FinanceHandler: finance.NewHandler(pool, auditLogger),
		ReportHandler:  report.NewHandler(pool),
		AuditHandler:   audit.NewHandler(pool, audit.WithStats(auditLogger)),
		CacheHandler:   cache.NewHandler(backend.store, auditLogger),

		Metrics:            metrics,
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		return backend.memory.Run(ctx, time.Duration(cfg.Cache.SweepIntervalSeconds)*time.Second, logger)
	})

	slog.Info("server ready", "addr", addr, "cache", backend.name, "ratelimit", cfg.RateLimit.Enabled)
	return g.Wait()
}

// cacheBackend is the store handed to the cache and limiters, plus the
// in-memory store that must be swept in the background.
type cacheBackend struct {
	name   string
	store  cache.Store
	memory *cache.MemoryStore
	ping   func(context.Context) error
	close  func()
}

// buildCacheBackend returns Redis with an in-memory fallback when Redis is
// enabled, and the in-memory store alone otherwise. An unreachable Redis at
// startup is not fatal; the fallback serves until it recovers.
func buildCacheBackend(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*cacheBackend, error) {
	memory := cache.NewMemoryStore()
	if !cfg.Enabled {
		return &cacheBackend{name: "memory", store: memory, memory: memory, close: func() {}}, nil
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis enabled without an address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	primary := cache.NewRedisStore(client)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := primary.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable at startup, serving from in-memory cache", "addr", cfg.Addr, "error", err)
	}

	return &cacheBackend{
		name:   "redis",
		store:  cache.NewFallbackStore(primary, memory, logger),
		memory: memory,
		ping:   primary.Ping,
		close:  func() { _ = client.Close() },
	}, nil
}
