package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salesagent_backend/internal/conversation"
	"salesagent_backend/internal/conversation/cache"
	"salesagent_backend/internal/events"
	apphttp "salesagent_backend/internal/http"
	"salesagent_backend/internal/http/router"
	"salesagent_backend/internal/scheduler"
	"salesagent_backend/migrations"
	"salesagent_backend/platform/config"
	"salesagent_backend/platform/db"
	"salesagent_backend/platform/logger"
	"salesagent_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool, migrations.FS, ".")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	eventBus := events.NewInMemoryBus(log)

	contextCache, cacheHealth, closeCache := initContextCache(cfg, log)
	defer closeCache()

	// ========================================================================
	// Domain Modules
	// ========================================================================

	val := validator.New()

	conversationModule, err := conversation.NewModule(pool, contextCache, cfg, eventBus, val, log)
	if err != nil {
		log.Error("failed to initialize conversation module", "error", err)
		panic("failed to initialize conversation module: " + err.Error())
	}

	idleScheduler, closeScheduler := initIdleScheduler(cfg, log)
	defer closeScheduler()
	if idleScheduler != nil {
		scheduler.NewIdleCheckSubscriber(idleScheduler, cfg.GetIdleTimeout(), log).RegisterHandlers(eventBus)
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	health := []apphttp.HealthCheck{{Name: "database", Checker: db.NewPoolAdapter(pool)}}
	if cacheHealth != nil {
		health = append(health, apphttp.HealthCheck{Name: "cache", Checker: cacheHealth, Optional: true})
	}

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   health,
		EventBus: eventBus,
		Modules: []apphttp.Module{
			conversationModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		panic("server error: " + err.Error())
	}
	eventBus.Wait()
	log.Info("server stopped")
}

func initContextCache(cfg config.CacheConfig, log *logger.Logger) (cache.Cache, apphttp.HealthChecker, func()) {
	if !cfg.IsCacheEnabled() {
		log.Warn("REDIS_URL not configured; conversation cache disabled")
		return cache.Noop{}, nil, func() {}
	}

	client, err := cache.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to initialize redis cache; continuing store-only", "error", err)
		return cache.Noop{}, nil, func() {}
	}

	redisCache := cache.NewRedisCache(client)
	return redisCache, redisCache, func() {
		_ = client.Close()
	}
}

func initIdleScheduler(cfg config.SchedulerConfig, log *logger.Logger) (scheduler.IdleCheckScheduler, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; idle conversation checks disabled")
		return nil, func() {}
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize idle check scheduler client", "error", err)
		return nil, func() {}
	}

	return client, func() {
		_ = client.Close()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
