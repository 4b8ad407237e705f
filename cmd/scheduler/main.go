package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salesagent_backend/internal/conversation"
	"salesagent_backend/internal/conversation/cache"
	"salesagent_backend/internal/events"
	"salesagent_backend/internal/scheduler"
	"salesagent_backend/platform/config"
	"salesagent_backend/platform/db"
	"salesagent_backend/platform/logger"
	"salesagent_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	eventBus := events.NewInMemoryBus(log)
	defer eventBus.Wait()

	// Ending a conversation must evict the entry the API process cached.
	var contextCache cache.Cache = cache.Noop{}
	if cfg.IsCacheEnabled() {
		client, err := cache.NewRedisClient(cfg)
		if err != nil {
			log.Error("failed to initialize redis cache", "error", err)
			panic("failed to initialize redis cache: " + err.Error())
		}
		defer func() { _ = client.Close() }()
		contextCache = cache.NewRedisCache(client)
	}

	conversationModule, err := conversation.NewModule(pool, contextCache, cfg, eventBus, validator.New(), log)
	if err != nil {
		log.Error("failed to initialize conversation module", "error", err)
		panic("failed to initialize conversation module: " + err.Error())
	}
	conversations := conversationModule.Service()

	sweeper := scheduler.NewIdleSweeper(conversationModule.IdleFinder(), conversations, log, cfg.GetIdleTimeout(), cfg.GetIdleSweepInterval())
	go sweeper.Run(ctx)

	worker, err := scheduler.NewWorker(cfg, conversations, cfg.GetIdleTimeout(), log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
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
