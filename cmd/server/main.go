package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/martingaam-hue/scr-platform-sub004/internal/api"
	"github.com/martingaam-hue/scr-platform-sub004/internal/config"
	"github.com/martingaam-hue/scr-platform-sub004/internal/engine"
	"github.com/martingaam-hue/scr-platform-sub004/internal/store"
	"github.com/martingaam-hue/scr-platform-sub004/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	queue := engine.NewRedisQueue(redisStore.Client())
	limiter := engine.NewRateLimiter(redisStore.Client(), logger)
	backoff := engine.Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay}

	deliverer := worker.NewDeliverer(worker.DelivererParams{
		Deliveries:       pgStore,
		Subscriptions:    pgStore,
		Sender:           worker.NewHTTPSender(cfg.HTTPTimeout, cfg.MaxResponseBytes),
		Queue:            queue,
		Limiter:          limiter,
		Backoff:          backoff,
		MaxAttempts:      cfg.MaxAttempts,
		SuspendThreshold: cfg.SuspendThreshold,
		Logger:           logger,
	})

	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	pool.Start(ctx)

	dispatcher := worker.NewDispatcher(queue, pool, logger)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Start(ctx)
	}()

	scheduler := worker.NewScheduler(pgStore, queue, cfg.ScanInterval, logger)
	go scheduler.Start(ctx)

	fanout := engine.NewFanOutEngine(pgStore, pgStore, queue, logger)

	router := api.NewRouter(pgStore, fanout)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// The dispatcher must stop submitting before the pool's jobs channel
	// closes.
	cancel()
	<-dispatcherDone
	pool.Stop()

	logger.Info("stopped")
}
