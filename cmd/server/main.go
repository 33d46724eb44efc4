package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/outhook/outhook/internal/api"
	"github.com/outhook/outhook/internal/breaker"
	"github.com/outhook/outhook/internal/config"
	"github.com/outhook/outhook/internal/engine"
	"github.com/outhook/outhook/internal/feed"
	"github.com/outhook/outhook/internal/observability"
	"github.com/outhook/outhook/internal/schedule"
	"github.com/outhook/outhook/internal/secrets"
	"github.com/outhook/outhook/internal/store"
	"github.com/outhook/outhook/internal/validate"
	"github.com/outhook/outhook/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	secretEngine, err := secrets.NewEngine(cfg.MasterKey)
	if err != nil {
		logger.Error("failed to initialize secret engine", "error", err)
		os.Exit(1)
	}

	validator := validate.New()
	breakers := breaker.NewRegistry(logger,
		breaker.WithThreshold(cfg.BreakerThreshold),
		breaker.WithCooldown(cfg.BreakerCooldown),
	)
	metrics := observability.New(prometheus.DefaultRegisterer)

	sched := schedule.New(redisStore.Client(), logger, cfg.LeaseDuration)
	fanout := engine.NewFanOut(pgStore, sched, logger, cfg.MaxAttempts)

	hub := feed.NewHub(logger)
	go hub.Run(ctx)

	deliverer := worker.NewDeliverer(worker.DelivererConfig{
		Store:     pgStore,
		Secrets:   secretEngine,
		Validator: validator,
		Breakers:  breakers,
		Schedule:  sched,
		Metrics:   metrics,
		Hub:       hub,
		Logger:    logger,
		Backoff: worker.BackoffConfig{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.JitterFactor,
		},
		MaxAttempts:      cfg.MaxAttempts,
		DisableThreshold: cfg.DisableThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		DeliverTimeout:   cfg.DeliverTimeout,
		TestSendTimeout:  cfg.TestSendTimeout,
		MaxBodyBytes:     cfg.MaxBodyBytes,
	})

	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	pool.Start(ctx)

	dispatcher := worker.NewDispatcher(sched, pool, metrics, logger, cfg.BatchSize)
	go dispatcher.Start(ctx)

	router := api.NewRouter(api.RouterConfig{
		Store:     pgStore,
		Secrets:   secretEngine,
		Validator: validator,
		Breakers:  breakers,
		FanOut:    fanout,
		Deliverer: deliverer,
		Schedule:  sched,
		Hub:       hub,
		Gatherer:  prometheus.DefaultGatherer,
	})

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

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Workers finish their current job; anything still leased comes back via
	// the reclaim sweep on the next start.
	pool.Stop()

	logger.Info("server stopped")
}
