package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"cosession/api/internal/app"
	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
	"cosession/api/internal/collab"
	"cosession/api/internal/config"
	"cosession/api/internal/presence"
	"cosession/api/internal/realtime"
	"cosession/api/internal/store"
	"cosession/api/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sessionStore collab.SessionStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		sessionStore = store.NewPostgresStore(db)
		logger.Info("using postgres session store")
	} else {
		sessionStore = store.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, sessions are kept in memory")
	}

	clk := clock.Real()
	hub := broadcast.NewHub(logger)

	var (
		publisher   broadcast.Publisher = hub
		registry    presence.Registry   = presence.NewMemoryRegistry()
		redisClient *redis.Client
		serverOpts  []app.Option
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client

		relay := broadcast.NewRedisRelay(client, hub, logger)
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("start redis relay: %w", err)
		}
		defer relay.Close()
		publisher = broadcast.NewRedisPublisher(client)
		registry = presence.NewRedisRegistry(client)
		serverOpts = append(serverOpts, app.WithRedis(client))
		logger.Info("using redis for fan-out, presence and cleanup queue")
	}

	service := collab.New(sessionStore, publisher, nil, clk, logger, collab.Options{
		PermissionCooldown: cfg.PermissionCooldown,
		PermissionExpiry:   cfg.PermissionExpiry,
		MaxContentBytes:    cfg.MaxContentBytes,
	})
	tracker := presence.NewTracker(registry, publisher, clk, cfg.PresenceTTL, logger)
	cleanup := worker.NewHandler(service, tracker, logger)

	background, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	go tracker.Run(background, cfg.PresenceSweep)

	if redisClient != nil {
		queueOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL for queue: %w", err)
		}
		queueClient := worker.NewClient(queueOpt)
		defer queueClient.Close()
		serverOpts = append(serverOpts, app.WithCleanupScheduler(queueClient))

		cleanupWorker, err := worker.NewWorker(queueOpt, cleanup, cfg.CleanupSchedule, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := cleanupWorker.Run(background); err != nil {
				logger.Error("cleanup worker", "error", err)
			}
		}()
	} else {
		go worker.NewSweeper(cleanup, clk, cfg.CleanupInterval, logger).Run(background)
	}

	rt := realtime.NewHandler(service, hub, tracker, cfg.CORSOrigin, logger)
	httpServer := app.NewHTTPServer(service, tracker, rt, cfg.CORSOrigin, logger, serverOpts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("cosession API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	cancelBackground()
	return nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
