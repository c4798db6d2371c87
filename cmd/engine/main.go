package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/notebase/engine/internal/crypto"
	"github.com/notebase/engine/internal/store/cache"
	"github.com/notebase/engine/internal/version"
	"github.com/notebase/engine/internal/workspace"
	"github.com/notebase/engine/internal/workspace/handler"
	"github.com/notebase/engine/internal/workspace/projector"
	"github.com/notebase/engine/internal/workspace/ratelimit"
	"github.com/notebase/engine/internal/workspace/snapshot"
	"github.com/notebase/engine/internal/workspace/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpPort          = flag.Int("http-port", 7233, "HTTP server port")
		dbUrl             = flag.String("db-url", getEnv("DATABASE_URL", "postgres://notebase-postgres:5432/notebase"), "Database URL")
		redisAddr         = flag.String("redis-addr", getEnv("REDIS_ADDR", ""), "Redis address (empty disables Redis)")
		snapshotThreshold = flag.Int64("snapshot-threshold", snapshot.DefaultThreshold, "Events past latest snapshot before compaction")
		globalRPS         = flag.Float64("global-rps", 1000, "Global write rate limit")
		workspaceRPS      = flag.Float64("workspace-rps", 100, "Per-workspace write rate limit")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	printBanner("Engine", logger)

	// Connect to database
	dbpool, err := pgxpool.New(context.Background(), *dbUrl)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer dbpool.Close()

	if err := dbpool.Ping(context.Background()); err != nil {
		return fmt.Errorf("unable to ping database: %w", err)
	}
	logger.Info("connected to database")

	// Payload encryption at rest is enabled when a master key is present.
	var encryptor *crypto.Encryptor
	if masterKey := os.Getenv("ENGINE_MASTER_KEY"); masterKey != "" {
		encryptor, err = crypto.NewEncryptorFromString(masterKey)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_MASTER_KEY: %w", err)
		}
		logger.Info("payload encryption enabled")
	} else {
		logger.Warn("ENGINE_MASTER_KEY not set, payloads stored in plaintext")
	}

	// Optional Redis: distributed snapshot trigger stream and L2 cache.
	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("unable to ping redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis", slog.String("addr", *redisAddr))
	}

	var l2 cache.Cache
	if redisClient != nil {
		l2 = cache.NewRedis(redisClient, 0)
	}
	snapshotCache := cache.NewMultiLevel(cache.DefaultMultiLevelConfig(), l2)

	// Initialize stores
	eventStore := store.NewPostgresEventStore(dbpool, encryptor)
	snapshotStore := store.NewPostgresSnapshotStore(dbpool)

	proj := projector.New(nil)

	manager := snapshot.NewManager(snapshot.ManagerConfig{
		EventStore:    eventStore,
		SnapshotStore: snapshotStore,
		Projector:     proj,
		Threshold:     *snapshotThreshold,
		Cache:         snapshotCache,
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis-backed trigger when available, in-process worker otherwise.
	var trigger snapshot.Trigger
	var worker *snapshot.Worker
	if redisClient != nil {
		redisTrigger := snapshot.NewRedisTrigger(redisClient, manager, logger)
		redisTrigger.Start(ctx)
		trigger = redisTrigger
	} else {
		worker = snapshot.NewWorker(snapshot.WorkerConfig{Manager: manager, Logger: logger})
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start snapshot worker: %w", err)
		}
		trigger = worker
	}

	svc := workspace.NewService(workspace.Config{
		EventStore:    eventStore,
		SnapshotStore: snapshotStore,
		Projector:     proj,
		Trigger:       trigger,
		Cache:         snapshotCache,
		Logger:        logger,
	})

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		GlobalRPS:      *globalRPS,
		GlobalBurst:    int(*globalRPS) * 2,
		WorkspaceRPS:   *workspaceRPS,
		WorkspaceBurst: int(*workspaceRPS) * 2,
	})

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.PruneIdle(30 * time.Minute)
			}
		}
	}()

	mux := http.NewServeMux()
	httpHandler := handler.NewHTTPHandler(svc, limiter, logger)
	httpHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *httpPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		}
		if worker != nil {
			if err := worker.Stop(shutdownCtx); err != nil {
				logger.Error("failed to stop snapshot worker", slog.String("error", err.Error()))
			}
		}
		if err := svc.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop service", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting HTTP server", slog.Int("port", *httpPort))

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("engine stopped")
	return nil
}

func printBanner(service string, logger *slog.Logger) {
	logger.Info(fmt.Sprintf("Notebase %s Service", service),
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
