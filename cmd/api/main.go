package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"prompt-to-video/internal/api"
	"prompt-to-video/internal/config"
	"prompt-to-video/internal/db"
	"prompt-to-video/internal/jobstore"
	applog "prompt-to-video/internal/log"
	"prompt-to-video/internal/queue"
	"prompt-to-video/internal/ratelimit"
	"prompt-to-video/internal/workflow"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := applog.InitLog(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()
	log := zap.S().Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalw("migrations", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	jobs := jobstore.New(jobstore.NewCache(rdb, cfg.JobCacheTTL), jobstore.NewPostgres(pool))
	runs := workflow.NewPostgresRunStore(pool)
	q := queue.NewRedisQueue(rdb, queue.Options{
		Priorities: cfg.PriorityQueues,
		Visibility: cfg.VisibilityTimeout,
		DLQKey:     cfg.DLQName,
	})
	engine := workflow.NewEngine(runs, q, workflow.Options{
		MaxAttempts:    cfg.MaxAttempts,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	server := api.New(cfg, jobs, engine, runs, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", "error", err)
	}
}
