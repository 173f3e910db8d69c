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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prompt-to-video/internal/config"
	"prompt-to-video/internal/db"
	"prompt-to-video/internal/diagrams"
	"prompt-to-video/internal/jobstore"
	applog "prompt-to-video/internal/log"
	"prompt-to-video/internal/pipeline"
	"prompt-to-video/internal/plugins"
	"prompt-to-video/internal/publish"
	"prompt-to-video/internal/queue"
	"prompt-to-video/internal/render"
	"prompt-to-video/internal/research"
	"prompt-to-video/internal/synth"
	"prompt-to-video/internal/telemetry"
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
	log := zap.S().Named("worker")

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

	q := queue.NewRedisQueue(rdb, queue.Options{
		Priorities: cfg.PriorityQueues,
		Visibility: cfg.VisibilityTimeout,
		DLQKey:     cfg.DLQName,
	})
	engine := workflow.NewEngine(workflow.NewPostgresRunStore(pool), q, workflow.Options{
		MaxAttempts:    cfg.MaxAttempts,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		log.Fatalw("init pipeline", "error", err)
	}
	deps.Jobs = jobstore.New(jobstore.NewCache(rdb, cfg.JobCacheTTL), jobstore.NewPostgres(pool))
	pipeline.New(deps).Register(engine)

	processor := workflow.NewProcessor(engine, cfg, workerID())
	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("worker started",
			"visibility", cfg.VisibilityTimeout,
			"backoff_initial", cfg.BackoffInitial,
			"publishing", deps.Uploader != nil,
			"plugins", len(deps.Plugins),
		)
		return processor.Run(gctx)
	})
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("worker stopped", "error", err)
	}
}

// buildDeps constructs the external collaborators. Publishing is only wired
// when the YouTube credentials are configured.
func buildDeps(ctx context.Context, cfg config.Config) (pipeline.Deps, error) {
	enabled := plugins.Default().Select(cfg.EnabledPlugins)

	sandbox, err := render.NewSandbox(cfg.Sandbox)
	if err != nil {
		return pipeline.Deps{}, err
	}
	storage, err := render.NewObjectStore(ctx, cfg.Storage)
	if err != nil {
		return pipeline.Deps{}, err
	}

	deps := pipeline.Deps{
		Research:          research.New(cfg.Search),
		Writer:            synth.New(cfg.LLM, diagrams.Default(), enabled),
		Sandbox:           sandbox,
		Storage:           storage,
		Plugins:           enabled,
		ScriptMaxAttempts: cfg.ScriptMaxAttempts,
	}

	yt := cfg.YouTube
	if yt.ClientID != "" && yt.ClientSecret != "" && yt.RefreshToken != "" {
		uploader, err := publish.NewYouTubeUploader(ctx, yt)
		if err != nil {
			return pipeline.Deps{}, err
		}
		deps.Uploader = uploader
		if cfg.Social.AccessToken != "" {
			deps.Poster = publish.NewSocialPoster(ctx, cfg.Social)
		}
	}
	return deps, nil
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
