package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/materializer"
	"server/internal/notify"
	"server/internal/provider"
	"server/internal/provider/gemini"
	"server/internal/provider/synthetic"
	"server/internal/reconciler"
	"server/internal/scheduler"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("worker: DATABASE_URL is required; without a database the API binary runs its own embedded worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()
	if err := infra.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker: migrations failed")
	}

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	registry := provider.NewRegistry(cfg.DefaultProvider)
	geminiClient, err := gemini.NewClient(gemini.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}
	registry.Register(geminiClient, "gemini", cfg.GeminiModel)
	registry.Register(synthetic.New(2), "synthetic")

	jobs := repo.NewJobRepository(pool)
	catalog := repo.NewCatalogRepository(pool)
	events := notify.NewPGBroadcaster(pool, logger)

	mat := materializer.New(fileStore, jobs, logger, materializer.Options{})
	sched := scheduler.New(jobs, registry, mat, events, logger, scheduler.Config{
		TickInterval:        cfg.TickInterval,
		ClaimBatch:          cfg.ClaimBatch,
		PollConcurrency:     int64(cfg.PollConcurrency),
		PollTimeout:         cfg.PollTimeout,
		Lease:               cfg.LeaseWindow,
		Backoff:             domain.BackoffPolicy{Base: cfg.BackoffBase, Multiplier: 2, Cap: cfg.BackoffCap},
		MaxAttempts:         cfg.MaxPollAttempts,
		MaxFinalizeAttempts: cfg.MaxFinalizeAttempts,
		FinalizeRetryDelay:  cfg.FinalizeRetryDelay,
	})

	if cfg.ReconcileInterval > 0 {
		recon := reconciler.New(catalog, fileStore, events, logger, nil)
		go recon.RunPeriodic(ctx, cfg.ReconcileInterval)
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: scheduler stopped")
	}
	logger.Info().Msg("worker stopped")
}
