package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/memory"
	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	registry := buildProviders(cfg, logger)
	hub := notify.NewHub(logger)

	app := &handlers.App{
		Providers: registry,
		Blobs:     fileStore,
		Hub:       hub,
		Logger:    logger,
	}

	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: db connection failed")
		}
		defer pool.Close()
		if err := infra.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal().Err(err).Msg("api: migrations failed")
		}

		jobs := repo.NewJobRepository(pool)
		catalog := repo.NewCatalogRepository(pool)
		events := notify.NewPGBroadcaster(pool, logger)

		app.Jobs = jobs
		app.Catalog = catalog
		app.Pool = pool
		app.Recon = reconciler.New(catalog, fileStore, events, logger, nil)

		// Bridge worker-side mutations into this process's SSE hub.
		go notify.Listen(ctx, pool, hub, logger)
	} else {
		// No database configured: run the whole pipeline in-process on the
		// in-memory stores so a single binary serves development.
		logger.Warn().Msg("api: DATABASE_URL not set, running with in-memory stores and embedded worker")

		catalog := memory.NewCatalogStore()
		jobs := memory.NewJobStore(catalog)

		app.Jobs = jobs
		app.Catalog = catalog
		app.Recon = reconciler.New(catalog, fileStore, hub, logger, nil)

		mat := materializer.New(fileStore, jobs, logger, materializer.Options{})
		sched := scheduler.New(jobs, registry, mat, hub, logger, schedulerConfig(cfg))
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("api: embedded scheduler stopped")
			}
		}()
		if cfg.ReconcileInterval > 0 {
			go app.Recon.RunPeriodic(ctx, cfg.ReconcileInterval)
		}
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func buildProviders(cfg *infra.Config, logger infra.Logger) *provider.Registry {
	registry := provider.NewRegistry(cfg.DefaultProvider)

	geminiClient, err := gemini.NewClient(gemini.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure gemini client")
	}
	registry.Register(geminiClient, "gemini", cfg.GeminiModel)
	registry.Register(synthetic.New(2), "synthetic")

	if cfg.GeminiAPIKey == "" {
		logger.Warn().Str("model", geminiClient.Model()).Msg("gemini api key missing, using synthetic generation")
	}
	return registry
}

func schedulerConfig(cfg *infra.Config) scheduler.Config {
	return scheduler.Config{
		TickInterval:        cfg.TickInterval,
		ClaimBatch:          cfg.ClaimBatch,
		PollConcurrency:     int64(cfg.PollConcurrency),
		PollTimeout:         cfg.PollTimeout,
		Lease:               cfg.LeaseWindow,
		Backoff:             domain.BackoffPolicy{Base: cfg.BackoffBase, Multiplier: 2, Cap: cfg.BackoffCap},
		MaxAttempts:         cfg.MaxPollAttempts,
		MaxFinalizeAttempts: cfg.MaxFinalizeAttempts,
		FinalizeRetryDelay:  cfg.FinalizeRetryDelay,
	}
}
