package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/pixelforge/backend/internal/auth"
	"github.com/pixelforge/backend/internal/config"
	"github.com/pixelforge/backend/internal/db"
	"github.com/pixelforge/backend/internal/handlers"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/notify"
	"github.com/pixelforge/backend/internal/observability"
	"github.com/pixelforge/backend/internal/orchestrator"
	"github.com/pixelforge/backend/internal/poller"
	"github.com/pixelforge/backend/internal/pricing"
	"github.com/pixelforge/backend/internal/provider"
	"github.com/pixelforge/backend/internal/providerbalance"
	"github.com/pixelforge/backend/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.FromEnv()
	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	// Balances and ledger deltas are NUMERIC columns scanned into
	// decimal.Decimal; register the codec on every connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		slog.Error("Failed to set up metrics", "error", err)
		os.Exit(1)
	}

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	priceRepo := repository.NewPriceRepo(pool)
	generationRepo := repository.NewGenerationRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	settingsRepo := repository.NewSettingsRepo(pool)

	// Core services
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool))
	resolver := pricing.NewResolver(priceRepo)
	balanceSvc := providerbalance.NewService(settingsRepo)

	var notifier notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, logger)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	kieClient := provider.NewKieClient(cfg.KieBaseURL, cfg.KieAPIKey, metrics, logger)

	// Poller and its worker pool. The scheduler needs the River client and
	// the client needs the worker, so the scheduler is wired in afterwards.
	taskPoller := poller.New(poller.Config{
		Backoff:                      cfg.PollBackoff,
		MaxWait:                      cfg.PollMaxWait,
		StaleRunning:                 cfg.PollStaleRunning,
		RescheduleDelay:              cfg.PollRescheduleDelay,
		PerAccountMaxPollConcurrency: cfg.PerAccountMaxPollConcurrency,
		RefundOnFail:                 cfg.RefundOnFail,
	}, taskRepo, generationRepo, ledgerSvc, kieClient, nil, notifier, metrics, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, poller.NewPollTaskWorker(taskPoller))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.GlobalMaxPollConcurrency},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	scheduler := poller.NewRiverScheduler(riverClient)
	taskPoller.SetScheduler(scheduler)

	orchestratorSvc := orchestrator.NewService(orchestrator.Config{
		MaxOutputsPerRequest:        cfg.MaxOutputsPerRequest,
		PerAccountMaxConcurrentJobs: cfg.PerAccountMaxConcurrentJobs,
		DailySpendCapCredits:        cfg.DailySpendCapCredits,
		RefundOnFail:                cfg.RefundOnFail,
	}, generationRepo, taskRepo, ledgerSvc, resolver, kieClient, scheduler, balanceSvc, notifier, metrics, logger)

	authSvc := auth.NewService(accountRepo, ledgerSvc, cfg.JWTSecret, cfg.SignupBonusCredits, cfg.AdminFreeModeDefault, logger)
	authHandler := auth.NewHandler(authSvc, logger)

	generationHandler := &handlers.GenerationHandler{
		Orchestrator: orchestratorSvc,
		Generations:  generationRepo,
		Tasks:        taskRepo,
		Ledger:       ledgerSvc,
		Logger:       logger,
	}
	adminHandler := &handlers.AdminHandler{
		Prices:  priceRepo,
		Account: accountRepo,
		Ledger:  ledgerSvc,
		Balance: balanceSvc,
		Logger:  logger,
	}

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	restored, err := taskPoller.RestorePending(ctx)
	if err != nil {
		slog.Error("Startup task recovery failed", "error", err)
		os.Exit(1)
	}
	if restored > 0 {
		slog.Info("Re-scheduled unfinished tasks from previous run", "count", restored)
	}

	mux := newRouter(cfg, authSvc, authHandler, generationHandler, adminHandler, metricsHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(mux)

	addr := ":" + cfg.Port
	slog.Info("API listening", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}
