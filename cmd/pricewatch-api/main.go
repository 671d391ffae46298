// Package main is the entry point for the pricewatch-api server: the HTTP
// surface plus the scheduler that keeps tracked prices fresh.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/crypto"
	"github.com/pricewatch/pricewatch/internal/database"
	"github.com/pricewatch/pricewatch/internal/events"
	"github.com/pricewatch/pricewatch/internal/fetcher"
	"github.com/pricewatch/pricewatch/internal/http/handlers"
	"github.com/pricewatch/pricewatch/internal/http/mw"
	"github.com/pricewatch/pricewatch/internal/http/routes"
	"github.com/pricewatch/pricewatch/internal/lifecycle"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/notifier"
	"github.com/pricewatch/pricewatch/internal/orchestrator"
	"github.com/pricewatch/pricewatch/internal/ratelimit"
	"github.com/pricewatch/pricewatch/internal/repository"
	"github.com/pricewatch/pricewatch/internal/scheduler"
	"github.com/pricewatch/pricewatch/internal/service"
	"github.com/pricewatch/pricewatch/internal/storage"
	"github.com/pricewatch/pricewatch/internal/version"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting pricewatch-api",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if count, latest, err := database.SchemaStatus(db); err == nil {
		logger.Info("database ready", "migrations", count, "schema_version", latest)
	}

	repos := repository.NewRepositories(db)

	sealer, err := crypto.NewSealer(cfg.SessionKey)
	if err != nil {
		logger.Error("failed to create session sealer", "error", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize object storage", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Browser pool warms up in the background; the first fetch blocks on
	// it instead of failing.
	pool := fetcher.NewPool(cfg, logger)
	go func() {
		if err := pool.Warmup(ctx, 1); err != nil {
			logger.Error("browser pool warmup failed", "error", err)
		}
	}()
	pool.StartCleanup(ctx)

	limiter := ratelimit.New(cfg.RequestDelay, cfg.DomainDelays)
	loadStoreDelays(ctx, repos, limiter, logger)

	publisher := events.NewPublisher(logger, cfg.GeneratorWebhookURL, cfg.GeneratorWebhookSecret)
	lc := lifecycle.NewManager(repos.Pattern, publisher, logger)
	evaluator := notifier.NewEvaluator(repos.Subscription, repos.Notification, logger)
	pageFetcher := fetcher.New(pool, cfg, repos.Session, sealer, logger)
	orch := orchestrator.New(pageFetcher, repos, limiter, store, publisher, evaluator, cfg, logger)

	sched := scheduler.New(repos.Listing, repos.PriceHistory, orch, lc, cfg, logger)
	sched.Start(ctx)

	services := service.NewServices(repos, lc, orch, sched, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", mw.HeaderInternalAuth},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	router.Use(middleware.RequestSize(1 * 1024 * 1024))
	router.Use(httprate.LimitByIP(100, time.Minute))
	router.Use(mw.InternalAuth(cfg.InternalAuthKey, logger))
	if cfg.InternalAuthKey != "" {
		logger.Info("internal auth enabled")
	}

	api := humachi.New(router, routes.NewHumaConfig(cfg.BaseURL))
	h := handlers.New(services, pool, logger)
	routes.Register(api, h)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		// In-flight checks get the grace period before the worker
		// context goes away.
		sched.Stop()
		cancel()
		pool.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// loadStoreDelays applies per-store rate limits persisted in the stores
// table on top of the env-configured overrides.
func loadStoreDelays(ctx context.Context, repos *repository.Repositories, limiter *ratelimit.Limiter, logger *slog.Logger) {
	stores, err := repos.Store.List(ctx)
	if err != nil {
		logger.Warn("failed to load store rate limits", "error", err)
		return
	}
	applied := 0
	for _, s := range stores {
		if s.RateLimitSeconds == nil {
			continue
		}
		limiter.SetDelay(s.Domain, time.Duration(*s.RateLimitSeconds*float64(time.Second)))
		applied++
	}
	if applied > 0 {
		logger.Info("applied store rate limits", "stores", applied)
	}
}
