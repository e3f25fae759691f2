// Package main is the entrypoint for the tutorledger API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/tutorledger/internal/api"
	"github.com/kiranshivaraju/tutorledger/internal/api/handler"
	mw "github.com/kiranshivaraju/tutorledger/internal/api/middleware"
	"github.com/kiranshivaraju/tutorledger/internal/cache"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/ledger"
	"github.com/kiranshivaraju/tutorledger/internal/quota"
	"github.com/kiranshivaraju/tutorledger/internal/reconcile"
	"github.com/kiranshivaraju/tutorledger/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	tracker, err := quota.NewTracker(pgStore, cfg.Quota)
	if err != nil {
		return fmt.Errorf("create quota tracker: %w", err)
	}
	jobs := ledger.NewService(pgStore, tracker, redisCache, cfg.Worker)
	reconciler := reconcile.NewReconciler(pgStore, pgStore, cfg.Reconcile)

	router := api.NewRouter(buildDependencies(pgStore, redisCache, jobs, tracker, reconciler, cfg.Server.RequestsPerMinute))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// serverStore is what the API needs from persistence directly.
type serverStore interface {
	handler.Pinger
	handler.KeyStore
	mw.AuthStore
}

func buildDependencies(s serverStore, c cache.Cache, jobs handler.JobService, q handler.QuotaReader, rec handler.Reconciler, requestsPerMin int) api.Dependencies {
	return api.Dependencies{
		Auth:      mw.NewAuth(s),
		RateLimit: mw.NewRateLimit(c, requestsPerMin),

		HealthHandler: handler.NewHealthHandler(s, c),

		SubmitJob: handler.NewSubmitJobHandler(jobs),
		GetJob:    handler.NewGetJobHandler(jobs),
		JobStatus: handler.NewJobStatusHandler(jobs),
		CancelJob: handler.NewCancelJobHandler(jobs),

		Quota: handler.NewQuotaHandler(q),

		ListParsedResults: handler.NewListParsedResultsHandler(rec),
		ReconcileOCR:      handler.NewReconcileHandler(rec),
		AssignStudent:     handler.NewAssignStudentHandler(rec),
		ImportResult:      handler.NewImportResultHandler(rec),
		VerifyImports:     handler.NewVerifyImportsHandler(rec),

		CreateKeyHandler: handler.NewCreateKeyHandler(s),
		ListKeysHandler:  handler.NewListKeysHandler(s),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(s),
	}
}
