// Package main is the entrypoint for the tutorledger job worker: the
// claim-and-execute pool plus the stale-running reaper.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/tutorledger/internal/adapter"
	"github.com/kiranshivaraju/tutorledger/internal/ai"
	"github.com/kiranshivaraju/tutorledger/internal/cache"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/ledger"
	"github.com/kiranshivaraju/tutorledger/internal/ocr"
	"github.com/kiranshivaraju/tutorledger/internal/ocr/gcpvision"
	ocrmock "github.com/kiranshivaraju/tutorledger/internal/ocr/mock"
	"github.com/kiranshivaraju/tutorledger/internal/quota"
	"github.com/kiranshivaraju/tutorledger/internal/reconcile"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/internal/worker"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider, "ocr_provider", cfg.OCR.Provider,
		"worker_id", cfg.Worker.ID, "concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// The status cache is optional for the worker: without Redis, pollers
	// fall back to the store.
	var statusCache cache.Cache
	if redisCache, err := cache.NewRedisCache(cfg.Redis.URL); err != nil {
		slog.Warn("status cache disabled", "error", err)
	} else if err := redisCache.Ping(ctx); err != nil {
		slog.Warn("status cache disabled", "error", err)
		redisCache.Close()
	} else {
		defer redisCache.Close()
		statusCache = redisCache
	}

	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	ocrProvider, closeOCR, err := newOCRProvider(ctx, cfg.OCR)
	if err != nil {
		return fmt.Errorf("create OCR provider: %w", err)
	}
	defer closeOCR.Close()
	slog.Info("OCR provider initialized", "provider", ocrProvider.Name())

	pgStore := store.NewPostgresStore(pool)
	tracker, err := quota.NewTracker(pgStore, cfg.Quota)
	if err != nil {
		return fmt.Errorf("create quota tracker: %w", err)
	}
	jobs := ledger.NewService(pgStore, tracker, statusCache, cfg.Worker)
	reconciler := reconcile.NewReconciler(pgStore, pgStore, cfg.Reconcile)

	registry, err := buildRegistry(aiProvider, ocrProvider)
	if err != nil {
		return err
	}
	w := worker.New(jobs, registry, cfg.Worker, slog.Default())
	w.OnComplete(models.JobTypeOCRExtract, materializeHook(reconciler))
	reaper := worker.NewReaper(jobs, cfg.Worker, slog.Default())

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gCtx) })
	g.Go(func() error { return reaper.Run(gCtx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

func buildRegistry(p models.AIProvider, o ocr.Provider) (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	for _, a := range []adapter.Adapter{
		adapter.NewLessonPlan(p),
		adapter.NewQuestionGen(p),
		adapter.NewInsight(p),
		adapter.NewOCRExtract(o),
	} {
		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("register adapter: %w", err)
		}
	}
	return reg, nil
}

// materializeHook writes parsed results as soon as an OCR job completes. A
// failure leaves the job completed; POST /ocr/{jobID}/reconcile retries it.
func materializeHook(rec *reconcile.Reconciler) worker.CompletionHook {
	return func(ctx context.Context, job *models.JobExecution) error {
		_, err := rec.Materialize(ctx, job)
		return err
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newOCRProvider(ctx context.Context, cfg config.OCRConfig) (ocr.Provider, io.Closer, error) {
	switch cfg.Provider {
	case "gcp_vision":
		p, err := gcpvision.NewProvider(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	case "mock":
		return ocrmock.NewProvider(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported OCR provider: %q", cfg.Provider)
	}
}
