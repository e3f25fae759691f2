// Package worker runs the claim-and-execute loop and the stale-running reaper.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/tutorledger/internal/adapter"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/ledger"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// recordTimeout bounds the ledger write that records an outcome. It runs on a
// context detached from shutdown so a finished attempt is not lost.
const recordTimeout = 10 * time.Second

// Ledger is the part of ledger.Service the worker drives.
type Ledger interface {
	Claim(ctx context.Context, workerID string, types []models.JobType) (*models.JobExecution, error)
	Complete(ctx context.Context, job *models.JobExecution, output json.RawMessage, tokensUsed int64) (*models.JobExecution, error)
	Fail(ctx context.Context, job *models.JobExecution, message string, retryable bool) (*models.JobExecution, error)
	Reap(ctx context.Context, staleAfter time.Duration) (store.ReapResult, error)
}

// CompletionHook runs after a job of its type completes. Errors are logged;
// the job stays completed.
type CompletionHook func(ctx context.Context, job *models.JobExecution) error

type Worker struct {
	ledger   Ledger
	registry *adapter.Registry
	cfg      config.WorkerConfig
	log      *slog.Logger

	mu    sync.RWMutex
	hooks map[models.JobType]CompletionHook
}

func New(l Ledger, registry *adapter.Registry, cfg config.WorkerConfig, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		ledger:   l,
		registry: registry,
		cfg:      cfg,
		log:      log.With("component", "worker", "worker_id", cfg.ID),
		hooks:    make(map[models.JobType]CompletionHook),
	}
}

// OnComplete registers hook for jobType, replacing any earlier one.
func (w *Worker) OnComplete(jobType models.JobType, hook CompletionHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks[jobType] = hook
}

// Run starts cfg.Concurrency claim loops and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	n := w.cfg.Concurrency
	if n < 1 {
		n = 1
	}
	w.log.Info("worker started", "concurrency", n, "job_types", w.registry.Types())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		slot := fmt.Sprintf("%s-%d", w.cfg.ID, i)
		g.Go(func() error {
			w.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, workerID string) {
	idle := w.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.RunOnce(ctx, workerID)
		switch {
		case err != nil:
			w.log.Warn("claim failed", "slot", workerID, "error", err)
		case processed:
			idle = w.cfg.PollInterval
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}
		idle = nextIdle(idle, w.cfg.IdleBackoffMax)
	}
}

func nextIdle(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

// RunOnce claims one job and executes it. It reports false when nothing was
// claimable.
func (w *Worker) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := w.ledger.Claim(ctx, workerID, w.registry.Types())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *models.JobExecution) {
	log := w.log.With("job_id", job.ID, "tenant_id", job.TenantID, "job_type", job.JobType, "attempt", job.Attempt)

	a, ok := w.registry.Get(job.JobType)
	if !ok {
		log.Error("no adapter registered for job type")
		w.fail(ctx, log, job, fmt.Sprintf("no adapter registered for job_type=%s", job.JobType), false)
		return
	}

	start := time.Now()
	res, err := w.execute(ctx, a, job)
	if err != nil {
		retryable := adapter.IsRetryable(err)
		log.Warn("adapter failed", "error", err, "retryable", retryable, "duration", time.Since(start))
		w.fail(ctx, log, job, err.Error(), retryable)
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	done, err := w.ledger.Complete(rctx, job, res.Output, res.TokensUsed)
	if err != nil {
		w.logLedgerError(log, "complete", err)
		return
	}
	log.Info("job completed", "tokens_used", res.TokensUsed, "duration", time.Since(start))

	w.mu.RLock()
	hook := w.hooks[job.JobType]
	w.mu.RUnlock()
	if hook != nil {
		if err := hook(rctx, done); err != nil {
			log.Error("completion hook failed", "error", err)
		}
	}
}

// execute runs the adapter under the adapter timeout and turns a panic into
// an error. An adapter that ignores ctx is abandoned at the deadline; its late
// result is discarded.
func (w *Worker) execute(ctx context.Context, a adapter.Adapter, job *models.JobExecution) (adapter.Result, error) {
	if w.cfg.AdapterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.AdapterTimeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("panic in adapter", "job_id", job.ID, "job_type", job.JobType, "panic", r)
				out = outcome{err: &panicError{val: r}}
			}
			done <- out
		}()
		out.res, out.err = a.Execute(ctx, job)
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("adapter timed out after %s: %w", w.cfg.AdapterTimeout, out.err)
		}
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return adapter.Result{}, fmt.Errorf("adapter timed out after %s: %w", w.cfg.AdapterTimeout, ctx.Err())
		}
		return adapter.Result{}, fmt.Errorf("adapter interrupted: %w", ctx.Err())
	}
}

type outcome struct {
	res adapter.Result
	err error
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, job *models.JobExecution, message string, retryable bool) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	failed, err := w.ledger.Fail(rctx, job, message, retryable)
	if err != nil {
		w.logLedgerError(log, "fail", err)
		return
	}
	if failed.Status == models.JobStatusPending {
		log.Info("job requeued", "available_at", failed.AvailableAt)
		return
	}
	log.Info("job failed", "error_message", message)
}

// logLedgerError reports a rejected transition at error level: it means the
// claim was reaped or otherwise superseded while the adapter ran.
func (w *Worker) logLedgerError(log *slog.Logger, op string, err error) {
	if errors.Is(err, ledger.ErrInvalidTransition) {
		log.Error("claim lost before "+op, "error", err)
		return
	}
	log.Error("ledger "+op+" failed", "error", err)
}

type panicError struct{ val any }

func (e *panicError) Error() string { return fmt.Sprintf("adapter panic: %v", e.val) }
