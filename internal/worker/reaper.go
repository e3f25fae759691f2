package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/store"
)

// Reaper periodically recovers running jobs whose worker went away: rows with
// attempts left go back to pending, the rest fail terminally.
type Reaper struct {
	ledger     Ledger
	staleAfter time.Duration
	interval   time.Duration
	log        *slog.Logger
}

func NewReaper(l Ledger, cfg config.WorkerConfig, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		ledger:     l,
		staleAfter: cfg.StaleAfter,
		interval:   cfg.ReaperInterval,
		log:        log.With("component", "reaper"),
	}
}

// Run reaps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reap failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reaper) ReapOnce(ctx context.Context) (store.ReapResult, error) {
	res, err := r.ledger.Reap(ctx, r.staleAfter)
	if err != nil {
		return store.ReapResult{}, err
	}
	if res.Requeued > 0 || res.Failed > 0 {
		r.log.Warn("stale running jobs reaped", "requeued", res.Requeued, "failed", res.Failed)
	}
	return res, nil
}
