// Package quota tracks per-tenant monthly request and token allowances.
//
// Reservation and debit are single conditional statements in Postgres, so
// concurrent admissions can never push requests_used past max_requests. Token
// usage is only known after a job runs; a period may therefore overshoot its
// token limit by at most the tokens of jobs already in flight when it filled.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

var (
	ErrQuotaExceeded = store.ErrQuotaExceeded
	ErrNegativeDelta = errors.New("quota deltas must not be negative")
)

// Period is a calendar month in the tenant's timezone.
type Period struct {
	Year  int
	Month int
}

// PeriodFor returns the month containing t as observed in loc.
func PeriodFor(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Period{Year: local.Year(), Month: int(local.Month())}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Tracker resolves tenant limits and delegates atomic accounting to the store.
type Tracker struct {
	store      store.QuotaStore
	tiers      map[string]config.TierLimits
	defaultLoc *time.Location
}

// NewTracker creates a Tracker. Unknown tiers fall back to the free tier limits.
func NewTracker(s store.QuotaStore, cfg config.QuotaConfig) (*Tracker, error) {
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("load default timezone: %w", err)
	}
	return &Tracker{store: s, tiers: cfg.Tiers, defaultLoc: loc}, nil
}

// In returns a copy of t that accounts through s, typically the
// transaction-scoped store a ledger transition hands out.
func (t *Tracker) In(s store.QuotaStore) *Tracker {
	cp := *t
	cp.store = s
	return &cp
}

// Limits returns the allowance a new period for tenant is created with.
func (t *Tracker) Limits(tenant *models.Tenant) store.QuotaLimits {
	tier, ok := t.tiers[tenant.Tier]
	if !ok {
		tier = t.tiers[models.TierFree]
	}
	limits := store.QuotaLimits{MaxRequests: tier.MaxRequests, MaxTokens: tier.MaxTokens}
	if tenant.MaxRequests != nil {
		limits.MaxRequests = *tenant.MaxRequests
	}
	if tenant.MaxTokens != nil {
		limits.MaxTokens = *tenant.MaxTokens
	}
	return limits
}

// Location returns the tenant's timezone, or the configured default when the
// tenant has none or an unknown one.
func (t *Tracker) Location(tenant *models.Tenant) *time.Location {
	if tenant.Timezone == "" {
		return t.defaultLoc
	}
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		slog.Warn("unknown tenant timezone, using default",
			"tenant_id", tenant.ID, "timezone", tenant.Timezone, "error", err)
		return t.defaultLoc
	}
	return loc
}

// CurrentPeriod is the billing period at time at for tenant.
func (t *Tracker) CurrentPeriod(tenant *models.Tenant, at time.Time) Period {
	return PeriodFor(at, t.Location(tenant))
}

// Key addresses the stored row of period for tenant.
func Key(tenant *models.Tenant, period Period) store.QuotaKey {
	return keyFor(tenant.ID, period)
}

func keyFor(tenantID uuid.UUID, period Period) store.QuotaKey {
	return store.QuotaKey{TenantID: tenantID, Year: period.Year, Month: period.Month}
}

// CheckAndReserve takes one request from the period, creating it with the
// tenant's limits on first use. estimatedTokens rejects admission early when
// the remaining token allowance cannot cover it; pass 0 when unknown.
// Returns ErrQuotaExceeded without changing any counter when exhausted.
func (t *Tracker) CheckAndReserve(ctx context.Context, tenant *models.Tenant, period Period, estimatedTokens int64) (*models.QuotaPeriod, error) {
	if estimatedTokens < 0 {
		return nil, ErrNegativeDelta
	}
	qp, err := t.store.ReserveQuota(ctx, Key(tenant, period), t.Limits(tenant), estimatedTokens, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve quota for %s: %w", period, err)
	}
	return qp, nil
}

// Debit records usage against a period that an earlier CheckAndReserve
// created. Deltas must be non-negative; the request counter still may not
// pass its limit.
func (t *Tracker) Debit(ctx context.Context, tenantID uuid.UUID, period Period, requestsDelta, tokensDelta int64) (*models.QuotaPeriod, error) {
	if requestsDelta < 0 || tokensDelta < 0 {
		return nil, ErrNegativeDelta
	}
	qp, err := t.store.DebitQuota(ctx, keyFor(tenantID, period), requestsDelta, tokensDelta, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("debit quota for %s: %w", period, err)
	}
	return qp, nil
}

// Usage returns the period's counters. A period never referenced reports zero
// usage against the limits it would be created with; no row is written.
func (t *Tracker) Usage(ctx context.Context, tenant *models.Tenant, period Period) (*models.QuotaPeriod, error) {
	qp, err := t.store.GetQuotaPeriod(ctx, Key(tenant, period))
	if errors.Is(err, store.ErrNotFound) {
		limits := t.Limits(tenant)
		return &models.QuotaPeriod{
			TenantID:    tenant.ID,
			Year:        period.Year,
			Month:       period.Month,
			MaxRequests: limits.MaxRequests,
			MaxTokens:   limits.MaxTokens,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota usage: %w", err)
	}
	return qp, nil
}
