package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

const quotaColumns = `tenant_id, year, month, max_requests, max_tokens, requests_used, tokens_used, last_request_at, created_at, updated_at`

func scanQuota(row pgx.Row) (*models.QuotaPeriod, error) {
	var q models.QuotaPeriod
	err := row.Scan(&q.TenantID, &q.Year, &q.Month, &q.MaxRequests, &q.MaxTokens,
		&q.RequestsUsed, &q.TokensUsed, &q.LastRequestAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// quotaTx implements QuotaStore over the pool or over the transaction that
// SubmitJob and CompleteJob hand to their QuotaFunc.
type quotaTx struct {
	q querier
}

func (s *PostgresStore) GetQuotaPeriod(ctx context.Context, key QuotaKey) (*models.QuotaPeriod, error) {
	return quotaTx{q: s.pool}.GetQuotaPeriod(ctx, key)
}

func (s *PostgresStore) ReserveQuota(ctx context.Context, key QuotaKey, limits QuotaLimits, estimatedTokens int64, now time.Time) (*models.QuotaPeriod, error) {
	return quotaTx{q: s.pool}.ReserveQuota(ctx, key, limits, estimatedTokens, now)
}

func (s *PostgresStore) DebitQuota(ctx context.Context, key QuotaKey, requestsDelta, tokensDelta int64, now time.Time) (*models.QuotaPeriod, error) {
	return quotaTx{q: s.pool}.DebitQuota(ctx, key, requestsDelta, tokensDelta, now)
}

func (t quotaTx) GetQuotaPeriod(ctx context.Context, key QuotaKey) (*models.QuotaPeriod, error) {
	q, err := scanQuota(t.q.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM quota_periods WHERE tenant_id = $1 AND year = $2 AND month = $3`,
		key.TenantID, key.Year, key.Month))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota period: %w", err)
	}
	return q, nil
}

// ReserveQuota takes one request from the period. The insert is a no-op when
// the row exists; the conditional update is the only check, so two callers
// can never both take the last request.
func (t quotaTx) ReserveQuota(ctx context.Context, key QuotaKey, limits QuotaLimits, estimatedTokens int64, now time.Time) (*models.QuotaPeriod, error) {
	_, err := t.q.Exec(ctx,
		`INSERT INTO quota_periods (tenant_id, year, month, max_requests, max_tokens, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (tenant_id, year, month) DO NOTHING`,
		key.TenantID, key.Year, key.Month, limits.MaxRequests, limits.MaxTokens, now)
	if err != nil {
		return nil, fmt.Errorf("ensure quota period: %w", err)
	}

	period, err := scanQuota(t.q.QueryRow(ctx,
		`UPDATE quota_periods
		 SET requests_used = requests_used + 1, last_request_at = $4, updated_at = $4
		 WHERE tenant_id = $1 AND year = $2 AND month = $3
		   AND requests_used < max_requests
		   AND tokens_used < max_tokens
		   AND tokens_used + $5 <= max_tokens
		 RETURNING `+quotaColumns,
		key.TenantID, key.Year, key.Month, now, estimatedTokens))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQuotaExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	return period, nil
}

// DebitQuota adds usage in one conditional update. Tokens are not capped:
// they are only known after the work ran.
func (t quotaTx) DebitQuota(ctx context.Context, key QuotaKey, requestsDelta, tokensDelta int64, now time.Time) (*models.QuotaPeriod, error) {
	period, err := scanQuota(t.q.QueryRow(ctx,
		`UPDATE quota_periods
		 SET requests_used = requests_used + $4,
		     tokens_used = tokens_used + $5,
		     last_request_at = CASE WHEN $4 > 0 THEN $6 ELSE last_request_at END,
		     updated_at = $6
		 WHERE tenant_id = $1 AND year = $2 AND month = $3
		   AND requests_used + $4 <= max_requests
		 RETURNING `+quotaColumns,
		key.TenantID, key.Year, key.Month, requestsDelta, tokensDelta, now))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := t.q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM quota_periods WHERE tenant_id = $1 AND year = $2 AND month = $3)`,
			key.TenantID, key.Year, key.Month).Scan(&exists); err != nil {
			return nil, fmt.Errorf("debit quota: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("debit quota: period %d-%02d for tenant %s: %w", key.Year, key.Month, key.TenantID, ErrNotFound)
		}
		return nil, ErrQuotaExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("debit quota: %w", err)
	}
	return period, nil
}
