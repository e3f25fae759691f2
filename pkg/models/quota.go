package models

import (
	"time"

	"github.com/google/uuid"
)

// QuotaPeriod holds a tenant's allowance and usage for one calendar month.
// Rows are created lazily on first reference with zero usage.
type QuotaPeriod struct {
	TenantID      uuid.UUID  `db:"tenant_id"       json:"tenant_id"`
	Year          int        `db:"year"            json:"year"`
	Month         int        `db:"month"           json:"month"`
	MaxRequests   int64      `db:"max_requests"    json:"max_requests"`
	MaxTokens     int64      `db:"max_tokens"      json:"max_tokens"`
	RequestsUsed  int64      `db:"requests_used"   json:"requests_used"`
	TokensUsed    int64      `db:"tokens_used"     json:"tokens_used"`
	LastRequestAt *time.Time `db:"last_request_at" json:"last_request_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"      json:"updated_at"`
}

// RequestsRemaining never goes negative.
func (q QuotaPeriod) RequestsRemaining() int64 {
	if q.RequestsUsed >= q.MaxRequests {
		return 0
	}
	return q.MaxRequests - q.RequestsUsed
}

func (q QuotaPeriod) TokensRemaining() int64 {
	if q.TokensUsed >= q.MaxTokens {
		return 0
	}
	return q.MaxTokens - q.TokensUsed
}
