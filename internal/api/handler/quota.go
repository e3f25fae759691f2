package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/tutorledger/internal/api/response"
	"github.com/kiranshivaraju/tutorledger/internal/quota"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// QuotaReader reports usage for a billing period.
type QuotaReader interface {
	CurrentPeriod(tenant *models.Tenant, at time.Time) quota.Period
	Usage(ctx context.Context, tenant *models.Tenant, period quota.Period) (*models.QuotaPeriod, error)
}

type quotaView struct {
	Period            string     `json:"period"`
	MaxRequests       int64      `json:"max_requests"`
	RequestsUsed      int64      `json:"requests_used"`
	RequestsRemaining int64      `json:"requests_remaining"`
	MaxTokens         int64      `json:"max_tokens"`
	TokensUsed        int64      `json:"tokens_used"`
	TokensRemaining   int64      `json:"tokens_remaining"`
	LastRequestAt     *time.Time `json:"last_request_at,omitempty"`
}

// NewQuotaHandler returns an http.HandlerFunc for GET /api/v1/quota. The
// current period is used unless both ?year= and ?month= are given.
func NewQuotaHandler(q QuotaReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}

		period := q.CurrentPeriod(tenant, time.Now())
		if ys, ms := r.URL.Query().Get("year"), r.URL.Query().Get("month"); ys != "" || ms != "" {
			year, yerr := strconv.Atoi(ys)
			month, merr := strconv.Atoi(ms)
			if yerr != nil || merr != nil || month < 1 || month > 12 || year < 2000 {
				response.Error(w, http.StatusBadRequest, "INVALID_PERIOD", "year and month must name a valid month", nil)
				return
			}
			period = quota.Period{Year: year, Month: month}
		}

		qp, err := q.Usage(r.Context(), tenant, period)
		if err != nil {
			slog.Error("quota usage failed", "tenant_id", tenant.ID, "period", period.String(), "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read quota", nil)
			return
		}

		response.JSON(w, quotaView{
			Period:            period.String(),
			MaxRequests:       qp.MaxRequests,
			RequestsUsed:      qp.RequestsUsed,
			RequestsRemaining: qp.RequestsRemaining(),
			MaxTokens:         qp.MaxTokens,
			TokensUsed:        qp.TokensUsed,
			TokensRemaining:   qp.TokensRemaining(),
			LastRequestAt:     qp.LastRequestAt,
		})
	}
}
