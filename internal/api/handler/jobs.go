package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tutorledger/internal/api/middleware"
	"github.com/kiranshivaraju/tutorledger/internal/api/response"
	"github.com/kiranshivaraju/tutorledger/internal/cache"
	"github.com/kiranshivaraju/tutorledger/internal/ledger"
	"github.com/kiranshivaraju/tutorledger/internal/quota"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// JobService is the part of the ledger the job endpoints use.
type JobService interface {
	Submit(ctx context.Context, req ledger.SubmitRequest) (*models.JobExecution, error)
	GetStatus(ctx context.Context, tenantID uuid.UUID, jobKey string) (*models.JobExecution, error)
	CachedStatus(ctx context.Context, tenantID uuid.UUID, jobKey string) (*cache.JobSnapshot, error)
	Cancel(ctx context.Context, tenantID uuid.UUID, jobKey, reason string) (*models.JobExecution, error)
}

// JobView is the API representation of a ledger row.
type JobView struct {
	ID           uuid.UUID       `json:"id"`
	JobKey       string          `json:"job_key"`
	JobType      models.JobType  `json:"job_type"`
	Status       string          `json:"status"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	TokensUsed   int64           `json:"tokens_used"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	QueuedAt     time.Time       `json:"queued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func viewOf(job *models.JobExecution) JobView {
	return JobView{
		ID:           job.ID,
		JobKey:       job.JobKey,
		JobType:      job.JobType,
		Status:       job.Status,
		Attempt:      job.Attempt,
		MaxAttempts:  job.MaxAttempts,
		TokensUsed:   job.TokensUsed,
		ErrorMessage: job.ErrorMessage,
		Output:       job.Result,
		QueuedAt:     job.QueuedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req struct {
			JobType     models.JobType  `json:"job_type"`
			JobKey      string          `json:"job_key"`
			Spec        json.RawMessage `json:"spec"`
			Input       json.RawMessage `json:"input"`
			MaxAttempts int             `json:"max_attempts"`
		}
		if !decodeBody(w, r, &req, false) {
			return
		}
		if !req.JobType.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_TYPE", "Unknown job_type", nil)
			return
		}
		spec, err := models.DecodeSpec(req.JobType, req.Spec)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_SPEC", err.Error(), nil)
			return
		}

		job, err := svc.Submit(r.Context(), ledger.SubmitRequest{
			Tenant:      tenant,
			JobKey:      req.JobKey,
			Spec:        spec,
			Input:       req.Input,
			MaxAttempts: req.MaxAttempts,
			ActorID:     mw.GetActorID(r),
			RequestID:   mw.GetRequestID(r),
		})
		switch {
		case err == nil:
			response.Accepted(w, viewOf(job))
		case errors.Is(err, ledger.ErrDuplicateActiveJob):
			if job == nil {
				response.Error(w, http.StatusConflict, "DUPLICATE_ACTIVE_JOB", "An active job already exists for this key", nil)
				return
			}
			response.ErrorWithData(w, http.StatusConflict, "DUPLICATE_ACTIVE_JOB",
				"An active job already exists for this key", viewOf(job))
		case errors.Is(err, quota.ErrQuotaExceeded):
			response.Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Monthly quota exhausted", nil)
		case errors.Is(err, ledger.ErrInvalidJob), errors.Is(err, models.ErrInvalidSpec):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		default:
			slog.Error("submit job failed", "tenant_id", tenant.ID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit job", nil)
		}
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobKey}.
// It reads the store so the output of a completed job is included.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		key, ok := jobKeyParam(w, r)
		if !ok {
			return
		}

		job, err := svc.GetStatus(r.Context(), tenant.ID, key)
		if err != nil {
			writeJobError(w, err, "get job")
			return
		}
		response.JSON(w, viewOf(job))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobKey}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		key, ok := jobKeyParam(w, r)
		if !ok {
			return
		}

		snap, err := svc.CachedStatus(r.Context(), tenant.ID, key)
		if err != nil {
			writeJobError(w, err, "get job status")
			return
		}
		response.JSON(w, snap)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobKey}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		key, ok := jobKeyParam(w, r)
		if !ok {
			return
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &req, true) {
			return
		}

		job, err := svc.Cancel(r.Context(), tenant.ID, key, req.Reason)
		if err != nil {
			writeJobError(w, err, "cancel job")
			return
		}
		response.JSON(w, viewOf(job))
	}
}

func writeJobError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, ledger.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", "Job is no longer pending", nil)
	default:
		slog.Error(op+" failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to "+op, nil)
	}
}
