// Package ledger owns the job execution state machine:
//
//	pending -> running -> completed
//	pending -> running -> pending (retry, attempts remain)
//	pending -> running -> failed  (attempts exhausted or not retryable)
//	pending -> failed             (cancelled)
//
// Every transition is a conditional update in the store; this package adds
// validation, retry backoff and the status cache.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/internal/cache"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/quota"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

var (
	ErrDuplicateActiveJob = store.ErrActiveJobExists
	ErrInvalidTransition  = store.ErrInvalidTransition
	ErrNotFound           = store.ErrNotFound
	ErrInvalidJob         = errors.New("invalid job request")
)

const (
	statusTTL    = 30 * time.Minute
	maxJobKeyLen = 512
)

// SubmitRequest is a validated admission request.
type SubmitRequest struct {
	Tenant      *models.Tenant
	JobKey      string // derived from Spec when empty
	Spec        models.Specialization
	Input       json.RawMessage
	MaxAttempts int // config default when zero
	ActorID     *uuid.UUID
	RequestID   *string
}

// RetryPolicy is exponential: Base, 2*Base, 4*Base... capped at Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next claim after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Service drives ledger rows through their lifecycle.
type Service struct {
	store              store.LedgerStore
	quota              *quota.Tracker
	cache              cache.Cache
	retry              RetryPolicy
	defaultMaxAttempts int
}

// NewService creates a ledger Service. c may be nil, which disables the status cache.
func NewService(s store.LedgerStore, tracker *quota.Tracker, c cache.Cache, cfg config.WorkerConfig) *Service {
	return &Service{
		store:              s,
		quota:              tracker,
		cache:              c,
		retry:              RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
	}
}

// Submit admits a job. The pending row and the quota reservation commit
// together: on ErrDuplicateActiveJob the returned job is the existing active
// row and no quota is consumed; on quota.ErrQuotaExceeded nothing is written.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.JobExecution, error) {
	if req.Tenant == nil {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidJob)
	}
	if req.Spec == nil {
		return nil, fmt.Errorf("%w: spec is required", ErrInvalidJob)
	}
	if err := req.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", ErrInvalidJob)
	}

	now := time.Now().UTC()
	period := s.quota.CurrentPeriod(req.Tenant, now)

	jobKey := req.JobKey
	if jobKey == "" {
		derived, err := KeyForSpec(req.Spec, period)
		if err != nil {
			return nil, err
		}
		jobKey = derived
	}
	if len(jobKey) > maxJobKeyLen {
		return nil, fmt.Errorf("%w: job_key longer than %d characters", ErrInvalidJob, maxJobKeyLen)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidJob)
	}

	job := &models.JobExecution{
		ID:          uuid.New(),
		TenantID:    req.Tenant.ID,
		JobKey:      jobKey,
		JobType:     req.Spec.JobType(),
		Status:      models.JobStatusPending,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		Spec:        req.Spec,
		Input:       req.Input,
		ActorID:     req.ActorID,
		RequestID:   req.RequestID,
		PeriodYear:  period.Year,
		PeriodMonth: period.Month,
		QueuedAt:    now,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	admit := func(ctx context.Context, q store.QuotaStore, _ *models.JobExecution) error {
		_, err := s.quota.In(q).CheckAndReserve(ctx, req.Tenant, period, 0)
		return err
	}
	if err := s.store.SubmitJob(ctx, job, admit); err != nil {
		if errors.Is(err, ErrDuplicateActiveJob) {
			existing, getErr := s.store.GetLatestJobByKey(ctx, req.Tenant.ID, jobKey)
			if getErr != nil {
				return nil, err
			}
			return existing, err
		}
		if errors.Is(err, quota.ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("submit job: %w", err)
	}

	slog.Info("job submitted",
		"job_id", job.ID, "tenant_id", job.TenantID, "job_key", job.JobKey,
		"job_type", job.JobType, "period", period.String())
	s.snapshot(ctx, job)
	return job, nil
}

// Claim hands the oldest available pending job of the given types to workerID.
// Returns nil, nil when nothing is claimable.
func (s *Service) Claim(ctx context.Context, workerID string, types []models.JobType) (*models.JobExecution, error) {
	job, err := s.store.ClaimJob(ctx, types, workerID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job != nil {
		s.snapshot(ctx, job)
	}
	return job, nil
}

// Complete records the output of a claimed job and debits its tokens against
// the period the job was admitted in, atomically.
func (s *Service) Complete(ctx context.Context, job *models.JobExecution, output json.RawMessage, tokensUsed int64) (*models.JobExecution, error) {
	if tokensUsed < 0 {
		return nil, fmt.Errorf("%w: negative token usage", ErrInvalidJob)
	}
	ref, err := claimRef(job)
	if err != nil {
		return nil, err
	}
	settle := func(ctx context.Context, q store.QuotaStore, j *models.JobExecution) error {
		period := quota.Period{Year: j.PeriodYear, Month: j.PeriodMonth}
		_, err := s.quota.In(q).Debit(ctx, j.TenantID, period, 0, j.TokensUsed)
		return err
	}
	done, err := s.store.CompleteJob(ctx, ref, output, tokensUsed, time.Now().UTC(), settle)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	s.snapshot(ctx, done)
	return done, nil
}

// Fail records a failed attempt. Retryable failures with attempts remaining go
// back to pending after the backoff delay; anything else is terminal.
func (s *Service) Fail(ctx context.Context, job *models.JobExecution, message string, retryable bool) (*models.JobExecution, error) {
	ref, err := claimRef(job)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	failure := store.Failure{
		Message:   message,
		Retryable: retryable,
		RetryAt:   now.Add(s.retry.Delay(job.Attempt)),
	}
	failed, err := s.store.FailJob(ctx, ref, failure, now)
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	s.snapshot(ctx, failed)
	return failed, nil
}

// Cancel terminally fails the pending job for jobKey. Running jobs cannot be
// cancelled and yield ErrInvalidTransition.
func (s *Service) Cancel(ctx context.Context, tenantID uuid.UUID, jobKey, reason string) (*models.JobExecution, error) {
	if reason == "" {
		reason = "requested"
	}
	job, err := s.store.CancelJob(ctx, tenantID, jobKey, reason, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	slog.Info("job cancelled", "job_id", job.ID, "tenant_id", tenantID, "job_key", jobKey)
	s.snapshot(ctx, job)
	return job, nil
}

// GetStatus returns the most recent row for jobKey from the store.
func (s *Service) GetStatus(ctx context.Context, tenantID uuid.UUID, jobKey string) (*models.JobExecution, error) {
	job, err := s.store.GetLatestJobByKey(ctx, tenantID, jobKey)
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return job, nil
}

// Get returns one row by id.
func (s *Service) Get(ctx context.Context, tenantID, jobID uuid.UUID) (*models.JobExecution, error) {
	job, err := s.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CachedStatus serves the status snapshot from the cache, falling back to the
// store and repopulating the cache on a miss.
func (s *Service) CachedStatus(ctx context.Context, tenantID uuid.UUID, jobKey string) (*cache.JobSnapshot, error) {
	if s.cache != nil {
		snap, found, err := s.cache.GetJobSnapshotByKey(ctx, tenantID, jobKey)
		if err != nil {
			slog.Warn("status cache read failed", "tenant_id", tenantID, "error", err)
		}
		if found {
			return snap, nil
		}
	}
	job, err := s.GetStatus(ctx, tenantID, jobKey)
	if err != nil {
		return nil, err
	}
	s.snapshot(ctx, job)
	snap := snapshotOf(job)
	return &snap, nil
}

// Reap recovers running jobs whose claim is older than staleAfter.
func (s *Service) Reap(ctx context.Context, staleAfter time.Duration) (store.ReapResult, error) {
	now := time.Now().UTC()
	res, err := s.store.RequeueStaleJobs(ctx, now.Add(-staleAfter), now)
	if err != nil {
		return store.ReapResult{}, fmt.Errorf("reap stale jobs: %w", err)
	}
	return res, nil
}

func claimRef(job *models.JobExecution) (store.ClaimRef, error) {
	if job == nil || job.WorkerID == nil || job.Status != models.JobStatusRunning {
		return store.ClaimRef{}, fmt.Errorf("job is not a live claim: %w", ErrInvalidTransition)
	}
	return store.ClaimRef{JobID: job.ID, WorkerID: *job.WorkerID, Attempt: job.Attempt}, nil
}

func snapshotOf(job *models.JobExecution) cache.JobSnapshot {
	return cache.JobSnapshot{
		JobID:        job.ID,
		JobKey:       job.JobKey,
		JobType:      string(job.JobType),
		Status:       job.Status,
		Attempt:      job.Attempt,
		MaxAttempts:  job.MaxAttempts,
		ErrorMessage: job.ErrorMessage,
		UpdatedAt:    job.UpdatedAt,
	}
}

// snapshot is best effort; the store remains the source of truth.
func (s *Service) snapshot(ctx context.Context, job *models.JobExecution) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutJobSnapshot(ctx, job.TenantID, snapshotOf(job), statusTTL); err != nil {
		slog.Warn("status cache write failed", "job_id", job.ID, "error", err)
	}
}
