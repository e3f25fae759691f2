package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrActiveJobExists means a pending or running row already holds the job key.
	ErrActiveJobExists = errors.New("active job already exists for key")
	// ErrInvalidTransition means the row was not in the state the caller required.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrQuotaExceeded means the period has no request or token allowance left.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrAlreadyImported means the parsed result was imported before.
	ErrAlreadyImported = errors.New("parsed result already imported")
	// ErrUnmatched means the parsed result has no matched student yet.
	ErrUnmatched = errors.New("parsed result has no matched student")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	TenantStore
	APIKeyStore
	LedgerStore
	QuotaStore
	ReconcileStore
}

type TenantStore interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	CreateTenant(ctx context.Context, t *models.Tenant) error
}

type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// LedgerStore persists job executions. Every mutation is a single conditional
// update so concurrent workers never need in-process locks.
type LedgerStore interface {
	// SubmitJob inserts a pending row and runs admit in the same transaction.
	// Returns ErrActiveJobExists without calling admit when the key is held.
	SubmitJob(ctx context.Context, job *models.JobExecution, admit QuotaFunc) error
	// ClaimJob moves the oldest available pending row of one of jobTypes to
	// running. Returns nil, nil when nothing is available.
	ClaimJob(ctx context.Context, jobTypes []models.JobType, workerID string, now time.Time) (*models.JobExecution, error)
	// CompleteJob finishes a claimed row and runs settle on the completed row
	// in the same transaction.
	CompleteJob(ctx context.Context, claim ClaimRef, result []byte, tokensUsed int64, now time.Time, settle QuotaFunc) (*models.JobExecution, error)
	// FailJob returns a claimed row to pending, or fails it terminally when
	// attempts are exhausted or retryable is false.
	FailJob(ctx context.Context, claim ClaimRef, failure Failure, now time.Time) (*models.JobExecution, error)
	CancelJob(ctx context.Context, tenantID uuid.UUID, jobKey, reason string, now time.Time) (*models.JobExecution, error)
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.JobExecution, error)
	GetLatestJobByKey(ctx context.Context, tenantID uuid.UUID, jobKey string) (*models.JobExecution, error)
	// RequeueStaleJobs recovers running rows whose claim started before staleBefore.
	RequeueStaleJobs(ctx context.Context, staleBefore time.Time, now time.Time) (ReapResult, error)
}

type QuotaStore interface {
	GetQuotaPeriod(ctx context.Context, key QuotaKey) (*models.QuotaPeriod, error)
	// ReserveQuota creates the period on first use and atomically takes one
	// request. Returns ErrQuotaExceeded without mutating counters when exhausted.
	ReserveQuota(ctx context.Context, key QuotaKey, limits QuotaLimits, estimatedTokens int64, now time.Time) (*models.QuotaPeriod, error)
	// DebitQuota adds usage to a period created by an earlier reservation.
	// requests_used still may not pass max_requests (ErrQuotaExceeded); a
	// period never reserved yields ErrNotFound.
	DebitQuota(ctx context.Context, key QuotaKey, requestsDelta, tokensDelta int64, now time.Time) (*models.QuotaPeriod, error)
}

// QuotaFunc does quota accounting for job inside the transaction that moves
// it. q is bound to that transaction; an error rolls the move back.
type QuotaFunc func(ctx context.Context, q QuotaStore, job *models.JobExecution) error

type ReconcileStore interface {
	// CreateOCRExtraction materializes parsed results for a completed OCR job.
	// Returns false when the job was already materialized.
	CreateOCRExtraction(ctx context.Context, ext *models.OCRExtraction, results []*models.ParsedResult) (bool, error)
	GetOCRExtraction(ctx context.Context, tenantID, jobID uuid.UUID) (*models.OCRExtraction, error)
	ListParsedResults(ctx context.Context, tenantID, ocrJobID uuid.UUID) ([]*models.ParsedResult, error)
	GetParsedResult(ctx context.Context, tenantID, id uuid.UUID) (*models.ParsedResult, error)
	UpdateParsedResultMatch(ctx context.Context, tenantID, id uuid.UUID, studentID *uuid.UUID, confidence float64) error
	// ImportParsedResult creates the exam result, flips is_imported and bumps the
	// job counter atomically. On ErrAlreadyImported the existing id is returned.
	ImportParsedResult(ctx context.Context, tenantID, id uuid.UUID, now time.Time) (uuid.UUID, error)
	CountImportedResults(ctx context.Context, tenantID, ocrJobID uuid.UUID) (int, error)
	ListCandidateStudents(ctx context.Context, tenantID, examID uuid.UUID) ([]*models.Student, error)
	CreateStudent(ctx context.Context, s *models.Student) error
	AddExamEnrollment(ctx context.Context, tenantID, examID, classID uuid.UUID) error
}

// QuotaKey addresses one billing period.
type QuotaKey struct {
	TenantID uuid.UUID
	Year     int
	Month    int
}

// QuotaLimits seed a period row the first time it is referenced.
type QuotaLimits struct {
	MaxRequests int64
	MaxTokens   int64
}

// ClaimRef identifies the claim a worker holds. Completing or failing with a
// stale ref (the row was reaped and reclaimed) yields ErrInvalidTransition.
type ClaimRef struct {
	JobID    uuid.UUID
	WorkerID string
	Attempt  int
}

// Failure describes why an attempt failed.
type Failure struct {
	Message   string
	Retryable bool
	RetryAt   time.Time
}

type ReapResult struct {
	Requeued int
	Failed   int
}
