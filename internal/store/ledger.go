package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

const jobColumns = `id, tenant_id, job_key, job_type, status, attempt, max_attempts, spec, input, result,
	tokens_used, error_message, worker_id, actor_id, request_id, period_year, period_month,
	queued_at, available_at, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.JobExecution, error) {
	var (
		j       models.JobExecution
		jobType string
		spec    []byte
		input   []byte
		result  []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.JobKey, &jobType, &j.Status, &j.Attempt, &j.MaxAttempts,
		&spec, &input, &result, &j.TokensUsed, &j.ErrorMessage, &j.WorkerID, &j.ActorID, &j.RequestID,
		&j.PeriodYear, &j.PeriodMonth, &j.QueuedAt, &j.AvailableAt, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.JobType = models.JobType(jobType)
	j.Input = input
	j.Result = result

	decoded, err := models.DecodeSpec(j.JobType, spec)
	if err != nil {
		return nil, fmt.Errorf("decode spec for job %s: %w", j.ID, err)
	}
	j.Spec = decoded
	return &j, nil
}

func (s *PostgresStore) SubmitJob(ctx context.Context, job *models.JobExecution, admit QuotaFunc) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO job_executions (id, tenant_id, job_key, job_type, status, attempt, max_attempts,
			   spec, input, actor_id, request_id, period_year, period_month,
			   queued_at, available_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			 ON CONFLICT (tenant_id, job_key) WHERE status IN ('pending', 'running') DO NOTHING
			 RETURNING id`,
			job.ID, job.TenantID, job.JobKey, string(job.JobType), job.Status, job.Attempt, job.MaxAttempts,
			spec, nullableJSON(job.Input), job.ActorID, job.RequestID, job.PeriodYear, job.PeriodMonth,
			job.QueuedAt, job.AvailableAt, job.CreatedAt, job.UpdatedAt,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrActiveJobExists
		}
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert job: %w", err)
		}

		if admit == nil {
			return nil
		}
		return admit(ctx, quotaTx{q: tx}, job)
	})
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobTypes []models.JobType, workerID string, now time.Time) (*models.JobExecution, error) {
	types := make([]string, len(jobTypes))
	for i, jt := range jobTypes {
		types[i] = string(jt)
	}

	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE job_executions
		 SET status = 'running', attempt = attempt + 1, worker_id = $2, started_at = $3, updated_at = $3
		 WHERE id = (
		   SELECT id FROM job_executions
		   WHERE status = 'pending' AND job_type = ANY($1) AND available_at <= $3
		   ORDER BY queued_at ASC, id ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+jobColumns,
		types, workerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, claim ClaimRef, result []byte, tokensUsed int64, now time.Time, settle QuotaFunc) (*models.JobExecution, error) {
	var job *models.JobExecution
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE job_executions
			 SET status = 'completed', result = $4, tokens_used = $5, error_message = NULL,
			     completed_at = $6, updated_at = $6
			 WHERE id = $1 AND status = 'running' AND worker_id = $2 AND attempt = $3
			 RETURNING `+jobColumns,
			claim.JobID, claim.WorkerID, claim.Attempt, nullableJSON(result), tokensUsed, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return missedTransition(ctx, tx, claim.JobID)
		}
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}

		if settle == nil {
			return nil
		}
		return settle(ctx, quotaTx{q: tx}, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, claim ClaimRef, failure Failure, now time.Time) (*models.JobExecution, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE job_executions
		 SET status = CASE WHEN $5 AND attempt < max_attempts THEN 'pending' ELSE 'failed' END,
		     available_at = CASE WHEN $5 AND attempt < max_attempts THEN $6 ELSE available_at END,
		     completed_at = CASE WHEN $5 AND attempt < max_attempts THEN NULL ELSE $7 END,
		     error_message = $4,
		     updated_at = $7
		 WHERE id = $1 AND status = 'running' AND worker_id = $2 AND attempt = $3
		 RETURNING `+jobColumns,
		claim.JobID, claim.WorkerID, claim.Attempt, failure.Message, failure.Retryable, failure.RetryAt, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, missedTransition(ctx, s.pool, claim.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, tenantID uuid.UUID, jobKey, reason string, now time.Time) (*models.JobExecution, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE job_executions
		 SET status = 'failed', error_message = $3, completed_at = $4, updated_at = $4
		 WHERE tenant_id = $1 AND job_key = $2 AND status = 'pending'
		 RETURNING `+jobColumns,
		tenantID, jobKey, "cancelled: "+reason, now))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetLatestJobByKey(ctx, tenantID, jobKey); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.JobExecution, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_executions WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetLatestJobByKey returns the most recently queued row for the key, which is
// the active row when one exists.
func (s *PostgresStore) GetLatestJobByKey(ctx context.Context, tenantID uuid.UUID, jobKey string) (*models.JobExecution, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_executions
		 WHERE tenant_id = $1 AND job_key = $2
		 ORDER BY queued_at DESC, created_at DESC
		 LIMIT 1`, tenantID, jobKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) RequeueStaleJobs(ctx context.Context, staleBefore time.Time, now time.Time) (ReapResult, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE job_executions
		 SET status = CASE WHEN attempt < max_attempts THEN 'pending' ELSE 'failed' END,
		     completed_at = CASE WHEN attempt < max_attempts THEN NULL ELSE $2 END,
		     available_at = $2,
		     error_message = 'worker lost: claim expired',
		     updated_at = $2
		 WHERE status = 'running' AND started_at < $1
		 RETURNING status`, staleBefore, now)
	if err != nil {
		return ReapResult{}, fmt.Errorf("requeue stale jobs: %w", err)
	}
	defer rows.Close()

	var res ReapResult
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return ReapResult{}, fmt.Errorf("scan reaped job: %w", err)
		}
		if status == models.JobStatusPending {
			res.Requeued++
		} else {
			res.Failed++
		}
	}
	return res, rows.Err()
}

// missedTransition explains why a conditional update on a claimed row matched nothing.
func missedTransition(ctx context.Context, q querier, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
