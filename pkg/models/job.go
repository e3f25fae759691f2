package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobType identifies which adapter executes a ledger row.
type JobType string

const (
	JobTypeLessonPlan  JobType = "lesson_plan_gen"
	JobTypeOCRExtract  JobType = "ocr_extract"
	JobTypeQuestionGen JobType = "question_gen"
	JobTypeInsight     JobType = "insight_gen"
)

// JobTypes lists every job type the platform knows how to run.
var JobTypes = []JobType{JobTypeLessonPlan, JobTypeOCRExtract, JobTypeQuestionGen, JobTypeInsight}

func (t JobType) Valid() bool {
	for _, jt := range JobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a ledger row can no longer change.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// JobExecution is one row of the job ledger. For a given (TenantID, JobKey) at most
// one row is pending or running at a time; terminal rows are never modified.
//
// Attempt counts claims: a freshly submitted row has Attempt 0 and the first claim
// runs attempt 1.
type JobExecution struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	TenantID     uuid.UUID       `db:"tenant_id"     json:"tenant_id"`
	JobKey       string          `db:"job_key"       json:"job_key"`
	JobType      JobType         `db:"job_type"      json:"job_type"`
	Status       string          `db:"status"        json:"status"`
	Attempt      int             `db:"attempt"       json:"attempt"`
	MaxAttempts  int             `db:"max_attempts"  json:"max_attempts"`
	Spec         Specialization  `db:"spec"          json:"spec"`
	Input        json.RawMessage `db:"input"         json:"input,omitempty"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	TokensUsed   int64           `db:"tokens_used"   json:"tokens_used"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	WorkerID     *string         `db:"worker_id"     json:"worker_id,omitempty"`
	ActorID      *uuid.UUID      `db:"actor_id"      json:"actor_id,omitempty"`
	RequestID    *string         `db:"request_id"    json:"request_id,omitempty"`
	PeriodYear   int             `db:"period_year"   json:"period_year"`
	PeriodMonth  int             `db:"period_month"  json:"period_month"`
	QueuedAt     time.Time       `db:"queued_at"     json:"queued_at"`
	AvailableAt  time.Time       `db:"available_at"  json:"available_at"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// IsTerminal reports whether the row reached completed or failed.
func (j *JobExecution) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// AttemptsRemaining is the number of claims still allowed for this row.
func (j *JobExecution) AttemptsRemaining() int {
	if j.Attempt >= j.MaxAttempts {
		return 0
	}
	return j.MaxAttempts - j.Attempt
}
