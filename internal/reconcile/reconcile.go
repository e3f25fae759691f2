// Package reconcile turns completed OCR jobs into importable exam results.
//
// Materialize writes one ParsedResult per extracted record, matched against
// the exam roster. Import then creates the exam result and flips is_imported
// in one transaction guarded by is_imported = false, so repeated or
// concurrent imports of the same result are no-ops. The extraction's
// results_imported counter moves in that same transaction.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

var (
	ErrAlreadyImported = store.ErrAlreadyImported
	ErrNotMatched      = store.ErrUnmatched
	ErrNotFound        = store.ErrNotFound
	ErrNotOCRJob       = errors.New("job is not an ocr extraction")
	ErrJobNotCompleted = errors.New("ocr job has not completed")
	ErrUnknownStudent  = errors.New("student is not on the exam roster")
)

// JobGetter reads ledger rows.
type JobGetter interface {
	GetJob(ctx context.Context, id, tenantID uuid.UUID) (*models.JobExecution, error)
}

// MaterializeResult reports what Materialize did.
type MaterializeResult struct {
	Extraction   *models.OCRExtraction
	Created      bool
	Matched      int
	AutoImported int
}

// ImportOutcome is the answer to an import request. AlreadyImported marks the
// idempotent replay of an earlier import; ResultID is the original record.
type ImportOutcome struct {
	ResultID        uuid.UUID
	AlreadyImported bool
}

// Audit compares the denormalized import counter with the rows behind it.
type Audit struct {
	JobID      uuid.UUID `json:"job_id"`
	Counter    int       `json:"results_imported"`
	Actual     int       `json:"imported_rows"`
	Consistent bool      `json:"consistent"`
}

type Reconciler struct {
	store      store.ReconcileStore
	jobs       JobGetter
	autoImport float64
}

func NewReconciler(s store.ReconcileStore, jobs JobGetter, cfg config.ReconcileConfig) *Reconciler {
	return &Reconciler{store: s, jobs: jobs, autoImport: cfg.AutoImportConfidence}
}

// MaterializeJob loads the job and materializes it.
func (r *Reconciler) MaterializeJob(ctx context.Context, tenantID, jobID uuid.UUID) (*MaterializeResult, error) {
	job, err := r.jobs.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get ocr job: %w", err)
	}
	return r.Materialize(ctx, job)
}

// Materialize creates the parsed results of a completed OCR job. Calling it
// again for the same job returns the existing extraction with Created false.
func (r *Reconciler) Materialize(ctx context.Context, job *models.JobExecution) (*MaterializeResult, error) {
	spec, ok := job.Spec.(models.OCRSpec)
	if !ok || job.JobType != models.JobTypeOCRExtract {
		return nil, ErrNotOCRJob
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: status %s", ErrJobNotCompleted, job.Status)
	}

	existing, err := r.store.GetOCRExtraction(ctx, job.TenantID, job.ID)
	if err == nil {
		return &MaterializeResult{Extraction: existing}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get ocr extraction: %w", err)
	}

	var out models.OCROutput
	if err := json.Unmarshal(job.Result, &out); err != nil {
		return nil, fmt.Errorf("decode ocr output of job %s: %w", job.ID, err)
	}

	roster, err := r.store.ListCandidateStudents(ctx, job.TenantID, spec.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list exam roster: %w", err)
	}
	matcher := NewMatcher(roster)

	now := time.Now().UTC()
	res := &MaterializeResult{}
	results := make([]*models.ParsedResult, 0, len(out.Records))
	for i, rec := range out.Records {
		studentID, conf := matcher.Match(rec.StudentIdentifier)
		if studentID != nil {
			res.Matched++
			if rec.OCRConfidence > 0 {
				conf *= rec.OCRConfidence
			}
		}
		results = append(results, &models.ParsedResult{
			ID:                uuid.New(),
			TenantID:          job.TenantID,
			OCRJobID:          job.ID,
			LineNo:            i + 1,
			StudentIdentifier: rec.StudentIdentifier,
			MatchedStudentID:  studentID,
			TotalMarks:        rec.TotalMarks,
			MarksObtained:     rec.MarksObtained,
			Percentage:        percentage(rec.MarksObtained, rec.TotalMarks),
			ConfidenceScore:   round(conf, 4),
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	ext := &models.OCRExtraction{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		ExamID:     spec.ExamID,
		ExamType:   spec.ExamType,
		UploadedBy: spec.UploadedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := r.store.CreateOCRExtraction(ctx, ext, results)
	if err != nil {
		return nil, fmt.Errorf("create ocr extraction: %w", err)
	}
	if !created {
		// Lost a race with another materializer; theirs is authoritative.
		existing, err := r.store.GetOCRExtraction(ctx, job.TenantID, job.ID)
		if err != nil {
			return nil, fmt.Errorf("get ocr extraction: %w", err)
		}
		return &MaterializeResult{Extraction: existing}, nil
	}
	res.Created = true

	if r.autoImport > 0 {
		for _, pr := range results {
			if pr.MatchedStudentID == nil || pr.ConfidenceScore < r.autoImport {
				continue
			}
			outcome, err := r.Import(ctx, job.TenantID, pr.ID)
			if err != nil {
				slog.Warn("auto-import failed", "parsed_result_id", pr.ID, "error", err)
				continue
			}
			if !outcome.AlreadyImported {
				res.AutoImported++
			}
		}
	}

	ext, err = r.store.GetOCRExtraction(ctx, job.TenantID, job.ID)
	if err != nil {
		return nil, fmt.Errorf("get ocr extraction: %w", err)
	}
	res.Extraction = ext

	slog.Info("ocr results materialized",
		"job_id", job.ID, "tenant_id", job.TenantID,
		"extracted", len(results), "matched", res.Matched, "auto_imported", res.AutoImported)
	return res, nil
}

// ListParsedResults returns the job's results by line number.
func (r *Reconciler) ListParsedResults(ctx context.Context, tenantID, ocrJobID uuid.UUID) ([]*models.ParsedResult, error) {
	if _, err := r.store.GetOCRExtraction(ctx, tenantID, ocrJobID); err != nil {
		return nil, fmt.Errorf("get ocr extraction: %w", err)
	}
	results, err := r.store.ListParsedResults(ctx, tenantID, ocrJobID)
	if err != nil {
		return nil, fmt.Errorf("list parsed results: %w", err)
	}
	return results, nil
}

// Import creates the exam result for a matched parsed result exactly once.
// A repeated call succeeds with AlreadyImported set and the original id.
func (r *Reconciler) Import(ctx context.Context, tenantID, parsedResultID uuid.UUID) (ImportOutcome, error) {
	id, err := r.store.ImportParsedResult(ctx, tenantID, parsedResultID, time.Now().UTC())
	switch {
	case errors.Is(err, ErrAlreadyImported):
		return ImportOutcome{ResultID: id, AlreadyImported: true}, nil
	case errors.Is(err, ErrNotMatched), errors.Is(err, ErrNotFound):
		return ImportOutcome{}, err
	case err != nil:
		return ImportOutcome{}, fmt.Errorf("import parsed result %s: %w", parsedResultID, err)
	}
	slog.Info("parsed result imported", "parsed_result_id", parsedResultID, "exam_result_id", id, "tenant_id", tenantID)
	return ImportOutcome{ResultID: id}, nil
}

// AssignStudent records a reviewer's match for a result not yet imported.
func (r *Reconciler) AssignStudent(ctx context.Context, tenantID, parsedResultID, studentID uuid.UUID) (*models.ParsedResult, error) {
	pr, err := r.store.GetParsedResult(ctx, tenantID, parsedResultID)
	if err != nil {
		return nil, fmt.Errorf("get parsed result: %w", err)
	}
	if pr.IsImported {
		return nil, ErrAlreadyImported
	}
	ext, err := r.store.GetOCRExtraction(ctx, tenantID, pr.OCRJobID)
	if err != nil {
		return nil, fmt.Errorf("get ocr extraction: %w", err)
	}
	roster, err := r.store.ListCandidateStudents(ctx, tenantID, ext.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list exam roster: %w", err)
	}
	onRoster := false
	for _, s := range roster {
		if s.ID == studentID {
			onRoster = true
			break
		}
	}
	if !onRoster {
		return nil, ErrUnknownStudent
	}

	if err := r.store.UpdateParsedResultMatch(ctx, tenantID, parsedResultID, &studentID, ConfidenceRoll); err != nil {
		return nil, fmt.Errorf("update match: %w", err)
	}
	pr.MatchedStudentID = &studentID
	pr.ConfidenceScore = ConfidenceRoll
	return pr, nil
}

// Verify recomputes the number of imported results for a job.
func (r *Reconciler) Verify(ctx context.Context, tenantID, ocrJobID uuid.UUID) (Audit, error) {
	ext, err := r.store.GetOCRExtraction(ctx, tenantID, ocrJobID)
	if err != nil {
		return Audit{}, fmt.Errorf("get ocr extraction: %w", err)
	}
	actual, err := r.store.CountImportedResults(ctx, tenantID, ocrJobID)
	if err != nil {
		return Audit{}, fmt.Errorf("count imported results: %w", err)
	}
	a := Audit{JobID: ocrJobID, Counter: ext.ResultsImported, Actual: actual, Consistent: ext.ResultsImported == actual}
	if !a.Consistent {
		slog.Error("import counter drift", "job_id", ocrJobID, "tenant_id", tenantID, "counter", a.Counter, "actual", a.Actual)
	}
	return a, nil
}

func percentage(obtained, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return round(obtained/total*100, 2)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
