package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/internal/api/response"
	"github.com/kiranshivaraju/tutorledger/internal/reconcile"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// Reconciler turns OCR job output into importable exam results.
type Reconciler interface {
	MaterializeJob(ctx context.Context, tenantID, jobID uuid.UUID) (*reconcile.MaterializeResult, error)
	ListParsedResults(ctx context.Context, tenantID, ocrJobID uuid.UUID) ([]*models.ParsedResult, error)
	AssignStudent(ctx context.Context, tenantID, parsedResultID, studentID uuid.UUID) (*models.ParsedResult, error)
	Import(ctx context.Context, tenantID, parsedResultID uuid.UUID) (reconcile.ImportOutcome, error)
	Verify(ctx context.Context, tenantID, ocrJobID uuid.UUID) (reconcile.Audit, error)
}

// NewListParsedResultsHandler returns an http.HandlerFunc for GET /api/v1/ocr/{jobID}/results.
func NewListParsedResultsHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}

		results, err := rec.ListParsedResults(r.Context(), tenant.ID, jobID)
		if err != nil {
			writeReconcileError(w, err, "list parsed results")
			return
		}
		response.Collection(w, results)
	}
}

// NewReconcileHandler returns an http.HandlerFunc for POST /api/v1/ocr/{jobID}/reconcile.
// Repeating the call returns the existing extraction with created=false.
func NewReconcileHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}

		res, err := rec.MaterializeJob(r.Context(), tenant.ID, jobID)
		if err != nil {
			writeReconcileError(w, err, "reconcile ocr job")
			return
		}
		body := map[string]any{
			"extraction":    res.Extraction,
			"created":       res.Created,
			"matched":       res.Matched,
			"auto_imported": res.AutoImported,
		}
		if res.Created {
			response.Created(w, body)
			return
		}
		response.JSON(w, body)
	}
}

// NewAssignStudentHandler returns an http.HandlerFunc for POST /api/v1/ocr/results/{resultID}/assign.
func NewAssignStudentHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		resultID, ok := uuidParam(w, r, "resultID", "INVALID_RESULT_ID")
		if !ok {
			return
		}

		var req struct {
			StudentID string `json:"student_id"`
		}
		if !decodeBody(w, r, &req, false) {
			return
		}
		studentID, err := uuid.Parse(req.StudentID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "student_id must be a UUID", nil)
			return
		}

		pr, err := rec.AssignStudent(r.Context(), tenant.ID, resultID, studentID)
		if err != nil {
			writeReconcileError(w, err, "assign student")
			return
		}
		response.JSON(w, pr)
	}
}

// NewImportResultHandler returns an http.HandlerFunc for POST /api/v1/ocr/results/{resultID}/import.
// The first import answers 201; replays answer 200 with already_imported set.
func NewImportResultHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		resultID, ok := uuidParam(w, r, "resultID", "INVALID_RESULT_ID")
		if !ok {
			return
		}

		out, err := rec.Import(r.Context(), tenant.ID, resultID)
		if err != nil {
			writeReconcileError(w, err, "import result")
			return
		}
		body := map[string]any{
			"imported_result_id": out.ResultID,
			"already_imported":   out.AlreadyImported,
		}
		if out.AlreadyImported {
			response.JSON(w, body)
			return
		}
		response.Created(w, body)
	}
}

// NewVerifyImportsHandler returns an http.HandlerFunc for GET /api/v1/ocr/{jobID}/verify.
func NewVerifyImportsHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}

		audit, err := rec.Verify(r.Context(), tenant.ID, jobID)
		if err != nil {
			writeReconcileError(w, err, "verify imports")
			return
		}
		response.JSON(w, audit)
	}
}

func writeReconcileError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, reconcile.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, reconcile.ErrNotOCRJob):
		response.Error(w, http.StatusBadRequest, "NOT_OCR_JOB", "Job is not an OCR extraction", nil)
	case errors.Is(err, reconcile.ErrJobNotCompleted):
		response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETED", "OCR job has not completed", nil)
	case errors.Is(err, reconcile.ErrNotMatched):
		response.Error(w, http.StatusConflict, "NOT_MATCHED", "Result has no matched student", nil)
	case errors.Is(err, reconcile.ErrAlreadyImported):
		response.Error(w, http.StatusConflict, "ALREADY_IMPORTED", "Result was already imported", nil)
	case errors.Is(err, reconcile.ErrUnknownStudent):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_STUDENT", "Student is not on the exam roster", nil)
	default:
		slog.Error(op+" failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to "+op, nil)
	}
}
