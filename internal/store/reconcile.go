package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

const parsedResultColumns = `id, tenant_id, ocr_job_id, line_no, student_identifier, matched_student_id, total_marks,
	marks_obtained, percentage, confidence_score, is_imported, imported_result_id, deleted_at, created_at, updated_at`

func scanParsedResult(row pgx.Row) (*models.ParsedResult, error) {
	var r models.ParsedResult
	err := row.Scan(&r.ID, &r.TenantID, &r.OCRJobID, &r.LineNo, &r.StudentIdentifier, &r.MatchedStudentID,
		&r.TotalMarks, &r.MarksObtained, &r.Percentage, &r.ConfidenceScore, &r.IsImported,
		&r.ImportedResultID, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateOCRExtraction(ctx context.Context, ext *models.OCRExtraction, results []*models.ParsedResult) (bool, error) {
	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var jobID uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO ocr_extractions (job_id, tenant_id, exam_id, exam_type, uploaded_by,
			   results_extracted, results_imported, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
			 ON CONFLICT (job_id) DO NOTHING
			 RETURNING job_id`,
			ext.JobID, ext.TenantID, ext.ExamID, ext.ExamType, ext.UploadedBy,
			len(results), ext.CreatedAt, ext.UpdatedAt,
		).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert ocr extraction: %w", err)
		}

		batch := &pgx.Batch{}
		for _, r := range results {
			batch.Queue(
				`INSERT INTO parsed_results (id, tenant_id, ocr_job_id, line_no, student_identifier, matched_student_id,
				   total_marks, marks_obtained, percentage, confidence_score, is_imported, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12)`,
				r.ID, r.TenantID, r.OCRJobID, r.LineNo, r.StudentIdentifier, r.MatchedStudentID,
				r.TotalMarks, r.MarksObtained, r.Percentage, r.ConfidenceScore, r.CreatedAt, r.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert parsed results: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *PostgresStore) GetOCRExtraction(ctx context.Context, tenantID, jobID uuid.UUID) (*models.OCRExtraction, error) {
	var e models.OCRExtraction
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, tenant_id, exam_id, exam_type, uploaded_by, results_extracted, results_imported, created_at, updated_at
		 FROM ocr_extractions WHERE job_id = $1 AND tenant_id = $2`, jobID, tenantID,
	).Scan(&e.JobID, &e.TenantID, &e.ExamID, &e.ExamType, &e.UploadedBy,
		&e.ResultsExtracted, &e.ResultsImported, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ocr extraction: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListParsedResults(ctx context.Context, tenantID, ocrJobID uuid.UUID) ([]*models.ParsedResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+parsedResultColumns+` FROM parsed_results
		 WHERE tenant_id = $1 AND ocr_job_id = $2 AND deleted_at IS NULL
		 ORDER BY line_no ASC`, tenantID, ocrJobID)
	if err != nil {
		return nil, fmt.Errorf("list parsed results: %w", err)
	}
	defer rows.Close()

	results := []*models.ParsedResult{}
	for rows.Next() {
		r, err := scanParsedResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan parsed result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) GetParsedResult(ctx context.Context, tenantID, id uuid.UUID) (*models.ParsedResult, error) {
	r, err := scanParsedResult(s.pool.QueryRow(ctx,
		`SELECT `+parsedResultColumns+` FROM parsed_results
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get parsed result: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateParsedResultMatch(ctx context.Context, tenantID, id uuid.UUID, studentID *uuid.UUID, confidence float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE parsed_results SET matched_student_id = $3, confidence_score = $4, updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL AND is_imported = FALSE`,
		id, tenantID, studentID, confidence)
	if err != nil {
		return fmt.Errorf("update parsed result match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetParsedResult(ctx, tenantID, id); err != nil {
			return err
		}
		return ErrAlreadyImported
	}
	return nil
}

func (s *PostgresStore) ImportParsedResult(ctx context.Context, tenantID, id uuid.UUID, now time.Time) (uuid.UUID, error) {
	var resultID uuid.UUID
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			r      models.ParsedResult
			examID uuid.UUID
		)
		// Row lock serializes concurrent imports of the same result.
		err := tx.QueryRow(ctx,
			`SELECT pr.id, pr.ocr_job_id, pr.matched_student_id, pr.total_marks, pr.marks_obtained,
			        pr.percentage, pr.is_imported, pr.imported_result_id, ox.exam_id
			 FROM parsed_results pr
			 JOIN ocr_extractions ox ON ox.job_id = pr.ocr_job_id
			 WHERE pr.id = $1 AND pr.tenant_id = $2 AND pr.deleted_at IS NULL
			 FOR UPDATE OF pr`, id, tenantID,
		).Scan(&r.ID, &r.OCRJobID, &r.MatchedStudentID, &r.TotalMarks, &r.MarksObtained,
			&r.Percentage, &r.IsImported, &r.ImportedResultID, &examID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock parsed result: %w", err)
		}
		if r.IsImported {
			if r.ImportedResultID != nil {
				resultID = *r.ImportedResultID
			}
			return ErrAlreadyImported
		}
		if r.MatchedStudentID == nil {
			return ErrUnmatched
		}

		resultID = uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO exam_results (id, tenant_id, exam_id, student_id, marks_obtained, total_marks,
			   percentage, source_parsed_result_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			resultID, tenantID, examID, *r.MatchedStudentID, r.MarksObtained, r.TotalMarks,
			r.Percentage, r.ID, now); err != nil {
			return fmt.Errorf("insert exam result: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE parsed_results SET is_imported = TRUE, imported_result_id = $2, updated_at = $3
			 WHERE id = $1 AND is_imported = FALSE`, r.ID, resultID, now)
		if err != nil {
			return fmt.Errorf("mark parsed result imported: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return ErrAlreadyImported
		}

		if _, err := tx.Exec(ctx,
			`UPDATE ocr_extractions SET results_imported = results_imported + 1, updated_at = $2
			 WHERE job_id = $1`, r.OCRJobID, now); err != nil {
			return fmt.Errorf("increment results imported: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyImported) {
			return resultID, ErrAlreadyImported
		}
		return uuid.Nil, err
	}
	return resultID, nil
}

func (s *PostgresStore) CountImportedResults(ctx context.Context, tenantID, ocrJobID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM parsed_results
		 WHERE tenant_id = $1 AND ocr_job_id = $2 AND is_imported = TRUE`, tenantID, ocrJobID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count imported results: %w", err)
	}
	return n, nil
}

// ListCandidateStudents returns the roster an exam's results may match. When the
// exam has no enrollments every active student of the tenant is a candidate.
func (s *PostgresStore) ListCandidateStudents(ctx context.Context, tenantID, examID uuid.UUID) ([]*models.Student, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.tenant_id, s.class_id, s.roll_number, s.full_name
		 FROM students s
		 WHERE s.tenant_id = $1 AND s.deleted_at IS NULL
		   AND (
		     NOT EXISTS (SELECT 1 FROM exam_enrollments e WHERE e.tenant_id = $1 AND e.exam_id = $2)
		     OR s.class_id IN (SELECT e.class_id FROM exam_enrollments e WHERE e.tenant_id = $1 AND e.exam_id = $2)
		   )
		 ORDER BY s.roll_number ASC, s.id ASC`, tenantID, examID)
	if err != nil {
		return nil, fmt.Errorf("list candidate students: %w", err)
	}
	defer rows.Close()

	var students []*models.Student
	for rows.Next() {
		var st models.Student
		if err := rows.Scan(&st.ID, &st.TenantID, &st.ClassID, &st.RollNumber, &st.FullName); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		students = append(students, &st)
	}
	return students, rows.Err()
}

func (s *PostgresStore) CreateStudent(ctx context.Context, st *models.Student) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO students (id, tenant_id, class_id, roll_number, full_name) VALUES ($1, $2, $3, $4, $5)`,
		st.ID, st.TenantID, st.ClassID, st.RollNumber, st.FullName)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddExamEnrollment(ctx context.Context, tenantID, examID, classID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exam_enrollments (tenant_id, exam_id, class_id) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`, tenantID, examID, classID)
	if err != nil {
		return fmt.Errorf("add exam enrollment: %w", err)
	}
	return nil
}
