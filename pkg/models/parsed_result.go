package models

import (
	"time"

	"github.com/google/uuid"
)

// ExtractedRecord is one row read off an exam sheet by the OCR adapter.
type ExtractedRecord struct {
	StudentIdentifier string  `json:"student_identifier"`
	MarksObtained     float64 `json:"marks_obtained"`
	TotalMarks        float64 `json:"total_marks"`
	OCRConfidence     float64 `json:"ocr_confidence"`
}

// OCROutput is the result snapshot of a completed ocr_extract job.
type OCROutput struct {
	Provider string            `json:"provider"`
	Records  []ExtractedRecord `json:"records"`
	Warnings []string          `json:"warnings,omitempty"`
}

// OCRExtraction tracks reconciliation progress for one completed OCR job.
// ResultsImported always equals the number of its ParsedResults with IsImported.
type OCRExtraction struct {
	JobID            uuid.UUID `db:"job_id"            json:"job_id"`
	TenantID         uuid.UUID `db:"tenant_id"         json:"tenant_id"`
	ExamID           uuid.UUID `db:"exam_id"           json:"exam_id"`
	ExamType         string    `db:"exam_type"         json:"exam_type"`
	UploadedBy       uuid.UUID `db:"uploaded_by"       json:"uploaded_by"`
	ResultsExtracted int       `db:"results_extracted" json:"results_extracted"`
	ResultsImported  int       `db:"results_imported"  json:"results_imported"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}

// ParsedResult is a single extracted record awaiting matching and import.
// LineNo is its 1-based position in the OCR output.
// IsImported flips false -> true exactly once; ImportedResultID is set iff IsImported.
type ParsedResult struct {
	ID                uuid.UUID  `db:"id"                  json:"id"`
	TenantID          uuid.UUID  `db:"tenant_id"           json:"tenant_id"`
	OCRJobID          uuid.UUID  `db:"ocr_job_id"          json:"ocr_job_id"`
	LineNo            int        `db:"line_no"             json:"line_no"`
	StudentIdentifier string     `db:"student_identifier"  json:"student_identifier"`
	MatchedStudentID  *uuid.UUID `db:"matched_student_id"  json:"matched_student_id,omitempty"`
	TotalMarks        float64    `db:"total_marks"         json:"total_marks"`
	MarksObtained     float64    `db:"marks_obtained"      json:"marks_obtained"`
	Percentage        float64    `db:"percentage"          json:"percentage"`
	ConfidenceScore   float64    `db:"confidence_score"    json:"confidence_score"`
	IsImported        bool       `db:"is_imported"         json:"is_imported"`
	ImportedResultID  *uuid.UUID `db:"imported_result_id"  json:"imported_result_id,omitempty"`
	DeletedAt         *time.Time `db:"deleted_at"          json:"-"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
}

// Student is the minimal roster view needed to match OCR identifiers.
type Student struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	TenantID   uuid.UUID `db:"tenant_id"   json:"tenant_id"`
	ClassID    uuid.UUID `db:"class_id"    json:"class_id"`
	RollNumber string    `db:"roll_number" json:"roll_number"`
	FullName   string    `db:"full_name"   json:"full_name"`
}

// ExamResult is the downstream record created by importing a ParsedResult.
type ExamResult struct {
	ID                   uuid.UUID `db:"id"                      json:"id"`
	TenantID             uuid.UUID `db:"tenant_id"               json:"tenant_id"`
	ExamID               uuid.UUID `db:"exam_id"                 json:"exam_id"`
	StudentID            uuid.UUID `db:"student_id"              json:"student_id"`
	MarksObtained        float64   `db:"marks_obtained"          json:"marks_obtained"`
	TotalMarks           float64   `db:"total_marks"             json:"total_marks"`
	Percentage           float64   `db:"percentage"              json:"percentage"`
	SourceParsedResultID uuid.UUID `db:"source_parsed_result_id" json:"source_parsed_result_id"`
	CreatedAt            time.Time `db:"created_at"              json:"created_at"`
}
