package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSpec is returned when a job specialization fails validation.
var ErrInvalidSpec = errors.New("invalid job specialization")

// Specialization is the job-type-specific part of a ledger row. Exactly one
// concrete type exists per JobType; adapters receive it read-only.
type Specialization interface {
	JobType() JobType
	Validate() error
}

// LessonPlanSpec drives lesson plan generation for one class and subject.
type LessonPlanSpec struct {
	TeacherID         uuid.UUID  `json:"teacher_id"`
	ClassID           uuid.UUID  `json:"class_id"`
	SubjectID         uuid.UUID  `json:"subject_id"`
	SyllabusSubjectID *uuid.UUID `json:"syllabus_subject_id,omitempty"`
}

func (LessonPlanSpec) JobType() JobType { return JobTypeLessonPlan }

func (s LessonPlanSpec) Validate() error {
	if s.TeacherID == uuid.Nil || s.ClassID == uuid.Nil || s.SubjectID == uuid.Nil {
		return fmt.Errorf("%w: teacher_id, class_id and subject_id are required", ErrInvalidSpec)
	}
	return nil
}

// OCRSpec points at one scanned exam sheet. Extraction counters live on the
// reconciliation side (OCRExtraction) so the ledger row stays immutable.
type OCRSpec struct {
	UploadedBy uuid.UUID `json:"uploaded_by"`
	ExamType   string    `json:"exam_type"`
	ExamID     uuid.UUID `json:"exam_id"`
	ImagePath  string    `json:"image_path"`
}

func (OCRSpec) JobType() JobType { return JobTypeOCRExtract }

func (s OCRSpec) Validate() error {
	if s.ExamID == uuid.Nil {
		return fmt.Errorf("%w: exam_id is required", ErrInvalidSpec)
	}
	if s.ImagePath == "" {
		return fmt.Errorf("%w: image_path is required", ErrInvalidSpec)
	}
	return nil
}

var validDifficulties = map[string]bool{"easy": true, "medium": true, "hard": true}

// QuestionGenSpec asks for Count questions on one topic.
type QuestionGenSpec struct {
	TopicID      uuid.UUID `json:"topic_id"`
	Difficulty   string    `json:"difficulty"`
	QuestionType string    `json:"question_type"`
	Count        int       `json:"count"`
}

func (QuestionGenSpec) JobType() JobType { return JobTypeQuestionGen }

func (s QuestionGenSpec) Validate() error {
	if s.TopicID == uuid.Nil {
		return fmt.Errorf("%w: topic_id is required", ErrInvalidSpec)
	}
	if !validDifficulties[s.Difficulty] {
		return fmt.Errorf("%w: difficulty must be one of easy, medium, hard; got %q", ErrInvalidSpec, s.Difficulty)
	}
	if s.QuestionType == "" {
		return fmt.Errorf("%w: question_type is required", ErrInvalidSpec)
	}
	if s.Count < 1 || s.Count > 50 {
		return fmt.Errorf("%w: count must be between 1 and 50, got %d", ErrInvalidSpec, s.Count)
	}
	return nil
}

// InsightSpec requests an analytics insight over a time window for a target
// (student, class or subject depending on InsightType).
type InsightSpec struct {
	InsightType string    `json:"insight_type"`
	TargetID    uuid.UUID `json:"target_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func (InsightSpec) JobType() JobType { return JobTypeInsight }

func (s InsightSpec) Validate() error {
	if s.InsightType == "" || s.TargetID == uuid.Nil {
		return fmt.Errorf("%w: insight_type and target_id are required", ErrInvalidSpec)
	}
	if !s.PeriodEnd.After(s.PeriodStart) {
		return fmt.Errorf("%w: period_end must be after period_start", ErrInvalidSpec)
	}
	return nil
}

// DecodeSpec unmarshals raw JSON into the concrete specialization for jobType.
func DecodeSpec(jobType JobType, raw []byte) (Specialization, error) {
	var spec Specialization
	switch jobType {
	case JobTypeLessonPlan:
		var s LessonPlanSpec
		if err := unmarshalSpec(raw, &s); err != nil {
			return nil, err
		}
		spec = s
	case JobTypeOCRExtract:
		var s OCRSpec
		if err := unmarshalSpec(raw, &s); err != nil {
			return nil, err
		}
		spec = s
	case JobTypeQuestionGen:
		var s QuestionGenSpec
		if err := unmarshalSpec(raw, &s); err != nil {
			return nil, err
		}
		spec = s
	case JobTypeInsight:
		var s InsightSpec
		if err := unmarshalSpec(raw, &s); err != nil {
			return nil, err
		}
		spec = s
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidSpec, jobType)
	}
	return spec, nil
}

func unmarshalSpec(raw []byte, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}
