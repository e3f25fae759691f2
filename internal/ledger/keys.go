package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/tutorledger/internal/quota"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// Key joins a kind and its identifying parts into a readable job key,
// e.g. Key("lesson", "T1", "C2", "S3", "2026-02") = "lesson:T1:C2:S3:2026-02".
func Key(kind string, parts ...string) string {
	return strings.Join(append([]string{kind}, parts...), ":")
}

// HashKey derives a job key from arbitrary parameters. Equal parameters give
// equal keys; map keys are encoded in sorted order.
func HashKey(kind string, params any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode key params: %w", err)
	}
	sum := sha256.Sum256(data)
	return kind + ":" + hex.EncodeToString(sum[:]), nil
}

// KeyForSpec is the job key used when a caller submits without one. Two
// submissions for the same logical request in the same period collide.
func KeyForSpec(spec models.Specialization, period quota.Period) (string, error) {
	switch s := spec.(type) {
	case models.LessonPlanSpec:
		return Key("lesson", s.TeacherID.String(), s.ClassID.String(), s.SubjectID.String(), period.String()), nil
	case models.OCRSpec:
		sum := sha256.Sum256([]byte(s.ImagePath))
		return Key("ocr", s.ExamID.String(), hex.EncodeToString(sum[:8])), nil
	case models.InsightSpec:
		return Key("insight", s.InsightType, s.TargetID.String(),
			s.PeriodStart.UTC().Format("2006-01-02"), s.PeriodEnd.UTC().Format("2006-01-02")), nil
	case models.QuestionGenSpec:
		return HashKey("qgen", s)
	default:
		return "", fmt.Errorf("%w: no key derivation for %T", ErrInvalidJob, spec)
	}
}
