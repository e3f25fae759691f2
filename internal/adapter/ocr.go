package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/tutorledger/internal/ocr"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// OCRExtract reads marks off a scanned exam sheet. It is not billed in tokens;
// the submission itself consumes the request allowance.
type OCRExtract struct {
	provider ocr.Provider
}

func NewOCRExtract(p ocr.Provider) *OCRExtract {
	return &OCRExtract{provider: p}
}

func (a *OCRExtract) Type() models.JobType { return models.JobTypeOCRExtract }

func (a *OCRExtract) Execute(ctx context.Context, job *models.JobExecution) (Result, error) {
	spec, err := specAs[models.OCRSpec](job)
	if err != nil {
		return Result{}, err
	}

	text, err := a.provider.Extract(ctx, spec.ImagePath)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", spec.ImagePath, err)
	}

	records, warnings := ocr.ParseSheet(text.Content, text.Confidence)
	if text.Content == "" {
		warnings = append(warnings, "no text recognised")
	}

	raw, err := json.Marshal(models.OCROutput{
		Provider: a.provider.Name(),
		Records:  records,
		Warnings: warnings,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode ocr output: %w", err)
	}
	return Result{Output: raw}, nil
}
