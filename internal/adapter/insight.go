package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// Finding is one observation in an insight.
type Finding struct {
	Title          string `json:"title"`
	Detail         string `json:"detail"`
	Recommendation string `json:"recommendation,omitempty"`
}

// InsightOutput is the result snapshot of an insight_gen job.
type InsightOutput struct {
	Model       string      `json:"model"`
	Headline    string      `json:"headline"`
	Findings    []Finding   `json:"findings"`
	SnapshotIDs []uuid.UUID `json:"snapshot_ids,omitempty"`
}

// snapshotIDs returns the metric snapshot ids the caller listed in the job
// input. Inputs that are not objects carry none.
func snapshotIDs(input json.RawMessage) ([]uuid.UUID, error) {
	var in struct {
		SnapshotIDs []uuid.UUID `json:"snapshot_ids"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			return nil, nil
		}
		return nil, invalidInput("insight snapshot_ids: %v", err)
	}
	return in.SnapshotIDs, nil
}

type Insight struct {
	provider models.AIProvider
}

func NewInsight(p models.AIProvider) *Insight {
	return &Insight{provider: p}
}

func (a *Insight) Type() models.JobType { return models.JobTypeInsight }

// Execute needs the metrics to analyse in the job input; an insight over
// nothing is rejected as invalid input.
func (a *Insight) Execute(ctx context.Context, job *models.JobExecution) (Result, error) {
	spec, err := specAs[models.InsightSpec](job)
	if err != nil {
		return Result{}, err
	}
	if len(job.Input) == 0 || string(job.Input) == "null" {
		return Result{}, invalidInput("insight %s needs metrics in the job input", spec.InsightType)
	}
	snapshots, err := snapshotIDs(job.Input)
	if err != nil {
		return Result{}, err
	}

	prompt := fmt.Sprintf(
		"Analyse the %s data for %s between %s and %s. "+
			`Reply with JSON: {"headline": string, "findings": [{"title": string, "detail": string, "recommendation": string}]}.`,
		spec.InsightType, spec.TargetID,
		spec.PeriodStart.Format(time.DateOnly), spec.PeriodEnd.Format(time.DateOnly),
	) + contextBlock(job.Input)

	var out InsightOutput
	c, err := completeJSON(ctx, a.provider, models.CompletionRequest{
		System:    "You are an education analyst. Base every finding on the data provided.",
		Prompt:    prompt,
		MaxTokens: 2000,
	}, &out)
	if err != nil {
		return Result{}, err
	}
	if out.Headline == "" {
		return Result{}, &Error{Kind: KindBadOutput, Message: "insight has no headline", Err: models.ErrInvalidResponse}
	}
	out.Model = c.Model
	out.SnapshotIDs = snapshots

	raw, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("encode insight: %w", err)
	}
	return Result{Output: raw, TokensUsed: c.TotalTokens()}, nil
}
