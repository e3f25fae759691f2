package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

const lessonPlanSystem = "You are an experienced school teacher who writes practical, sequenced lesson plans."

// LessonSession is one teaching session in a generated plan.
type LessonSession struct {
	Title      string   `json:"title"`
	Objectives []string `json:"objectives"`
	Activities []string `json:"activities"`
	Minutes    int      `json:"minutes"`
}

// LessonPlanOutput is the result snapshot of a lesson_plan_gen job.
type LessonPlanOutput struct {
	Model    string          `json:"model"`
	Summary  string          `json:"summary"`
	Sessions []LessonSession `json:"sessions"`
}

type LessonPlan struct {
	provider models.AIProvider
}

func NewLessonPlan(p models.AIProvider) *LessonPlan {
	return &LessonPlan{provider: p}
}

func (a *LessonPlan) Type() models.JobType { return models.JobTypeLessonPlan }

func (a *LessonPlan) Execute(ctx context.Context, job *models.JobExecution) (Result, error) {
	spec, err := specAs[models.LessonPlanSpec](job)
	if err != nil {
		return Result{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write a lesson plan for class %s, subject %s.", spec.ClassID, spec.SubjectID)
	if spec.SyllabusSubjectID != nil {
		fmt.Fprintf(&b, " Follow syllabus subject %s.", *spec.SyllabusSubjectID)
	}
	b.WriteString(` Reply with JSON: {"summary": string, "sessions": [{"title": string, "objectives": [string], "activities": [string], "minutes": int}]}.`)
	b.WriteString(contextBlock(job.Input))

	var out LessonPlanOutput
	c, err := completeJSON(ctx, a.provider, models.CompletionRequest{
		System:    lessonPlanSystem,
		Prompt:    b.String(),
		MaxTokens: 4000,
	}, &out)
	if err != nil {
		return Result{}, err
	}
	if len(out.Sessions) == 0 {
		return Result{}, &Error{Kind: KindBadOutput, Message: "lesson plan has no sessions", Err: models.ErrInvalidResponse}
	}
	out.Model = c.Model

	raw, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("encode lesson plan: %w", err)
	}
	return Result{Output: raw, TokensUsed: c.TotalTokens()}, nil
}
