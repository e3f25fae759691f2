package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// Question is one generated question.
type Question struct {
	ID      uuid.UUID `json:"id"`
	Text    string    `json:"text"`
	Options []string  `json:"options,omitempty"`
	Answer  string    `json:"answer"`
}

// QuestionGenOutput is the result snapshot of a question_gen job.
// CreatedQuestionIDs is written once, in the order of Questions.
type QuestionGenOutput struct {
	Model              string      `json:"model"`
	Questions          []Question  `json:"questions"`
	CreatedQuestionIDs []uuid.UUID `json:"created_question_ids"`
}

type QuestionGen struct {
	provider models.AIProvider
}

func NewQuestionGen(p models.AIProvider) *QuestionGen {
	return &QuestionGen{provider: p}
}

func (a *QuestionGen) Type() models.JobType { return models.JobTypeQuestionGen }

func (a *QuestionGen) Execute(ctx context.Context, job *models.JobExecution) (Result, error) {
	spec, err := specAs[models.QuestionGenSpec](job)
	if err != nil {
		return Result{}, err
	}

	prompt := fmt.Sprintf(
		"Write exactly %d %s %s questions for topic %s. "+
			`Reply with JSON: {"questions": [{"text": string, "options": [string], "answer": string}]}.`,
		spec.Count, spec.Difficulty, spec.QuestionType, spec.TopicID,
	) + contextBlock(job.Input)

	var out QuestionGenOutput
	c, err := completeJSON(ctx, a.provider, models.CompletionRequest{
		System:    "You write clear, unambiguous school assessment questions.",
		Prompt:    prompt,
		MaxTokens: 300 * spec.Count,
	}, &out)
	if err != nil {
		return Result{}, err
	}
	if len(out.Questions) < spec.Count {
		return Result{}, &Error{
			Kind:    KindBadOutput,
			Message: fmt.Sprintf("asked for %d questions, got %d", spec.Count, len(out.Questions)),
			Err:     models.ErrInvalidResponse,
		}
	}

	out.Questions = out.Questions[:spec.Count]
	out.Model = c.Model
	out.CreatedQuestionIDs = make([]uuid.UUID, 0, len(out.Questions))
	for i := range out.Questions {
		out.Questions[i].ID = uuid.New()
		out.CreatedQuestionIDs = append(out.CreatedQuestionIDs, out.Questions[i].ID)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("encode questions: %w", err)
	}
	return Result{Output: raw, TokensUsed: c.TotalTokens()}, nil
}
