package ollama

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/tutorledger/internal/ai/transport"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// Provider implements models.AIProvider using Ollama's chat endpoint.
type Provider struct {
	model  string
	client *transport.Client
}

func NewProvider(cfg config.OllamaConfig, timeout time.Duration) *Provider {
	return &Provider{
		model:  cfg.Model,
		client: transport.New(cfg.BaseURL, nil, timeout),
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	body := chatRequest{Model: p.model, Stream: false}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.Format = "json"
	}
	if req.MaxTokens > 0 {
		body.Options = &options{NumPredict: req.MaxTokens}
	}

	var resp chatResponse
	if err := p.client.PostJSON(ctx, "/api/chat", body, &resp); err != nil {
		return models.Completion{}, fmt.Errorf("ollama chat: %w", err)
	}
	if !resp.Done {
		return models.Completion{}, fmt.Errorf("ollama chat: %w: response not done", models.ErrInvalidResponse)
	}

	return models.Completion{
		Text:             resp.Message.Content,
		Model:            p.model,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   string    `json:"format,omitempty"`
	Options  *options  `json:"options,omitempty"`
}

type chatResponse struct {
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

var _ models.AIProvider = (*Provider)(nil)
