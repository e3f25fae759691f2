package vllm

import (
	"time"

	"github.com/kiranshivaraju/tutorledger/internal/ai/openai"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// Provider implements models.AIProvider using vLLM's OpenAI-compatible server.
type Provider struct {
	*openai.Provider
}

func NewProvider(cfg config.VLLMConfig, timeout time.Duration) *Provider {
	return &Provider{Provider: openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model, timeout)}
}

var _ models.AIProvider = (*Provider)(nil)
