// Package models contains shared data models used across the tutorledger codebase.
package models

import (
	"context"
	"errors"
)

// AIProvider is the core interface that all AI integrations must implement.
// Never call specific AI providers directly; inject this interface.
type AIProvider interface {
	// Complete runs one prompt and reports the token usage billed for it.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// CompletionRequest is the input to a single AI call.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
	// JSON asks the provider for a JSON object response when supported.
	JSON bool
}

// Completion is the provider's answer plus usage accounting.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

func (c Completion) TotalTokens() int64 {
	return int64(c.PromptTokens + c.CompletionTokens)
}

// Provider failure classes. Adapters map these onto retryable and terminal
// job failures.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)
