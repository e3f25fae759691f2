package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_ChatRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)
		assert.Equal(t, "llama3", req.Model)
		require.NotNil(t, req.Options)
		assert.Equal(t, 256, req.Options.NumPredict)

		w.Write([]byte(`{"message":{"role":"assistant","content":"{}"},"done":true,"prompt_eval_count":40,"eval_count":12}`))
	}))
	defer ts.Close()

	p := NewProvider(config.OllamaConfig{BaseURL: ts.URL, Model: "llama3"}, 5*time.Second)
	out, err := p.Complete(context.Background(), models.CompletionRequest{Prompt: "x", JSON: true, MaxTokens: 256})
	require.NoError(t, err)
	assert.Equal(t, "{}", out.Text)
	assert.Equal(t, 40, out.PromptTokens)
	assert.Equal(t, 12, out.CompletionTokens)
}

func TestComplete_NotDone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"message":{"content":"partial"},"done":false}`))
	}))
	defer ts.Close()

	p := NewProvider(config.OllamaConfig{BaseURL: ts.URL, Model: "llama3"}, 5*time.Second)
	_, err := p.Complete(context.Background(), models.CompletionRequest{Prompt: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}
