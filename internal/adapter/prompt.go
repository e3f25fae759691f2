package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

// completeJSON runs one prompt and decodes the reply into out.
func completeJSON(ctx context.Context, p models.AIProvider, req models.CompletionRequest, out any) (models.Completion, error) {
	req.JSON = true
	c, err := p.Complete(ctx, req)
	if err != nil {
		return models.Completion{}, err
	}
	if err := json.Unmarshal([]byte(stripFences(c.Text)), out); err != nil {
		return c, &Error{Kind: KindBadOutput, Message: "model reply is not the expected JSON", Err: fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)}
	}
	return c, nil
}

// stripFences removes a surrounding ```json ... ``` block some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// contextBlock renders the optional job input for a prompt.
func contextBlock(input json.RawMessage) string {
	if len(input) == 0 || string(input) == "null" {
		return ""
	}
	return "\n\nContext (JSON):\n" + string(input)
}
