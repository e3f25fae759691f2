package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/tutorledger/internal/ocr"
)

// Provider returns canned text per image path. Unknown paths yield
// ocr.ErrImageNotFound.
type Provider struct {
	mu    sync.Mutex
	texts map[string]ocr.Text
	calls int

	// Err, when set, is returned by every Extract call.
	Err error
}

func NewProvider() *Provider {
	return &Provider{texts: make(map[string]ocr.Text)}
}

func (p *Provider) Name() string { return "mock" }

// SetText registers the recognised text for path.
func (p *Provider) SetText(path, content string, confidence float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts[path] = ocr.Text{Content: content, Confidence: confidence}
}

func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Extract(_ context.Context, imagePath string) (ocr.Text, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return ocr.Text{}, p.Err
	}
	t, ok := p.texts[imagePath]
	if !ok {
		return ocr.Text{}, fmt.Errorf("%w: %s", ocr.ErrImageNotFound, imagePath)
	}
	return t, nil
}

var _ ocr.Provider = (*Provider)(nil)
