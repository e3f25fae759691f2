// Package gcpvision runs DOCUMENT_TEXT_DETECTION on exam sheets with Google
// Cloud Vision. Images are read from Cloud Storage for gs:// paths and from the
// local filesystem otherwise.
package gcpvision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/ocr"
)

// Provider implements ocr.Provider.
type Provider struct {
	vision   *vision.ImageAnnotatorClient
	storage  *storage.Client
	maxBytes int64
}

// NewProvider dials the Vision and Storage APIs. An empty credentials file
// falls back to application default credentials.
func NewProvider(ctx context.Context, cfg config.OCRConfig) (*Provider, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	vc, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	sc, err := storage.NewClient(ctx, opts...)
	if err != nil {
		_ = vc.Close()
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &Provider{vision: vc, storage: sc, maxBytes: cfg.MaxImageBytes}, nil
}

func (p *Provider) Name() string { return "gcp_vision" }

// Close releases both API clients.
func (p *Provider) Close() error {
	return errors.Join(p.vision.Close(), p.storage.Close())
}

func (p *Provider) Extract(ctx context.Context, imagePath string) (ocr.Text, error) {
	img, err := p.load(ctx, imagePath)
	if err != nil {
		return ocr.Text{}, err
	}

	resp, err := p.vision.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: img},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
			},
		}},
	})
	if err != nil {
		return ocr.Text{}, fmt.Errorf("%w: batch annotate: %v", ocr.ErrUnavailable, err)
	}
	return textFromResponse(resp)
}

func (p *Provider) load(ctx context.Context, imagePath string) ([]byte, error) {
	if !ocr.IsGCSPath(imagePath) {
		return ocr.ReadLocalFile(imagePath, p.maxBytes)
	}

	bucket, object, err := ocr.SplitGCSPath(imagePath)
	if err != nil {
		return nil, err
	}
	r, err := p.storage.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s", ocr.ErrImageNotFound, imagePath)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ocr.ErrUnavailable, imagePath, err)
	}
	defer r.Close()

	data, err := ocr.ReadLimited(r, p.maxBytes)
	if err != nil {
		if errors.Is(err, ocr.ErrImageTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read %s: %v", ocr.ErrUnavailable, imagePath, err)
	}
	return data, nil
}

// textFromResponse flattens the first annotation into text plus the mean block
// confidence across pages.
func textFromResponse(resp *visionpb.BatchAnnotateImagesResponse) (ocr.Text, error) {
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return ocr.Text{}, nil
	}
	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return ocr.Text{}, fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}

	fta := r0.FullTextAnnotation
	if fta == nil || strings.TrimSpace(fta.Text) == "" {
		return ocr.Text{}, nil
	}

	var (
		sum float64
		n   int
	)
	for _, pg := range fta.Pages {
		if pg == nil {
			continue
		}
		for _, b := range pg.Blocks {
			if b == nil {
				continue
			}
			sum += float64(b.Confidence)
			n++
		}
	}

	out := ocr.Text{Content: fta.Text}
	if n > 0 {
		out.Confidence = sum / float64(n)
	}
	return out, nil
}

var _ ocr.Provider = (*Provider)(nil)
