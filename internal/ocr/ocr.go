// Package ocr turns scanned exam sheets into extracted mark records.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	ErrImageNotFound = errors.New("exam sheet image not found")
	ErrImageTooLarge = errors.New("exam sheet image too large")
	ErrUnavailable   = errors.New("ocr provider unavailable")
)

// Text is the raw recognition output for one image.
type Text struct {
	Content string
	// Confidence is the provider's mean confidence in [0,1], or 0 when unknown.
	Confidence float64
}

// Provider reads the text off the image stored at imagePath.
type Provider interface {
	Name() string
	Extract(ctx context.Context, imagePath string) (Text, error)
}

// IsGCSPath reports whether path addresses a Cloud Storage object.
func IsGCSPath(path string) bool {
	return strings.HasPrefix(path, "gs://")
}

// SplitGCSPath splits gs://bucket/object into its bucket and object names.
func SplitGCSPath(path string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(path, "gs://")
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: malformed storage path %q", ErrImageNotFound, path)
	}
	return bucket, object, nil
}

// ReadLimited reads r fully, failing with ErrImageTooLarge past maxBytes.
// maxBytes <= 0 disables the bound.
func ReadLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrImageTooLarge, maxBytes)
	}
	return data, nil
}

// ReadLocalFile loads an image from the local filesystem.
func ReadLocalFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return ReadLimited(f, maxBytes)
}
