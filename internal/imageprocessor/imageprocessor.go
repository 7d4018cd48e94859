// Package imageprocessor turns uploaded image bytes into a fingerprint.
package imageprocessor

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/example/cardscan/internal/fingerprint"
)

// Result contains the outcome of processing one image.
type Result struct {
	Fingerprint fingerprint.Fingerprint
	Format      string
	Width       int
	Height      int
}

// Client exposes the subset of functionality used by the identify flow.
type Client interface {
	Process(ctx context.Context, imageBytes []byte) (*Result, error)
}

// Local processes images in-process.
type Local struct{}

var _ Client = Local{}

// NewLocal returns an in-process image processor.
func NewLocal() Local {
	return Local{}
}

// Process decodes imageBytes and fingerprints the result. Undecodable input
// yields an error wrapping fingerprint.ErrDecode.
func (Local) Process(ctx context.Context, imageBytes []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fingerprint.ErrDecode, err)
	}
	fp, err := fingerprint.FromImage(img)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	return &Result{
		Fingerprint: fp,
		Format:      format,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}
