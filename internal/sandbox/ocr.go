package sandbox

import (
	"context"
	"errors"

	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// ErrOCRUnavailable is returned when no OCR endpoint is configured.
var ErrOCRUnavailable = errors.New("ocr service not configured")

type ocrCap struct {
	client driven.OCRClient
}

// Extract returns the text found in image.
func (o *ocrCap) Extract(ctx context.Context, image []byte, mimeType string) (string, error) {
	if o.client == nil {
		return "", ErrOCRUnavailable
	}
	if len(image) == 0 {
		return "", errors.New("empty image")
	}
	return o.client.Extract(ctx, image, mimeType)
}
