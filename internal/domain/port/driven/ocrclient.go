package driven

import "context"

// OCRClient extracts text from an image.
type OCRClient interface {
	Extract(ctx context.Context, image []byte, mimeType string) (string, error)
}
