// Package ocr implements the OCR port against an HTTP text-extraction
// service that accepts a multipart image upload and answers with JSON.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.OCRClient = (*Client)(nil)

const (
	// MaxImageBytes bounds uploads.
	MaxImageBytes    = 20 << 20
	maxResponseBytes = 4 << 20
)

// ErrImageTooLarge is returned for images above MaxImageBytes.
var ErrImageTooLarge = errors.New("image exceeds OCR upload limit")

// Config configures the OCR client.
type Config struct {
	// Endpoint receives POST multipart/form-data with the image in "file".
	Endpoint   string
	APIKey     string
	Language   string
	HTTPClient *http.Client
}

// Client extracts text through a remote OCR service.
type Client struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("ocr endpoint is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg, client: client, now: time.Now}, nil
}

type extractResponse struct {
	Text  string `json:"text"`
	Pages []struct {
		Text string `json:"text"`
	} `json:"pages"`
}

// Extract uploads image and returns the recognized text. Multi-page
// responses are joined with blank lines.
func (c *Client) Extract(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty image")
	}
	if len(image) > MaxImageBytes {
		return "", fmt.Errorf("%d bytes: %w", len(image), ErrImageTooLarge)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	hdr.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", fmt.Errorf("creating upload: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if c.cfg.Language != "" {
		if err := mw.WriteField("language", c.cfg.Language); err != nil {
			return "", fmt.Errorf("writing upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return "", model.ClassifyHTTPStatus(http.MethodPost, req.URL.Redacted(), resp.StatusCode, resp.Header, c.now())
	}

	var out extractResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding ocr response: %w", err)
	}

	if len(out.Pages) == 0 {
		return strings.TrimSpace(out.Text), nil
	}
	pages := make([]string, 0, len(out.Pages))
	for _, p := range out.Pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			pages = append(pages, t)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
