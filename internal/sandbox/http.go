package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// DefaultMaxResponseBytes caps response bodies read by the HTTP capability.
const DefaultMaxResponseBytes int64 = 10 << 20

// ErrResponseTooLarge is returned when a response body exceeds the ceiling.
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// Request is an outbound call made by plugin code.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	// Timeout bounds this call in addition to the execution deadline.
	Timeout time.Duration
}

// Response is a fully read 2xx response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

type httpCap struct {
	owner
	client   *http.Client
	maxBytes int64
	diag     *diagnostics.Recorder
	now      func() time.Time
}

func newHTTP(o owner, egress []string, deps Deps) *httpCap {
	maxBytes := deps.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &httpCap{
		owner: o,
		client: &http.Client{
			Transport: newEgressTransport(deps.Transport, o, egress, deps.Diagnostics),
		},
		maxBytes: maxBytes,
		diag:     deps.Diagnostics,
		now:      deps.Now,
	}
}

// Do sends req. A host outside the allowlist fails with
// *model.EgressDeniedError; a non-2xx status fails with
// *model.HTTPRequestFailedError.
func (c *httpCap) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		var denied *model.EgressDeniedError
		if errors.As(err, &denied) {
			return nil, denied
		}
		return nil, fmt.Errorf("%s %s: %w", method, redactURL(httpReq.URL), err)
	}
	defer resp.Body.Close()

	c.diag.Emit(diagnostics.Event{
		Event:       diagnostics.EventHTTPRequest,
		Level:       slog.LevelDebug,
		Plugin:      c.plugin,
		UserID:      c.userID,
		ExecutionID: c.executionID,
		Fields: map[string]any{
			"method":      method,
			"host":        httpReq.URL.Hostname(),
			"status":      resp.StatusCode,
			"duration_ms": c.now().Sub(start).Milliseconds(),
		},
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBytes))
		return nil, model.ClassifyHTTPStatus(method, redactURL(httpReq.URL), resp.StatusCode, resp.Header, c.now())
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("%s %s: %w (%d bytes)", method, redactURL(httpReq.URL), ErrResponseTooLarge, c.maxBytes)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    data,
	}, nil
}

// redactURL drops the query string and user info, which may carry tokens.
func redactURL(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	c.Fragment = ""
	return c.String()
}
