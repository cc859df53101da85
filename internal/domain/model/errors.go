package model

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors shared across layers.
var (
	ErrNotFound             = errors.New("not found")
	ErrObjectTooLarge       = errors.New("object exceeds storage size limit")
	ErrProviderNotSupported = errors.New("provider not supported")
	ErrSubjectRequired      = errors.New("domain delegation requires an impersonation subject")
	ErrSubjectForbidden     = errors.New("service account mode does not accept a subject")
	ErrQuotaExceeded        = errors.New("plugin request quota exceeded")
	ErrConcurrencyLimit     = errors.New("provider concurrency limit reached")
	ErrServiceAccountUnset  = errors.New("no service account configured for provider")
	// ErrGrantRevoked is matched by token endpoint errors reporting that a
	// refresh token is no longer valid.
	ErrGrantRevoked = errors.New("refresh grant revoked")
)

// CapabilityDeniedError is returned when plugin code reaches for a capability
// its manifest does not declare.
type CapabilityDeniedError struct {
	Plugin     string
	Capability Capability
}

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("capability %q not declared by plugin %q", e.Capability, e.Plugin)
}

// EgressDeniedError is returned when an outbound request targets a host
// outside the plugin's allowlist.
type EgressDeniedError struct {
	Plugin string
	Host   string
}

func (e *EgressDeniedError) Error() string {
	return fmt.Sprintf("egress to %q denied for plugin %q", e.Host, e.Plugin)
}

// HTTPCategory classifies an error status from an outbound call.
type HTTPCategory string

const (
	HTTPAuthError   HTTPCategory = "auth_error"
	HTTPForbidden   HTTPCategory = "forbidden"
	HTTPNotFound    HTTPCategory = "not_found"
	HTTPGone        HTTPCategory = "gone"
	HTTPRateLimited HTTPCategory = "rate_limited"
	HTTPServerError HTTPCategory = "server_error"
	HTTPClientError HTTPCategory = "client_error"
)

// HTTPRequestFailedError reports an outbound call that returned an error status.
type HTTPRequestFailedError struct {
	Method     string
	URL        string
	Status     int
	Category   HTTPCategory
	Retryable  bool
	RetryAfter time.Duration
}

func (e *HTTPRequestFailedError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d (%s)", e.Method, e.URL, e.Status, e.Category)
}

// ClassifyHTTPStatus builds an HTTPRequestFailedError from a response status
// and headers. now anchors HTTP-date Retry-After values.
func ClassifyHTTPStatus(method, url string, status int, header http.Header, now time.Time) *HTTPRequestFailedError {
	e := &HTTPRequestFailedError{Method: method, URL: url, Status: status}

	switch {
	case status == http.StatusUnauthorized:
		e.Category = HTTPAuthError
	case status == http.StatusForbidden:
		e.Category = HTTPForbidden
	case status == http.StatusNotFound:
		e.Category = HTTPNotFound
	case status == http.StatusGone:
		e.Category = HTTPGone
	case status == http.StatusTooManyRequests:
		e.Category = HTTPRateLimited
		e.Retryable = true
	case status >= 500:
		e.Category = HTTPServerError
		e.Retryable = true
	default:
		e.Category = HTTPClientError
		e.Retryable = status == http.StatusRequestTimeout
	}

	if e.Retryable {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	}
	return e
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IdentityCode is the machine-readable reason an execution was rejected
// before it started.
type IdentityCode string

const (
	CodeSubscriptionRequired  IdentityCode = "subscription_required"
	CodeInsufficientScopes    IdentityCode = "insufficient_scopes"
	CodeMissingSecrets        IdentityCode = "missing_secrets"
	CodePluginDisabled        IdentityCode = "plugin_disabled"
	CodeOperationNotPermitted IdentityCode = "operation_not_permitted"
	CodeInvalidParams         IdentityCode = "invalid_params"
	CodeUnknownOperation      IdentityCode = "unknown_operation"
)

// IdentityError blocks an execution during preflight. Details never carry
// raw provider error text.
type IdentityError struct {
	Code     IdentityCode
	Message  string
	Provider string
	Details  []string
}

func (e *IdentityError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Details, ", "))
	}
	return e.Message
}

// EncryptionError reports secret material that could not be sealed or opened.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}
