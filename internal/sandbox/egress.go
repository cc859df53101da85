package sandbox

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// hostMatcher checks hostnames against an exact and wildcard allowlist.
// "*.example.com" matches any subdomain of example.com but not example.com
// itself. An empty allowlist denies everything.
type hostMatcher struct {
	exact    map[string]bool
	suffixes []string
}

func newHostMatcher(hosts []string) *hostMatcher {
	m := &hostMatcher{exact: make(map[string]bool, len(hosts))}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, "*.") {
			m.suffixes = append(m.suffixes, h[1:])
		} else {
			m.exact[h] = true
		}
	}
	return m
}

func (m *hostMatcher) allowed(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if m.exact[host] {
		return true
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// egressTransport is an http.RoundTripper that rejects requests to hosts
// outside the plugin's allowlist before they leave the process. Redirects
// pass through RoundTrip again, so they are checked too.
type egressTransport struct {
	base    http.RoundTripper
	matcher *hostMatcher
	owner   owner
	diag    *diagnostics.Recorder
}

func newEgressTransport(base http.RoundTripper, o owner, egress []string, diag *diagnostics.Recorder) *egressTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &egressTransport{
		base:    base,
		matcher: newHostMatcher(egress),
		owner:   o,
		diag:    diag,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *egressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := strings.ToLower(req.URL.Hostname())
	if t.matcher.allowed(host) {
		return t.base.RoundTrip(req)
	}

	slog.Warn("egress blocked", "plugin", t.owner.plugin, "host", host)
	t.diag.Emit(diagnostics.Event{
		Event:       diagnostics.EventEgressBlocked,
		Level:       slog.LevelWarn,
		Plugin:      t.owner.plugin,
		UserID:      t.owner.userID,
		ExecutionID: t.owner.executionID,
		Fields:      map[string]any{"host": host},
	})
	if req.Body != nil {
		_ = req.Body.Close()
	}
	return nil, &model.EgressDeniedError{Plugin: t.owner.plugin, Host: host}
}
