package plugin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/plughub/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/plugin"
	"github.com/ericfisherdev/plughub/internal/sandbox"
)

func newHost(deps sandbox.Deps, m model.Manifest, op, userID string) *sandbox.Host {
	return sandbox.NewHost(deps, sandbox.Invocation{Manifest: m, Operation: op, UserID: userID, ExecutionID: "e1"})
}

func TestRegistry_Dispatch(t *testing.T) {
	r := plugin.NewRegistry()
	r.Register("notes", "count", func(_ context.Context, host *sandbox.Host, params json.RawMessage) (any, error) {
		return host.Plugin() + ":" + string(params), nil
	})

	host := newHost(sandbox.Deps{}, model.Manifest{Name: "notes"}, "count", "")
	out, err := r.Invoke(context.Background(), host, "count", json.RawMessage(`7`))
	require.NoError(t, err)
	assert.Equal(t, "notes:7", out)

	_, err = r.Invoke(context.Background(), host, "missing", nil)
	assert.ErrorIs(t, err, plugin.ErrNoHandler)

	other := newHost(sandbox.Deps{}, model.Manifest{Name: "other"}, "count", "")
	_, err = r.Invoke(context.Background(), other, "count", nil)
	assert.ErrorIs(t, err, plugin.ErrNoHandler, "handlers are bound to their plugin")

	assert.Equal(t, []string{"notes.count"}, r.Operations())
}

func TestRegisterBuiltins(t *testing.T) {
	r := plugin.NewRegistry()
	plugin.RegisterBuiltins(r)
	assert.Equal(t, []string{"github.whoami", "webclip.ingest"}, r.Operations())
}

func openDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(context.Background(), filepath.Join(t.TempDir(), "plughub.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.RunMigrations(db.Writer))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func webClipManifest() model.Manifest {
	return model.Manifest{
		Name:         plugin.WebClip,
		Enabled:      true,
		Capabilities: []model.Capability{model.CapHTTP, model.CapKnowledge, model.CapUtil, model.CapLog},
		Egress:       []string{"127.0.0.1"},
		Operations:   map[string]model.Operation{"ingest": {}},
	}
}

func TestWebClipIngest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<h1>Release notes</h1><p>Fixed &amp; shipped.</p><script>x()</script>"))
	}))
	defer srv.Close()

	db := openDB(t)
	knowledge := sqlite.NewKnowledgeRepo(db)
	deps := sandbox.Deps{
		Storage:   application.NewStorageService(sqlite.NewStorageRepo(db), 0),
		Knowledge: knowledge,
	}
	r := plugin.NewRegistry()
	plugin.RegisterBuiltins(r)
	ctx := context.Background()
	params := json.RawMessage(`{"url":"` + srv.URL + `/notes","title":"Notes"}`)

	out, err := r.Invoke(ctx, newHost(deps, webClipManifest(), "ingest", "u1"), "ingest", params)
	require.NoError(t, err)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source_id":"`+srv.URL+`/notes","bytes":69,"changed":true}`, string(data))

	doc, err := knowledge.Get(ctx, plugin.WebClip, "u1", srv.URL+"/notes")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Notes", doc.Title)
	assert.Equal(t, "Release notes\nFixed & shipped.", doc.Text)
	assert.Equal(t, sandbox.FormatHTML, doc.ContentType)

	out, err = r.Invoke(ctx, newHost(deps, webClipManifest(), "ingest", "u1"), "ingest", params)
	require.NoError(t, err)
	data, err = json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"changed":false`)
	assert.Equal(t, int32(2), hits.Load())
}

func TestWebClipIngest_RejectsBadInput(t *testing.T) {
	r := plugin.NewRegistry()
	plugin.RegisterBuiltins(r)
	host := newHost(sandbox.Deps{}, webClipManifest(), "ingest", "u1")

	_, err := r.Invoke(context.Background(), host, "ingest", json.RawMessage(`{"url":"ftp://example.com/x"}`))
	assert.Error(t, err)

	_, err = r.Invoke(context.Background(), host, "ingest", json.RawMessage(`{"url":"https://example.com/x"}`))
	var denied *model.EgressDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestWebClipIngest_NeedsDeclaredCapabilities(t *testing.T) {
	r := plugin.NewRegistry()
	plugin.RegisterBuiltins(r)
	m := webClipManifest()
	m.Capabilities = []model.Capability{model.CapHTTP}

	_, err := r.Invoke(context.Background(), newHost(sandbox.Deps{}, m, "ingest", "u1"), "ingest",
		json.RawMessage(`{"url":"https://example.com/x"}`))
	var denied *model.CapabilityDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, model.CapKnowledge, denied.Capability)
}

type identities map[string]model.ProviderIdentity

func (i identities) Identity(_ context.Context, userID, _ string) (*model.ProviderIdentity, error) {
	id, ok := i[userID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

type noToken struct{}

func (noToken) Resolve(context.Context, model.AuthRequest) (string, error) { return "", nil }

type unrestricted struct{}

func (unrestricted) Allowed(context.Context, string, string, string) (bool, error) { return true, nil }

func TestGitHubWhoAmI(t *testing.T) {
	r := plugin.NewRegistry()
	plugin.RegisterBuiltins(r)
	m := model.Manifest{
		Name:         plugin.GitHub,
		Capabilities: []model.Capability{model.CapIdentity, model.CapAuth, model.CapHTTP},
		Egress:       []string{"api.github.com"},
		Operations: map[string]model.Operation{
			"whoami": {Auth: &model.AuthSpec{Provider: "github", Mode: model.AuthModeUser, Scopes: []string{"read:user"}}},
		},
	}
	deps := sandbox.Deps{
		Identities:    identities{"u1": {AccountID: "octocat", DisplayName: "The Octocat"}},
		Broker:        noToken{},
		Subscriptions: unrestricted{},
	}

	out, err := r.Invoke(context.Background(), newHost(deps, m, "whoami", "u1"), "whoami", nil)
	require.NoError(t, err)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"login":"octocat","name":"The Octocat","email":""}`, string(data))

	_, err = r.Invoke(context.Background(), newHost(deps, m, "whoami", "u2"), "whoami", nil)
	assert.ErrorContains(t, err, "authorization unavailable")
}
