package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ericfisherdev/plughub/internal/sandbox"
)

// Names of the built-in plugins.
const (
	WebClip = "webclip"
	GitHub  = "github"
)

// RegisterBuiltins installs the plugins shipped with plughub. Their
// manifests live in the plugins/ directory.
func RegisterBuiltins(r *Registry) {
	r.Register(WebClip, "ingest", webClipIngest)
	r.Register(GitHub, "whoami", gitHubWhoAmI)
}

type webClipParams struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type webClipResult struct {
	SourceID string `json:"source_id"`
	Bytes    int    `json:"bytes"`
	Changed  bool   `json:"changed"`
}

// webClipIngest fetches a page and stores its text in the knowledge base.
// Unchanged pages, detected by content hash, are skipped.
func webClipIngest(ctx context.Context, host *sandbox.Host, raw json.RawMessage) (any, error) {
	var p webClipParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", p.URL)
	}

	client, err := host.HTTP()
	if err != nil {
		return nil, err
	}
	knowledge, err := host.Knowledge()
	if err != nil {
		return nil, err
	}
	cursor, err := host.Cursor()
	if err != nil {
		return nil, err
	}
	util, err := host.Util()
	if err != nil {
		return nil, err
	}
	log, err := host.Log()
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(ctx, sandbox.Request{
		URL:     u.String(),
		Headers: map[string]string{"Accept": "text/html, text/plain;q=0.9"},
	})
	if err != nil {
		return nil, err
	}

	sourceID := u.String()
	res := webClipResult{SourceID: sourceID, Bytes: len(resp.Body)}

	hash := util.Hash(resp.Body)
	prev, ok, err := cursor.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if ok && prev == hash {
		log.Info("page unchanged", "url", sourceID)
		return res, nil
	}

	format := sandbox.FormatHTML
	ct := strings.ToLower(resp.Headers.Get("Content-Type"))
	switch {
	case strings.HasPrefix(ct, "text/markdown"):
		format = sandbox.FormatMarkdown
	case strings.HasPrefix(ct, "text/plain"):
		format = sandbox.FormatText
	}

	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = u.Host + u.Path
	}
	err = knowledge.Ingest(ctx, sandbox.Document{
		SourceID: sourceID,
		Title:    title,
		Content:  string(resp.Body),
		Format:   format,
	})
	if err != nil {
		return nil, err
	}
	if err := cursor.Set(ctx, sourceID, hash); err != nil {
		return nil, err
	}

	res.Changed = true
	log.Info("page ingested", "url", sourceID, "bytes", res.Bytes)
	return res, nil
}

// gitHubAPI is the base URL of the GitHub REST API.
const gitHubAPI = "https://api.github.com"

type gitHubUser struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// gitHubWhoAmI returns the profile of the account behind the user's GitHub
// grant, preferring the linked identity when one is recorded.
func gitHubWhoAmI(ctx context.Context, host *sandbox.Host, _ json.RawMessage) (any, error) {
	if id, err := host.Identity(); err == nil {
		linked, err := id.Identity(ctx, GitHub)
		if err != nil && !errors.Is(err, sandbox.ErrIdentityUnavailable) {
			return nil, err
		}
		if linked != nil {
			return gitHubUser{Login: linked.AccountID, Name: linked.DisplayName, Email: linked.Email}, nil
		}
	}

	auth, err := host.Auth()
	if err != nil {
		return nil, err
	}
	token, err := auth.OperationToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, errors.New("github authorization unavailable")
	}

	client, err := host.HTTP()
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(ctx, sandbox.Request{
		URL: gitHubAPI + "/user",
		Headers: map[string]string{
			"Authorization":        "Bearer " + token,
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": "2022-11-28",
		},
	})
	if err != nil {
		return nil, err
	}

	var user gitHubUser
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("decoding github user: %w", err)
	}
	return user, nil
}
