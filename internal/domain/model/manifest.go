package model

import (
	"slices"
	"time"
)

// Capability names a narrow interface a plugin may use from its host.
type Capability string

const (
	CapHTTP      Capability = "http"
	CapIdentity  Capability = "identity"
	CapAuth      Capability = "auth"
	CapKnowledge Capability = "knowledge"
	CapStorage   Capability = "storage"
	CapCursor    Capability = "cursor"
	CapCache     Capability = "cache"
	CapOCR       Capability = "ocr"
	CapLog       Capability = "log"
	CapUtil      Capability = "util"
	CapSecrets   Capability = "secrets"
)

var knownCapabilities = []Capability{
	CapHTTP, CapIdentity, CapAuth, CapKnowledge, CapStorage, CapCursor,
	CapCache, CapOCR, CapLog, CapUtil, CapSecrets,
}

// Known reports whether c is a capability the host can construct.
func (c Capability) Known() bool {
	return slices.Contains(knownCapabilities, c)
}

// ExpandCapabilities returns the declared set with implied capabilities added
// and duplicates removed. Knowledge ingestion always implies cursor.
func ExpandCapabilities(declared []Capability) []Capability {
	out := make([]Capability, 0, len(declared)+1)
	for _, c := range declared {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	if slices.Contains(out, CapKnowledge) && !slices.Contains(out, CapCursor) {
		out = append(out, CapCursor)
	}
	return out
}

// Quota bounds how many requests a plugin may make.
// Zero means unlimited.
type Quota struct {
	Daily   int
	Monthly int
}

// AuthSpec declares the token an operation needs.
type AuthSpec struct {
	Provider string
	Mode     AuthMode
	Scopes   []string
	// SubjectParam names the params key holding the impersonation subject
	// for domain_delegate mode. Defaults to "subject".
	SubjectParam string
}

// SecretRequirement declares a secret an operation needs and where it may
// come from.
type SecretRequirement struct {
	Key   string
	Scope SecretScope
}

// Operation is a single callable entry point of a plugin.
type Operation struct {
	Name string
	// Contexts lists the call contexts allowed to run the operation.
	// Empty allows every context.
	Contexts       []CallContext
	ParamsSchema   []byte
	Auth           *AuthSpec
	Secrets        []SecretRequirement
	Timeout        time.Duration
	MaxOutputBytes int
}

// Permits reports whether the operation may run in the given call context.
func (o Operation) Permits(ctx CallContext) bool {
	return len(o.Contexts) == 0 || slices.Contains(o.Contexts, ctx)
}

// SecretScopeFor returns the declared scope for key, defaulting to
// SecretScopeSystemOrUser for undeclared keys.
func (o Operation) SecretScopeFor(key string) SecretScope {
	for _, s := range o.Secrets {
		if s.Key == key {
			return s.Scope
		}
	}
	return SecretScopeSystemOrUser
}

// Manifest is a plugin's capability declaration.
type Manifest struct {
	Name         string
	Version      string
	Enabled      bool
	Capabilities []Capability
	Egress       []string
	Quota        Quota
	Operations   map[string]Operation
}

// Operation looks up an operation by name.
func (m Manifest) Operation(name string) (Operation, bool) {
	op, ok := m.Operations[name]
	return op, ok
}
