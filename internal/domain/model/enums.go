package model

// StorageScope partitions storage entries between a single user and the
// whole installation.
type StorageScope string

const (
	ScopeUser   StorageScope = "user"
	ScopeSystem StorageScope = "system"
)

// Valid reports whether s is a known storage scope.
func (s StorageScope) Valid() bool {
	return s == ScopeUser || s == ScopeSystem
}

// SecretScope constrains where a declared secret may be resolved from.
type SecretScope int

const (
	// SecretScopeSystemOrUser checks the user scope first and falls back to
	// the system scope.
	SecretScopeSystemOrUser SecretScope = iota
	SecretScopeUser
	SecretScopeSystem
)

// String returns the manifest spelling of the secret scope.
func (s SecretScope) String() string {
	switch s {
	case SecretScopeUser:
		return "user"
	case SecretScopeSystem:
		return "system"
	case SecretScopeSystemOrUser:
		return "system_or_user"
	default:
		return "unknown"
	}
}

// ParseSecretScope maps a manifest value onto a SecretScope. The empty string
// selects SecretScopeSystemOrUser.
func ParseSecretScope(s string) (SecretScope, bool) {
	switch s {
	case "", "system_or_user":
		return SecretScopeSystemOrUser, true
	case "user":
		return SecretScopeUser, true
	case "system":
		return SecretScopeSystem, true
	default:
		return 0, false
	}
}

// AuthMode is the OAuth delegation strategy an operation uses.
type AuthMode string

const (
	AuthModeUser           AuthMode = "user"
	AuthModeDomainDelegate AuthMode = "domain_delegate"
	AuthModeServiceAccount AuthMode = "service_account"
)

// Valid reports whether m is a known auth mode.
func (m AuthMode) Valid() bool {
	switch m {
	case AuthModeUser, AuthModeDomainDelegate, AuthModeServiceAccount:
		return true
	default:
		return false
	}
}

// CallContext distinguishes how an execution was requested.
type CallContext string

const (
	CallInteractive CallContext = "interactive"
	CallScheduled   CallContext = "scheduled"
)
