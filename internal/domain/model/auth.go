package model

// AuthRequest asks the broker for a token under one delegation mode.
type AuthRequest struct {
	UserID   string
	Provider string
	Mode     AuthMode
	Scopes   []string
	// Subject is the account to impersonate in domain_delegate mode.
	Subject string
}
