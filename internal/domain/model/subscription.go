package model

import "time"

// Subscription records a user's consent for a plugin to use their delegated
// credential for a provider.
type Subscription struct {
	ID        int64
	UserID    string
	Provider  string
	Plugin    string
	AccountID string
	CreatedAt time.Time
}
