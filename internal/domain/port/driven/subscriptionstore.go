package driven

import (
	"context"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// SubscriptionStore defines the driven port for the consent ledger.
type SubscriptionStore interface {
	Add(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	Remove(ctx context.Context, userID, provider, plugin string) error
	// ListForProvider returns every subscription a user holds for a provider.
	ListForProvider(ctx context.Context, userID, provider string) ([]model.Subscription, error)
}
