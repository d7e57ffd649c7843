package billing

import (
	"context"

	"github.com/google/uuid"
)

// TierResolver reports the tier a user currently pays for
type TierResolver interface {
	ResolveTier(ctx context.Context, userID uuid.UUID) (string, error)
}

// RepositoryInterface defines the subscription persistence operations
type RepositoryInterface interface {
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
}
