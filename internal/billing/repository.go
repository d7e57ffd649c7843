package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrSubscriptionNotFound is returned when a user never had a subscription
var ErrSubscriptionNotFound = errors.New("billing: subscription not found")

// Repository handles subscription data access
type Repository struct {
	db database.DB
}

var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a new billing repository
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// GetSubscription returns the stored subscription of a user
func (r *Repository) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	query := `
		SELECT user_id, tier, status, stripe_subscription_id, current_period_end, updated_at
		FROM user_subscriptions
		WHERE user_id = $1
	`

	sub := &Subscription{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&sub.UserID,
		&sub.Tier,
		&sub.Status,
		&sub.StripeSubscriptionID,
		&sub.CurrentPeriodEnd,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription stores the latest known subscription. A missing Stripe
// subscription ID keeps the one already on file.
func (r *Repository) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO user_subscriptions (user_id, tier, status, stripe_subscription_id, current_period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, user_subscriptions.stripe_subscription_id),
			current_period_end = EXCLUDED.current_period_end,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Exec(ctx, query,
		sub.UserID,
		sub.Tier,
		sub.Status,
		sub.StripeSubscriptionID,
		sub.CurrentPeriodEnd,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}
