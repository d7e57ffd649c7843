package billing

import (
	"context"
	"errors"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DatabaseResolver answers from the subscriptions table the billing system
// keeps up to date.
type DatabaseResolver struct {
	repo   RepositoryInterface
	policy *config.Policy
	now    func() time.Time
}

var _ TierResolver = (*DatabaseResolver)(nil)

// NewDatabaseResolver creates a resolver backed by stored subscriptions
func NewDatabaseResolver(repo RepositoryInterface, policy *config.Policy) *DatabaseResolver {
	return &DatabaseResolver{repo: repo, policy: policy, now: time.Now}
}

// WithNow overrides the clock
func (r *DatabaseResolver) WithNow(now func() time.Time) *DatabaseResolver {
	r.now = now
	return r
}

// ResolveTier returns the tier of the user's active subscription, or the
// default tier when there is none.
func (r *DatabaseResolver) ResolveTier(ctx context.Context, userID uuid.UUID) (string, error) {
	sub, err := r.repo.GetSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.policy.DefaultTier, nil
	}
	if err != nil {
		return "", err
	}
	if !sub.IsActive(r.now()) {
		return r.policy.DefaultTier, nil
	}
	return knownTier(ctx, r.policy, sub.Tier), nil
}

// knownTier maps a billing tier name onto the policy, falling back to the
// default tier for names the policy does not define.
func knownTier(ctx context.Context, policy *config.Policy, name string) string {
	tier, err := policy.Tiers.Get(name)
	if err != nil {
		logger.WithContext(ctx).Warn("subscription tier not in fraud policy, using default",
			zap.String("tier", name),
			zap.String("default_tier", policy.DefaultTier),
		)
		return policy.DefaultTier
	}
	return tier.Name
}
