package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/resilience"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"go.uber.org/zap"
)

// SubscriptionRetriever fetches a subscription from Stripe
type SubscriptionRetriever interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type stripeSubscriptions struct {
	client *stripe.Client
}

// NewStripeRetriever creates a retriever using the given secret key
func NewStripeRetriever(secretKey string) SubscriptionRetriever {
	return &stripeSubscriptions{client: stripe.NewClient(secretKey)}
}

func (s *stripeSubscriptions) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return s.client.V1Subscriptions.Retrieve(ctx, id, &stripe.SubscriptionRetrieveParams{})
}

// StripeResolver asks Stripe for the live state of the subscription on file
// and writes what it learns back to the subscriptions table.
type StripeResolver struct {
	repo       RepositoryInterface
	stripe     SubscriptionRetriever
	priceTiers map[string]string
	policy     *config.Policy
	now        func() time.Time
}

var _ TierResolver = (*StripeResolver)(nil)

// NewStripeResolver creates a Stripe backed resolver. priceTiers maps a price
// ID or lookup key to a tier name.
func NewStripeResolver(repo RepositoryInterface, retriever SubscriptionRetriever, priceTiers map[string]string, policy *config.Policy) *StripeResolver {
	return &StripeResolver{
		repo:       repo,
		stripe:     retriever,
		priceTiers: priceTiers,
		policy:     policy,
		now:        time.Now,
	}
}

// WithNow overrides the clock
func (r *StripeResolver) WithNow(now func() time.Time) *StripeResolver {
	r.now = now
	return r
}

// ResolveTier returns the tier Stripe currently bills the user for
func (r *StripeResolver) ResolveTier(ctx context.Context, userID uuid.UUID) (string, error) {
	sub, err := r.repo.GetSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.policy.DefaultTier, nil
	}
	if err != nil {
		return "", err
	}

	now := r.now()
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID == "" {
		if !sub.IsActive(now) {
			return r.policy.DefaultTier, nil
		}
		return knownTier(ctx, r.policy, sub.Tier), nil
	}

	remote, err := r.stripe.RetrieveSubscription(ctx, *sub.StripeSubscriptionID)
	if err != nil {
		return "", fmt.Errorf("retrieve stripe subscription: %w", err)
	}

	updated := &Subscription{
		UserID:               userID,
		Tier:                 sub.Tier,
		Status:               SubscriptionStatus(remote.Status),
		StripeSubscriptionID: sub.StripeSubscriptionID,
		UpdatedAt:            now,
	}
	if tier, periodEnd, ok := r.tierFromItems(remote); ok {
		updated.Tier = tier
		updated.CurrentPeriodEnd = periodEnd
	}

	if err := r.repo.UpsertSubscription(ctx, updated); err != nil {
		logger.WithContext(ctx).Warn("failed to store stripe subscription state",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}

	if !updated.IsActive(now) {
		return r.policy.DefaultTier, nil
	}
	return knownTier(ctx, r.policy, updated.Tier), nil
}

// transientLookupError reports whether a failed lookup may succeed on retry
func transientLookupError(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return resilience.IsRetryableHTTPStatus(stripeErr.HTTPStatusCode)
	}
	return true
}

func (r *StripeResolver) tierFromItems(sub *stripe.Subscription) (string, *time.Time, bool) {
	if sub == nil || sub.Items == nil {
		return "", nil, false
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier, ok := r.priceTiers[item.Price.ID]
		if !ok && item.Price.LookupKey != "" {
			tier, ok = r.priceTiers[item.Price.LookupKey]
		}
		if !ok {
			continue
		}
		var periodEnd *time.Time
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			periodEnd = &end
		}
		return tier, periodEnd, true
	}
	return "", nil, false
}
