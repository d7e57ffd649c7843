package billing

import (
	"context"
	"errors"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/redis"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/resilience"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const tierCacheKeyPrefix = "fraud:tier:"

var tierResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fraud_tier_resolutions_total",
	Help: "Tier resolutions by the source that answered",
}, []string{"source"})

type cachedTier struct {
	Tier string `json:"tier"`
}

// CachedResolver puts a Redis cache and a circuit breaker in front of another
// resolver. When the resolver is failing it answers with the last stored
// tier, then with the default tier, and never returns an error.
type CachedResolver struct {
	next    TierResolver
	repo    RepositoryInterface
	cache   *redis.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	ttl     time.Duration
	policy  *config.Policy
}

var _ TierResolver = (*CachedResolver)(nil)

// NewCachedResolver wraps next. cache may be nil.
func NewCachedResolver(next TierResolver, repo RepositoryInterface, cache *redis.Client, ttl time.Duration, policy *config.Policy) *CachedResolver {
	return &CachedResolver{
		next:    next,
		repo:    repo,
		cache:   cache,
		breaker: resilience.NewCircuitBreaker(resilience.BuildSettings("tier-resolver", 60, 30, 5, 1), resilience.GracefulDegradation("tier-resolver")),
		retry:   TierLookupRetry(),
		ttl:     ttl,
		policy:  policy,
	}
}

// TierLookupRetry is the retry policy for lookups made while a check waits.
// Client errors from Stripe are final.
func TierLookupRetry() resilience.RetryConfig {
	cfg := resilience.ConservativeRetryConfig()
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 200 * time.Millisecond
	cfg.RetryableChecker = transientLookupError
	return cfg
}

// WithRetry overrides the retry policy
func (c *CachedResolver) WithRetry(cfg resilience.RetryConfig) *CachedResolver {
	c.retry = cfg
	return c
}

// ResolveTier implements TierResolver
func (c *CachedResolver) ResolveTier(ctx context.Context, userID uuid.UUID) (string, error) {
	key := tierCacheKeyPrefix + userID.String()

	if c.cache != nil {
		var entry cachedTier
		err := c.cache.GetJSON(ctx, key, &entry)
		if err == nil && entry.Tier != "" {
			tierResolutions.WithLabelValues("cache").Inc()
			return entry.Tier, nil
		}
		if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
			logger.WithContext(ctx).Warn("tier cache read failed", zap.Error(err))
		}
	}

	result, err := resilience.RetryWithBreaker(ctx, c.retry, c.breaker, func(ctx context.Context) (interface{}, error) {
		return c.next.ResolveTier(ctx, userID)
	})
	if tier, ok := result.(string); err == nil && ok && tier != "" {
		tierResolutions.WithLabelValues("resolver").Inc()
		if c.cache != nil {
			if err := c.cache.SetJSON(ctx, key, cachedTier{Tier: tier}, c.ttl); err != nil {
				logger.WithContext(ctx).Warn("tier cache write failed", zap.Error(err))
			}
		}
		return tier, nil
	}

	return c.fallback(ctx, userID, err), nil
}

// Invalidate drops the cached tier of a user
func (c *CachedResolver) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, tierCacheKeyPrefix+userID.String())
}

func (c *CachedResolver) fallback(ctx context.Context, userID uuid.UUID, cause error) string {
	log := logger.WithContext(ctx).With(zap.String("user_id", userID.String()), zap.Error(cause))

	sub, err := c.repo.GetSubscription(ctx, userID)
	if err == nil && sub.IsActive(time.Now()) && sub.Tier != "" {
		tierResolutions.WithLabelValues("stored").Inc()
		log.Warn("tier resolver unavailable, using stored tier", zap.String("tier", sub.Tier))
		return knownTier(ctx, c.policy, sub.Tier)
	}

	tierResolutions.WithLabelValues("default").Inc()
	log.Warn("tier resolver unavailable, using default tier", zap.String("tier", c.policy.DefaultTier))
	return c.policy.DefaultTier
}
