package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RepositoryInterface defines the quota persistence operations. Every
// mutation is a single statement so concurrent requests cannot overshoot.
type RepositoryInterface interface {
	Get(ctx context.Context, userID uuid.UUID) (*State, error)
	Create(ctx context.Context, st *State) (*State, error)
	Consume(ctx context.Context, userID uuid.UUID, now, nextDaily, nextMonthly time.Time, dailyLimit, monthlyLimit int) (*State, error)
	ExpireTrial(ctx context.Context, userID uuid.UUID, now time.Time) error
	ExpireTrials(ctx context.Context, now time.Time) (int64, error)
	Block(ctx context.Context, userID uuid.UUID, reason string, now time.Time) (*State, error)
	ApplyTierChange(ctx context.Context, userID uuid.UUID, ch TierChange) (*State, error)
}

// TierResolver reports the tier a user currently pays for
type TierResolver interface {
	ResolveTier(ctx context.Context, userID uuid.UUID) (string, error)
}
