package fraud

import (
	"context"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/internal/duplicates"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/fingerprint"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/quota"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/ratelimit"
	"github.com/google/uuid"
)

// RepositoryInterface defines the suspicious activity persistence operations
type RepositoryInterface interface {
	CreateActivity(ctx context.Context, a *SuspiciousActivity) error
	ListUnresolved(ctx context.Context, limit, offset int) ([]*SuspiciousActivity, int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*SuspiciousActivity, int64, error)
	Resolve(ctx context.Context, id, resolvedBy uuid.UUID, notes string, at time.Time) (*SuspiciousActivity, error)
}

// Blocklist is the fast-reject gate
type Blocklist interface {
	IsIPBlocked(ctx context.Context, ip string) (bool, string)
	IsEmailAllowed(ctx context.Context, email string) (bool, string)
	BlockIP(ctx context.Context, ip, reason string) error
}

// FingerprintRecorder appends request fingerprints
type FingerprintRecorder interface {
	Record(ctx context.Context, in fingerprint.RecordInput) (*fingerprint.Record, error)
}

// QuotaEnforcer is the per-user quota state machine
type QuotaEnforcer interface {
	Evaluate(ctx context.Context, userID uuid.UUID, tier string) (*quota.Evaluation, error)
	Consume(ctx context.Context, userID uuid.UUID, tier string) (*quota.State, error)
	Block(ctx context.Context, userID uuid.UUID, reason string) (*quota.State, error)
}

// DuplicateFinder reports duplicate account links of a user
type DuplicateFinder interface {
	FindDuplicates(ctx context.Context, userID uuid.UUID) ([]duplicates.Link, error)
}

// VelocityLimiter throttles anonymous checks per address
type VelocityLimiter interface {
	RuleFor(endpoint string, identity ratelimit.IdentityType) ratelimit.Rule
	Allow(ctx context.Context, endpoint, identity string, rule ratelimit.Rule, identityType ratelimit.IdentityType) (ratelimit.Result, error)
}

// ActivityRecorder receives suspicious activity events
type ActivityRecorder interface {
	Record(ctx context.Context, a *SuspiciousActivity)
}
