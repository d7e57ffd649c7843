package duplicates

import (
	"context"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/internal/fingerprint"
	"github.com/google/uuid"
)

// RepositoryInterface defines the persistence operations of the detector
type RepositoryInterface interface {
	UpsertAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)
	AccountsByDomain(ctx context.Context, domain string, exclude uuid.UUID, localLen, maxDistance, limit int) ([]*Account, error)
	AddPaymentFingerprint(ctx context.Context, userID uuid.UUID, instrumentHash string) error
	SharedPaymentAccounts(ctx context.Context, userID uuid.UUID, limit int) ([]PaymentOverlap, error)
	UpsertLink(ctx context.Context, link *Link) (*Link, error)
	ListLinks(ctx context.Context, userID uuid.UUID) ([]*Link, error)
	MarkFalsePositive(ctx context.Context, linkID, reviewer uuid.UUID, at time.Time) (*Link, error)
}

// FingerprintSource is the slice of the fingerprint store the detector reads
type FingerprintSource interface {
	SharedIPAccounts(ctx context.Context, userID uuid.UUID, since time.Time, minShared, limit int) ([]fingerprint.IPOverlap, error)
	SharedDeviceAccounts(ctx context.Context, userID uuid.UUID, limit int) ([]fingerprint.DeviceOverlap, error)
	RecentlyActiveUsers(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error)
}
