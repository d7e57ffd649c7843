package fingerprint

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RepositoryInterface defines the fingerprint persistence operations
type RepositoryInterface interface {
	Insert(ctx context.Context, rec *Record) error
	SharedIPAccounts(ctx context.Context, userID uuid.UUID, since time.Time, minShared, limit int) ([]IPOverlap, error)
	SharedDeviceAccounts(ctx context.Context, userID uuid.UUID, limit int) ([]DeviceOverlap, error)
	RecentlyActiveUsers(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error)
}
