package blocklist

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RepositoryInterface defines the block entry persistence operations
type RepositoryInterface interface {
	Create(ctx context.Context, e *Entry) error
	Deactivate(ctx context.Context, id uuid.UUID, at time.Time) (*Entry, error)
	ListActive(ctx context.Context) ([]*Entry, error)
	List(ctx context.Context, f ListFilter) ([]*Entry, int64, error)
}
