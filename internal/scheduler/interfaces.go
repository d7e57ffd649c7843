package scheduler

import (
	"context"
	"time"
)

// TrialExpirer moves lapsed trials to the expired state
type TrialExpirer interface {
	// ExpireTrials returns the number of quota rows it moved.
	ExpireTrials(ctx context.Context) (int64, error)
}

// DuplicateScanner re-runs duplicate detection for recently active users
type DuplicateScanner interface {
	// ScanRecent returns the number of links it created or refreshed.
	ScanRecent(ctx context.Context, since time.Time, limit int) (int, error)
}
