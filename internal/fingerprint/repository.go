package fingerprint

import (
	"context"
	"fmt"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/database"
	"github.com/google/uuid"
)

// Repository handles fingerprint persistence
type Repository struct {
	db database.DB
}

var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a new fingerprint repository
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// Insert appends a record. Existing rows are never updated.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO fingerprints (
			id, user_id, ip_address, device_hash, resolution, timezone,
			language, platform, user_agent, is_vpn, is_proxy, is_tor, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.UserID,
		rec.IPAddress,
		rec.DeviceHash,
		rec.Browser.Resolution,
		rec.Browser.Timezone,
		rec.Browser.Language,
		rec.Browser.Platform,
		rec.Browser.UserAgent,
		rec.IsVPN,
		rec.IsProxy,
		rec.IsTor,
		rec.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

// SharedIPAccounts returns other accounts that used at least minShared of the
// user's IPs inside the window.
func (r *Repository) SharedIPAccounts(ctx context.Context, userID uuid.UUID, since time.Time, minShared, limit int) ([]IPOverlap, error) {
	query := `
		WITH mine AS (
			SELECT DISTINCT ip_address
			FROM fingerprints
			WHERE user_id = $1 AND captured_at >= $2
		)
		SELECT f.user_id, COUNT(DISTINCT f.ip_address) AS shared
		FROM fingerprints f
		JOIN mine m ON m.ip_address = f.ip_address
		WHERE f.user_id IS NOT NULL AND f.user_id <> $1 AND f.captured_at >= $2
		GROUP BY f.user_id
		HAVING COUNT(DISTINCT f.ip_address) >= $3
		ORDER BY f.user_id
		LIMIT $4
	`

	rows, err := r.db.Query(ctx, query, userID, since, minShared, limit)
	if err != nil {
		return nil, fmt.Errorf("shared ip accounts: %w", err)
	}
	defer rows.Close()

	var out []IPOverlap
	for rows.Next() {
		var o IPOverlap
		if err := rows.Scan(&o.UserID, &o.SharedIPs); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SharedDeviceAccounts returns other accounts seen with any of the user's device hashes
func (r *Repository) SharedDeviceAccounts(ctx context.Context, userID uuid.UUID, limit int) ([]DeviceOverlap, error) {
	query := `
		SELECT DISTINCT ON (f.user_id) f.user_id, f.device_hash
		FROM fingerprints f
		WHERE f.user_id IS NOT NULL
		  AND f.user_id <> $1
		  AND f.device_hash <> ''
		  AND f.device_hash IN (
			SELECT device_hash FROM fingerprints WHERE user_id = $1 AND device_hash <> ''
		  )
		ORDER BY f.user_id, f.device_hash
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("shared device accounts: %w", err)
	}
	defer rows.Close()

	var out []DeviceOverlap
	for rows.Next() {
		var o DeviceOverlap
		if err := rows.Scan(&o.UserID, &o.DeviceHash); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecentlyActiveUsers lists users with fingerprints captured since the given time
func (r *Repository) RecentlyActiveUsers(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM fingerprints
		WHERE user_id IS NOT NULL AND captured_at >= $1
		GROUP BY user_id
		ORDER BY MAX(captured_at) DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recently active users: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
