package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrActivityNotFound is returned when no suspicious activity has the given ID
var ErrActivityNotFound = errors.New("fraud: activity not found")

const activityColumns = `id, user_id, activity_type, severity, description, ip_address, risk_score,
		       details, detected_at, resolved, resolved_at, resolved_by, COALESCE(notes, '')`

// Repository handles suspicious activity data operations
type Repository struct {
	db database.DB
}

var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a new fraud repository
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// CreateActivity appends a suspicious activity
func (r *Repository) CreateActivity(ctx context.Context, a *SuspiciousActivity) error {
	detailsJSON, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("encode activity details: %w", err)
	}

	query := `
		INSERT INTO suspicious_activities (
			id, user_id, activity_type, severity, description,
			ip_address, risk_score, details, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.Exec(ctx, query,
		a.ID,
		a.UserID,
		a.ActivityType,
		a.Severity,
		a.Description,
		a.IPAddress,
		a.RiskScore,
		detailsJSON,
		a.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("insert suspicious activity: %w", err)
	}
	return nil
}

// ListUnresolved returns open activities, most severe and newest first
func (r *Repository) ListUnresolved(ctx context.Context, limit, offset int) ([]*SuspiciousActivity, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM suspicious_activities WHERE resolved = FALSE`
	if err := r.db.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count unresolved activities: %w", err)
	}

	query := `
		SELECT ` + activityColumns + `
		FROM suspicious_activities
		WHERE resolved = FALSE
		ORDER BY CASE severity
		           WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1
		         END DESC, detected_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list unresolved activities: %w", err)
	}
	defer rows.Close()

	activities, err := scanActivities(rows)
	if err != nil {
		return nil, 0, err
	}
	return activities, total, nil
}

// ListByUser returns the activities recorded for a user, newest first
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*SuspiciousActivity, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM suspicious_activities WHERE user_id = $1`
	if err := r.db.QueryRow(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count user activities: %w", err)
	}

	query := `
		SELECT ` + activityColumns + `
		FROM suspicious_activities
		WHERE user_id = $1
		ORDER BY detected_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list user activities: %w", err)
	}
	defer rows.Close()

	activities, err := scanActivities(rows)
	if err != nil {
		return nil, 0, err
	}
	return activities, total, nil
}

// Resolve marks an activity as handled. Resolving twice keeps the first
// resolver and timestamp.
func (r *Repository) Resolve(ctx context.Context, id, resolvedBy uuid.UUID, notes string, at time.Time) (*SuspiciousActivity, error) {
	query := `
		UPDATE suspicious_activities
		SET resolved = TRUE,
		    resolved_at = COALESCE(resolved_at, $3),
		    resolved_by = COALESCE(resolved_by, $2),
		    notes = COALESCE(NULLIF($4, ''), notes)
		WHERE id = $1
		RETURNING ` + activityColumns

	a, err := scanActivity(r.db.QueryRow(ctx, query, id, resolvedBy, at, notes))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrActivityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve activity: %w", err)
	}
	return a, nil
}

func scanActivities(rows pgx.Rows) ([]*SuspiciousActivity, error) {
	activities := make([]*SuspiciousActivity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func scanActivity(row pgx.Row) (*SuspiciousActivity, error) {
	var a SuspiciousActivity
	var detailsJSON []byte

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.ActivityType,
		&a.Severity,
		&a.Description,
		&a.IPAddress,
		&a.RiskScore,
		&detailsJSON,
		&a.DetectedAt,
		&a.Resolved,
		&a.ResolvedAt,
		&a.ResolvedBy,
		&a.Notes,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(detailsJSON, &a.Details); err != nil || a.Details == nil {
		a.Details = make(map[string]interface{})
	}
	return &a, nil
}
