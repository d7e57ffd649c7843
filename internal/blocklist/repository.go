package blocklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrEntryNotFound is returned for an unknown or already inactive entry
	ErrEntryNotFound = errors.New("blocklist: entry not found")
	// ErrDuplicateEntry is returned when an active entry already covers the pattern
	ErrDuplicateEntry = errors.New("blocklist: active entry already exists")
)

const entryColumns = `id, kind, pattern, block_type, reason, is_active, created_by, created_at, deactivated_at`

// Repository handles block entry persistence
type Repository struct {
	db database.DB
}

var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a new blocklist repository
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts an active entry
func (r *Repository) Create(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO block_entries (id, kind, pattern, block_type, reason, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
	`

	_, err := r.db.Exec(ctx, query, e.ID, e.Kind, e.Pattern, e.BlockType, e.Reason, e.CreatedBy, e.CreatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("create block entry: %w", err)
	}
	return nil
}

// Deactivate turns an active entry off. Entries are never deleted.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) (*Entry, error) {
	query := `
		UPDATE block_entries
		SET is_active = FALSE, deactivated_at = $2
		WHERE id = $1 AND is_active
		RETURNING ` + entryColumns

	e, err := scanEntry(r.db.QueryRow(ctx, query, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate block entry: %w", err)
	}
	return e, nil
}

// ListActive returns every active entry for the in-memory snapshot
func (r *Repository) ListActive(ctx context.Context) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM block_entries WHERE is_active ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active block entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns a filtered page of entries and the total match count
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Entry, int64, error) {
	query := `
		SELECT ` + entryColumns + `, COUNT(*) OVER() AS total
		FROM block_entries
		WHERE ($1::text IS NULL OR kind = $1)
		  AND ($2::boolean IS NULL OR is_active = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	var kind *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}

	rows, err := r.db.Query(ctx, query, kind, f.Active, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list block entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	var total int64
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.Kind, &e.Pattern, &e.BlockType, &e.Reason, &e.IsActive,
			&e.CreatedBy, &e.CreatedAt, &e.DeactivatedAt, &total,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Kind, &e.Pattern, &e.BlockType, &e.Reason, &e.IsActive,
		&e.CreatedBy, &e.CreatedAt, &e.DeactivatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
