package duplicates

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
	// ErrAccountNotFound is returned when the identity provider never registered the user
	ErrAccountNotFound = errors.New("duplicates: account not found")
	// ErrLinkNotFound is returned for an unknown link id
	ErrLinkNotFound = errors.New("duplicates: link not found")
)

const linkColumns = `id, account_a, account_b, confidence_score, signal_types, detected_at,
		       updated_at, reviewed, is_false_positive, reviewed_by, reviewed_at`

// Repository handles duplicate detection data
type Repository struct {
	db database.DB
}

var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a new duplicates repository
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// ========================================
// ACCOUNTS & PAYMENT INSTRUMENTS
// ========================================

// UpsertAccount stores or replaces the email identity of a user
func (r *Repository) UpsertAccount(ctx context.Context, acct *Account) error {
	query := `
		INSERT INTO accounts (user_id, email, email_local_normalized, email_domain, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			email_local_normalized = EXCLUDED.email_local_normalized,
			email_domain = EXCLUDED.email_domain
	`

	_, err := r.db.Exec(ctx, query, acct.UserID, acct.Email, acct.LocalNormalized, acct.Domain, acct.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount returns the account of a user
func (r *Repository) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	query := `
		SELECT user_id, email, email_local_normalized, email_domain, created_at
		FROM accounts
		WHERE user_id = $1
	`

	var a Account
	err := r.db.QueryRow(ctx, query, userID).Scan(&a.UserID, &a.Email, &a.LocalNormalized, &a.Domain, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// AccountsByDomain returns other accounts on the same domain whose normalized
// local part is within maxDistance characters of localLen.
func (r *Repository) AccountsByDomain(ctx context.Context, domain string, exclude uuid.UUID, localLen, maxDistance, limit int) ([]*Account, error) {
	query := `
		SELECT user_id, email, email_local_normalized, email_domain, created_at
		FROM accounts
		WHERE email_domain = $1
		  AND user_id <> $2
		  AND ABS(LENGTH(email_local_normalized) - $3) <= $4
		ORDER BY user_id
		LIMIT $5
	`

	rows, err := r.db.Query(ctx, query, domain, exclude, localLen, maxDistance, limit)
	if err != nil {
		return nil, fmt.Errorf("accounts by domain: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.UserID, &a.Email, &a.LocalNormalized, &a.Domain, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AddPaymentFingerprint records a hashed payment instrument for a user
func (r *Repository) AddPaymentFingerprint(ctx context.Context, userID uuid.UUID, instrumentHash string) error {
	query := `
		INSERT INTO payment_fingerprints (id, user_id, instrument_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, instrument_hash) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, uuid.New(), userID, instrumentHash); err != nil {
		return fmt.Errorf("add payment fingerprint: %w", err)
	}
	return nil
}

// SharedPaymentAccounts returns other accounts that used one of the user's instruments
func (r *Repository) SharedPaymentAccounts(ctx context.Context, userID uuid.UUID, limit int) ([]PaymentOverlap, error) {
	query := `
		SELECT DISTINCT ON (p.user_id) p.user_id, p.instrument_hash
		FROM payment_fingerprints p
		JOIN payment_fingerprints mine
		  ON mine.instrument_hash = p.instrument_hash AND mine.user_id = $1
		WHERE p.user_id <> $1
		ORDER BY p.user_id, p.instrument_hash
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("shared payment accounts: %w", err)
	}
	defer rows.Close()

	var out []PaymentOverlap
	for rows.Next() {
		var o PaymentOverlap
		if err := rows.Scan(&o.UserID, &o.InstrumentHash); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ========================================
// LINKS
// ========================================

// UpsertLink inserts a link or merges it into the stored one: the higher
// confidence is kept, signal types are unioned and review flags are left alone.
func (r *Repository) UpsertLink(ctx context.Context, link *Link) (*Link, error) {
	query := `
		INSERT INTO duplicate_links (
			id, account_a, account_b, confidence_score, signal_types, detected_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (account_a, account_b) DO UPDATE SET
			confidence_score = GREATEST(duplicate_links.confidence_score, EXCLUDED.confidence_score),
			signal_types = ARRAY(
				SELECT DISTINCT t FROM unnest(duplicate_links.signal_types || EXCLUDED.signal_types) AS t ORDER BY t
			),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + linkColumns

	stored, err := scanLink(r.db.QueryRow(ctx, query,
		link.ID,
		link.AccountA,
		link.AccountB,
		link.Confidence,
		typesToStrings(link.SignalTypes),
		link.DetectedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert link: %w", err)
	}
	stored.Signals = link.Signals
	return stored, nil
}

// ListLinks returns every link touching a user, strongest first
func (r *Repository) ListLinks(ctx context.Context, userID uuid.UUID) ([]*Link, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM duplicate_links
		WHERE account_a = $1 OR account_b = $1
		ORDER BY confidence_score DESC, detected_at
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// MarkFalsePositive records a reviewer verdict on a link
func (r *Repository) MarkFalsePositive(ctx context.Context, linkID, reviewer uuid.UUID, at time.Time) (*Link, error) {
	query := `
		UPDATE duplicate_links
		SET reviewed = TRUE, is_false_positive = TRUE, reviewed_by = $2, reviewed_at = $3, updated_at = $3
		WHERE id = $1
		RETURNING ` + linkColumns

	l, err := scanLink(r.db.QueryRow(ctx, query, linkID, reviewer, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark false positive: %w", err)
	}
	return l, nil
}

func scanLink(row pgx.Row) (*Link, error) {
	var l Link
	var types []string
	err := row.Scan(
		&l.ID,
		&l.AccountA,
		&l.AccountB,
		&l.Confidence,
		&types,
		&l.DetectedAt,
		&l.UpdatedAt,
		&l.Reviewed,
		&l.IsFalsePositive,
		&l.ReviewedBy,
		&l.ReviewedAt,
	)
	if err != nil {
		return nil, err
	}
	l.SignalTypes = make([]SignalType, 0, len(types))
	for _, t := range types {
		l.SignalTypes = append(l.SignalTypes, SignalType(t))
	}
	return &l, nil
}

func typesToStrings(types []SignalType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
