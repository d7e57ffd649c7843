package quota

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
	// ErrStateNotFound is returned when a user has no quota row yet
	ErrStateNotFound = errors.New("quota: state not found")
	// ErrLimitReached is returned when a conditional increment matched no row
	ErrLimitReached = errors.New("quota: limit reached")
)

const stateColumns = `user_id, tier, status, daily_count, daily_reset_at, monthly_count, monthly_reset_at,
		       trial_started_at, trial_length_days, is_blocked, COALESCE(block_reason, ''), blocked_at,
		       created_at, updated_at`

// Repository handles quota state persistence
type Repository struct {
	db database.DB
}

var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a new quota repository
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the state of a user
func (r *Repository) Get(ctx context.Context, userID uuid.UUID) (*State, error) {
	query := `SELECT ` + stateColumns + ` FROM rate_limit_states WHERE user_id = $1`

	st, err := scanState(r.db.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota state: %w", err)
	}
	return st, nil
}

// Create inserts a state. If the user already has one, the stored row wins
// and is returned unchanged.
func (r *Repository) Create(ctx context.Context, st *State) (*State, error) {
	query := `
		INSERT INTO rate_limit_states (
			user_id, tier, status, daily_count, daily_reset_at, monthly_count, monthly_reset_at,
			trial_started_at, trial_length_days, is_blocked, created_at, updated_at
		) VALUES ($1, $2, $3, 0, $4, 0, $5, $6, $7, FALSE, $8, $8)
		ON CONFLICT (user_id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		st.UserID,
		st.Tier,
		st.Status,
		st.DailyResetAt,
		st.MonthlyResetAt,
		st.TrialStartedAt,
		st.TrialLengthDays,
		st.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create quota state: %w", err)
	}
	return r.Get(ctx, st.UserID)
}

// Consume resets expired windows and increments both counters in one
// conditional statement. No row comes back when a limit is already reached,
// the account is blocked or its trial is over.
func (r *Repository) Consume(ctx context.Context, userID uuid.UUID, now, nextDaily, nextMonthly time.Time, dailyLimit, monthlyLimit int) (*State, error) {
	query := `
		UPDATE rate_limit_states SET
			daily_count      = CASE WHEN daily_reset_at <= $2 THEN 1 ELSE daily_count + 1 END,
			daily_reset_at   = CASE WHEN daily_reset_at <= $2 THEN $3 ELSE daily_reset_at END,
			monthly_count    = CASE WHEN monthly_reset_at <= $2 THEN 1 ELSE monthly_count + 1 END,
			monthly_reset_at = CASE WHEN monthly_reset_at <= $2 THEN $4 ELSE monthly_reset_at END,
			updated_at       = $2
		WHERE user_id = $1
		  AND NOT is_blocked
		  AND status IN ('trial_active', 'paid_active')
		  AND ($5 < 0 OR (CASE WHEN daily_reset_at <= $2 THEN 0 ELSE daily_count END) < $5)
		  AND ($6 < 0 OR (CASE WHEN monthly_reset_at <= $2 THEN 0 ELSE monthly_count END) < $6)
		RETURNING ` + stateColumns

	st, err := scanState(r.db.QueryRow(ctx, query, userID, now, nextDaily, nextMonthly, dailyLimit, monthlyLimit))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLimitReached
	}
	if err != nil {
		return nil, fmt.Errorf("consume quota: %w", err)
	}
	return st, nil
}

// ExpireTrial moves one user from trial_active to trial_expired
func (r *Repository) ExpireTrial(ctx context.Context, userID uuid.UUID, now time.Time) error {
	query := `
		UPDATE rate_limit_states
		SET status = 'trial_expired', updated_at = $2
		WHERE user_id = $1 AND status = 'trial_active'
	`

	if _, err := r.db.Exec(ctx, query, userID, now); err != nil {
		return fmt.Errorf("expire trial: %w", err)
	}
	return nil
}

// ExpireTrials moves every overdue trial to trial_expired. Rows already
// expired are not touched, so repeated runs are no-ops.
func (r *Repository) ExpireTrials(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE rate_limit_states
		SET status = 'trial_expired', updated_at = $1
		WHERE status = 'trial_active'
		  AND trial_started_at IS NOT NULL
		  AND trial_length_days > 0
		  AND $1 > trial_started_at + make_interval(days => trial_length_days)
	`

	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire trials: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Block marks a user blocked. The first reason and time are kept if the
// user is already blocked.
func (r *Repository) Block(ctx context.Context, userID uuid.UUID, reason string, now time.Time) (*State, error) {
	query := `
		UPDATE rate_limit_states SET
			block_reason = CASE WHEN is_blocked THEN block_reason ELSE $2 END,
			blocked_at   = CASE WHEN is_blocked THEN blocked_at ELSE $3 END,
			is_blocked   = TRUE,
			status       = 'blocked',
			updated_at   = $3
		WHERE user_id = $1
		RETURNING ` + stateColumns

	st, err := scanState(r.db.QueryRow(ctx, query, userID, reason, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("block user: %w", err)
	}
	return st, nil
}

// ApplyTierChange writes a tier, unblock or reset transition
func (r *Repository) ApplyTierChange(ctx context.Context, userID uuid.UUID, ch TierChange) (*State, error) {
	query := `
		UPDATE rate_limit_states SET
			tier              = $2,
			status            = $3,
			trial_started_at  = $4,
			trial_length_days = $5,
			is_blocked        = CASE WHEN $6 THEN FALSE ELSE is_blocked END,
			block_reason      = CASE WHEN $6 THEN NULL ELSE block_reason END,
			blocked_at        = CASE WHEN $6 THEN NULL ELSE blocked_at END,
			daily_count       = CASE WHEN $7 THEN 0 ELSE daily_count END,
			daily_reset_at    = CASE WHEN $7 THEN $8 ELSE daily_reset_at END,
			monthly_count     = CASE WHEN $7 THEN 0 ELSE monthly_count END,
			monthly_reset_at  = CASE WHEN $7 THEN $9 ELSE monthly_reset_at END,
			updated_at        = $10
		WHERE user_id = $1
		RETURNING ` + stateColumns

	st, err := scanState(r.db.QueryRow(ctx, query,
		userID,
		ch.Tier,
		ch.Status,
		ch.TrialStartedAt,
		ch.TrialLengthDays,
		ch.ClearBlock,
		ch.ResetCounters,
		ch.DailyResetAt,
		ch.MonthlyResetAt,
		ch.At,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apply tier change: %w", err)
	}
	return st, nil
}

func scanState(row pgx.Row) (*State, error) {
	var st State
	err := row.Scan(
		&st.UserID,
		&st.Tier,
		&st.Status,
		&st.DailyCount,
		&st.DailyResetAt,
		&st.MonthlyCount,
		&st.MonthlyResetAt,
		&st.TrialStartedAt,
		&st.TrialLengthDays,
		&st.IsBlocked,
		&st.BlockReason,
		&st.BlockedAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
