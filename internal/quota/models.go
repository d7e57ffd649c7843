package quota

import (
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a user's quota
type Status string

const (
	StatusTrialActive  Status = "trial_active"
	StatusTrialExpired Status = "trial_expired"
	StatusPaidActive   Status = "paid_active"
	StatusBlocked      Status = "blocked"
)

// Deny reasons. They are part of the public API.
const (
	ReasonTrialExpired  = "trial expired"
	ReasonDailyLimit    = "daily limit reached"
	ReasonMonthlyLimit  = "monthly limit reached"
	ReasonUnavailable   = "rate limit check unavailable"
	reasonBlockedPrefix = "account blocked: "
)

// BlockedReason formats the deny reason of a blocked account
func BlockedReason(reason string) string {
	if reason == "" {
		reason = "no reason given"
	}
	return reasonBlockedPrefix + reason
}

// State is the per-user counter and lifecycle row
type State struct {
	UserID          uuid.UUID  `json:"user_id"`
	Tier            string     `json:"tier"`
	Status          Status     `json:"status"`
	DailyCount      int        `json:"daily_count"`
	DailyResetAt    time.Time  `json:"daily_reset_at"`
	MonthlyCount    int        `json:"monthly_count"`
	MonthlyResetAt  time.Time  `json:"monthly_reset_at"`
	TrialStartedAt  *time.Time `json:"trial_started_at,omitempty"`
	TrialLengthDays int        `json:"trial_length_days"`
	IsBlocked       bool       `json:"is_blocked"`
	BlockReason     string     `json:"block_reason,omitempty"`
	BlockedAt       *time.Time `json:"blocked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TrialEnd returns when the trial runs out, or nil for accounts without one
func (s *State) TrialEnd() *time.Time {
	if s.TrialStartedAt == nil || s.TrialLengthDays <= 0 {
		return nil
	}
	end := s.TrialStartedAt.Add(time.Duration(s.TrialLengthDays) * 24 * time.Hour)
	return &end
}

// TrialExpiredAt reports whether the trial is over at now. The last instant
// of the trial is still inside it.
func (s *State) TrialExpiredAt(now time.Time) bool {
	if s.Status == StatusTrialExpired {
		return true
	}
	end := s.TrialEnd()
	return end != nil && now.After(*end)
}

// DailyUsed is the daily count with the midnight reset applied
func (s *State) DailyUsed(now time.Time) int {
	if !now.Before(s.DailyResetAt) {
		return 0
	}
	return s.DailyCount
}

// MonthlyUsed is the monthly count with the month-boundary reset applied
func (s *State) MonthlyUsed(now time.Time) int {
	if !now.Before(s.MonthlyResetAt) {
		return 0
	}
	return s.MonthlyCount
}

// Evaluation is the outcome of checking a user against their quota
type Evaluation struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason,omitempty"`
	RedirectTo string      `json:"redirect_to,omitempty"`
	State      *State      `json:"-"`
	Tier       config.Tier `json:"-"`
}

// RateLimitStatus is the user-facing view of a quota
type RateLimitStatus struct {
	Tier           string     `json:"tier"`
	Status         Status     `json:"status"`
	DailyUsed      int        `json:"daily_used"`
	DailyLimit     int        `json:"daily_limit"`
	DailyRemaining int        `json:"daily_remaining"`
	MonthlyUsed    int        `json:"monthly_used"`
	MonthlyLimit   int        `json:"monthly_limit"`
	TrialEndDate   *time.Time `json:"trial_end_date,omitempty"`
	TrialExpired   bool       `json:"trial_expired"`
	IsBlocked      bool       `json:"is_blocked"`
	BlockReason    string     `json:"block_reason,omitempty"`
}

// TierChange is a tier or block transition applied in one statement
type TierChange struct {
	Tier            string
	Status          Status
	TrialStartedAt  *time.Time
	TrialLengthDays int
	ClearBlock      bool
	ResetCounters   bool
	DailyResetAt    time.Time
	MonthlyResetAt  time.Time
	At              time.Time
}

// NextDailyReset returns the next UTC midnight after now
func NextDailyReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// NextMonthlyReset returns the first instant of the next UTC month
func NextMonthlyReset(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
