package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrUnavailable wraps storage failures. Callers must deny, never allow.
var ErrUnavailable = errors.New("quota: storage unavailable")

var storageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fraud_quota_storage_errors_total",
	Help: "Quota storage failures by operation",
}, []string{"operation"})

// Service implements the per-user quota state machine
type Service struct {
	repo        RepositoryInterface
	tiers       config.TierTable
	defaultTier string
	upgradeURL  string
	now         func() time.Time
}

// NewService creates a new quota service
func NewService(repo RepositoryInterface, policy *config.Policy, upgradeURL string) *Service {
	return &Service{
		repo:        repo,
		tiers:       policy.Tiers,
		defaultTier: policy.DefaultTier,
		upgradeURL:  upgradeURL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

func unavailable(op string, err error) error {
	storageErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// ========================================
// LIFECYCLE
// ========================================

// Provision creates the state of a new account. Trial tiers start their
// trial now; other tiers start paid_active. An existing state is returned
// unchanged.
func (s *Service) Provision(ctx context.Context, userID uuid.UUID, tierName string) (*State, error) {
	tier, err := s.tiers.Get(tierName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	st := &State{
		UserID:         userID,
		Tier:           tier.Name,
		Status:         StatusPaidActive,
		DailyResetAt:   NextDailyReset(now),
		MonthlyResetAt: NextMonthlyReset(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if tier.HasTrial() {
		st.Status = StatusTrialActive
		st.TrialStartedAt = &now
		st.TrialLengthDays = tier.TrialDays
	}

	stored, err := s.repo.Create(ctx, st)
	if err != nil {
		return nil, unavailable("provision", err)
	}
	return stored, nil
}

func (s *Service) load(ctx context.Context, userID uuid.UUID, tierName string) (*State, error) {
	st, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrStateNotFound) {
		return s.Provision(ctx, userID, tierName)
	}
	if err != nil {
		return nil, unavailable("load", err)
	}
	return st, nil
}

// ========================================
// ENFORCEMENT
// ========================================

// Evaluate checks a user against the quota of tierName without consuming
// anything. The stored tier is reconciled first. Storage failures return
// ErrUnavailable and unknown tiers config.ErrUnknownTier.
func (s *Service) Evaluate(ctx context.Context, userID uuid.UUID, tierName string) (*Evaluation, error) {
	tier, err := s.tiers.Get(tierName)
	if err != nil {
		return nil, err
	}

	st, err := s.load(ctx, userID, tier.Name)
	if err != nil {
		return nil, err
	}
	if st.Tier != tier.Name {
		if st, err = s.ChangeTier(ctx, userID, tier.Name); err != nil {
			return nil, err
		}
	}

	now := s.now()
	eval := &Evaluation{State: st, Tier: tier}

	switch {
	case st.IsBlocked:
		eval.Reason = BlockedReason(st.BlockReason)
		return eval, nil

	case tier.HasTrial() && st.TrialExpiredAt(now):
		if st.Status == StatusTrialActive {
			if err := s.repo.ExpireTrial(ctx, userID, now); err != nil {
				logger.WithContext(ctx).Warn("failed to persist trial expiry",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
			} else {
				st.Status = StatusTrialExpired
			}
		}
		eval.Reason = ReasonTrialExpired
		eval.RedirectTo = s.upgradeURL
		return eval, nil

	case !tier.DailyUnlimited() && st.DailyUsed(now) >= tier.DailyLimit:
		eval.Reason = ReasonDailyLimit
		eval.RedirectTo = s.upgradeURL
		return eval, nil

	case tier.MonthlyLimit >= 0 && st.MonthlyUsed(now) >= tier.MonthlyLimit:
		eval.Reason = ReasonMonthlyLimit
		eval.RedirectTo = s.upgradeURL
		return eval, nil
	}

	eval.Allowed = true
	return eval, nil
}

// Consume atomically counts one accepted operation. ErrLimitReached means a
// concurrent request took the last slot.
func (s *Service) Consume(ctx context.Context, userID uuid.UUID, tierName string) (*State, error) {
	tier, err := s.tiers.Get(tierName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	st, err := s.repo.Consume(ctx, userID, now, NextDailyReset(now), NextMonthlyReset(now), tier.DailyLimit, tier.MonthlyLimit)
	if errors.Is(err, ErrLimitReached) {
		return nil, ErrLimitReached
	}
	if err != nil {
		return nil, unavailable("consume", err)
	}
	return st, nil
}

// Status returns the user-facing quota view, provisioning the default tier
// for unknown users.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*RateLimitStatus, error) {
	st, err := s.load(ctx, userID, s.defaultTier)
	if err != nil {
		return nil, err
	}
	tier, err := s.tiers.Get(st.Tier)
	if err != nil {
		return nil, err
	}

	now := s.now()
	used := st.DailyUsed(now)
	remaining := -1
	if !tier.DailyUnlimited() {
		remaining = tier.DailyLimit - used
		if remaining < 0 {
			remaining = 0
		}
	}

	return &RateLimitStatus{
		Tier:           tier.Name,
		Status:         st.Status,
		DailyUsed:      used,
		DailyLimit:     tier.DailyLimit,
		DailyRemaining: remaining,
		MonthlyUsed:    st.MonthlyUsed(now),
		MonthlyLimit:   tier.MonthlyLimit,
		TrialEndDate:   st.TrialEnd(),
		TrialExpired:   tier.HasTrial() && st.TrialExpiredAt(now),
		IsBlocked:      st.IsBlocked,
		BlockReason:    st.BlockReason,
	}, nil
}

// ========================================
// TRANSITIONS
// ========================================

// Block moves a user to blocked from any state
func (s *Service) Block(ctx context.Context, userID uuid.UUID, reason string) (*State, error) {
	st, err := s.repo.Block(ctx, userID, reason, s.now())
	if errors.Is(err, ErrStateNotFound) {
		if _, err = s.Provision(ctx, userID, s.defaultTier); err != nil {
			return nil, err
		}
		st, err = s.repo.Block(ctx, userID, reason, s.now())
	}
	if err != nil {
		return nil, unavailable("block", err)
	}
	return st, nil
}

// Unblock clears a block by manual action and restores the status the
// tier and trial clock imply. Counters are left alone.
func (s *Service) Unblock(ctx context.Context, userID, adminID uuid.UUID) (*State, error) {
	st, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, err
		}
		return nil, unavailable("load", err)
	}
	tier, err := s.tiers.Get(st.Tier)
	if err != nil {
		return nil, err
	}

	now := s.now()
	st.IsBlocked = false
	out, err := s.repo.ApplyTierChange(ctx, userID, TierChange{
		Tier:            tier.Name,
		Status:          s.statusFor(st, tier, now),
		TrialStartedAt:  st.TrialStartedAt,
		TrialLengthDays: st.TrialLengthDays,
		ClearBlock:      true,
		DailyResetAt:    st.DailyResetAt,
		MonthlyResetAt:  st.MonthlyResetAt,
		At:              now,
	})
	if err != nil {
		return nil, unavailable("unblock", err)
	}

	logger.WithContext(ctx).Info("quota unblocked",
		zap.String("user_id", userID.String()),
		zap.String("admin_id", adminID.String()),
	)
	return out, nil
}

// ChangeTier moves a user to another tier. An upgrade to a paid tier clears
// any block and resets the counters.
func (s *Service) ChangeTier(ctx context.Context, userID uuid.UUID, tierName string) (*State, error) {
	next, err := s.tiers.Get(tierName)
	if err != nil {
		return nil, err
	}
	st, err := s.load(ctx, userID, next.Name)
	if err != nil {
		return nil, err
	}
	if st.Tier == next.Name {
		return st, nil
	}

	prev, err := s.tiers.Get(st.Tier)
	if err != nil {
		// A tier dropped from the policy still allows moving away from it.
		prev = config.Tier{Name: st.Tier}
	}

	now := s.now()
	ch := TierChange{
		Tier:           next.Name,
		DailyResetAt:   NextDailyReset(now),
		MonthlyResetAt: NextMonthlyReset(now),
		At:             now,
	}

	if next.HasTrial() {
		ch.TrialStartedAt = st.TrialStartedAt
		if ch.TrialStartedAt == nil {
			// accounts that were always paid date their trial from signup
			started := st.CreatedAt
			if started.IsZero() {
				started = now
			}
			ch.TrialStartedAt = &started
		}
		ch.TrialLengthDays = next.TrialDays
	} else {
		ch.TrialStartedAt = st.TrialStartedAt
	}

	if isUpgrade(prev, next) {
		ch.ClearBlock = true
		ch.ResetCounters = true
		ch.Status = StatusPaidActive
	} else {
		ch.DailyResetAt, ch.MonthlyResetAt = st.DailyResetAt, st.MonthlyResetAt
		probe := *st
		probe.TrialStartedAt, probe.TrialLengthDays = ch.TrialStartedAt, ch.TrialLengthDays
		if probe.Status == StatusTrialExpired && !next.HasTrial() {
			probe.Status = StatusPaidActive
		}
		ch.Status = s.statusFor(&probe, next, now)
	}

	out, err := s.repo.ApplyTierChange(ctx, userID, ch)
	if err != nil {
		return nil, unavailable("change_tier", err)
	}

	logger.WithContext(ctx).Info("quota tier changed",
		zap.String("user_id", userID.String()),
		zap.String("from", prev.Name),
		zap.String("to", next.Name),
		zap.Bool("upgrade", ch.ResetCounters),
	)
	return out, nil
}

// ExpireTrials runs the idempotent trial sweep
func (s *Service) ExpireTrials(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireTrials(ctx, s.now())
	if err != nil {
		return 0, unavailable("expire_trials", err)
	}
	return n, nil
}

func (s *Service) statusFor(st *State, tier config.Tier, now time.Time) Status {
	switch {
	case st.IsBlocked:
		return StatusBlocked
	case !tier.HasTrial():
		return StatusPaidActive
	case st.TrialExpiredAt(now):
		return StatusTrialExpired
	default:
		return StatusTrialActive
	}
}

// isUpgrade reports whether moving from prev to next lifts the account: a
// paid tier with a higher daily allowance, or any paid tier after a trial.
func isUpgrade(prev, next config.Tier) bool {
	if next.HasTrial() {
		return false
	}
	if prev.HasTrial() {
		return true
	}
	return dailyRank(next) > dailyRank(prev)
}

func dailyRank(t config.Tier) int {
	if t.DailyUnlimited() {
		return math.MaxInt
	}
	return t.DailyLimit
}
