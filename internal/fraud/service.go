// Package fraud is the single entry point gated operations call before they
// run. It sequences the blocklist, fingerprinting, the per-user quota, the
// duplicate detector and the risk scorer into one allow or deny decision.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/internal/duplicates"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/fingerprint"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/quota"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/risk"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/ratelimit"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/tracing"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned for checks that carry no usable IP address
var ErrInvalidRequest = errors.New("fraud: invalid check request")

const activityQuotaUnavailable = "rate_limit_unavailable"

var (
	checkDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_check_decisions_total",
		Help: "Fraud check decisions by check type, result and deciding rule",
	}, []string{"check_type", "result", "rule"})

	checkRiskScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraud_check_risk_score",
		Help:    "Risk score of scored fraud checks",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	checkFailOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_check_fail_open_total",
		Help: "Sub-checks skipped because their dependency failed",
	}, []string{"component"})
)

// Dependencies are the components the orchestrator sequences. Velocity may
// be nil to disable the anonymous throttle.
type Dependencies struct {
	Blocklist    Blocklist
	Fingerprints FingerprintRecorder
	Quota        QuotaEnforcer
	Tiers        quota.TierResolver
	Duplicates   DuplicateFinder
	Scorer       *risk.Scorer
	Activities   ActivityRecorder
	Velocity     VelocityLimiter
}

// Options tune the orchestrator
type Options struct {
	UpgradeURL             string
	DuplicateLookupTimeout time.Duration
	AutoBlockCriticalIP    bool
}

// Service is the fraud check orchestrator
type Service struct {
	deps   Dependencies
	policy *config.Policy
	opts   Options
	tracer trace.Tracer
}

// NewService creates the orchestrator
func NewService(deps Dependencies, policy *config.Policy, opts Options) *Service {
	if opts.DuplicateLookupTimeout <= 0 {
		opts.DuplicateLookupTimeout = 300 * time.Millisecond
	}
	return &Service{
		deps:   deps,
		policy: policy,
		opts:   opts,
		tracer: tracing.Tracer("fraud"),
	}
}

// checkRun carries the state of one check through the pipeline
type checkRun struct {
	req      CheckRequest
	ip       string
	fp       *fingerprint.Record
	resp     *CheckResponse
	rule     string
	activity *SuspiciousActivity
}

func (c *checkRun) deny(rule, reason, redirect string, severity Severity) {
	c.resp.IsAllowed = false
	c.resp.BlockReason = reason
	c.resp.RedirectTo = redirect
	c.rule = rule
	c.flag(rule, severity, reason)
}

func (c *checkRun) flag(activityType string, severity Severity, description string) {
	c.activity = &SuspiciousActivity{
		UserID:       c.req.UserID,
		ActivityType: activityType,
		Severity:     severity,
		Description:  description,
		IPAddress:    c.ip,
	}
}

// Check decides whether a gated operation may proceed. The only error is
// ErrInvalidRequest; every other failure is expressed in the response.
func (s *Service) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	ip, err := fingerprint.NormalizeIP(req.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, span := s.tracer.Start(ctx, "fraud.check", trace.WithAttributes(
		attribute.String("fraud.check_type", string(req.CheckType)),
		attribute.Bool("fraud.authenticated", req.UserID != nil),
	))
	defer span.End()

	c := &checkRun{
		req:  req,
		ip:   ip,
		rule: "allow",
		resp: &CheckResponse{
			IsAllowed: true,
			Details:   map[string]interface{}{"check_type": string(req.CheckType)},
		},
	}
	s.run(ctx, c)

	if c.activity != nil && s.deps.Activities != nil {
		c.activity.RiskScore = c.resp.RiskScore
		c.activity.Details = copyDetails(c.resp.Details)
		s.deps.Activities.Record(ctx, c.activity)
	}

	result := "allowed"
	if !c.resp.IsAllowed {
		result = "denied"
	}
	checkDecisions.WithLabelValues(string(req.CheckType), result, c.rule).Inc()
	span.SetAttributes(
		attribute.Bool("fraud.allowed", c.resp.IsAllowed),
		attribute.Int("fraud.risk_score", c.resp.RiskScore),
		attribute.String("fraud.rule", c.rule),
	)

	return c.resp, nil
}

func (s *Service) run(ctx context.Context, c *checkRun) {
	// 1. fast reject, nothing else is touched
	if s.rejectedByBlocklist(ctx, c) {
		return
	}

	// 2. best effort fingerprint
	s.recordFingerprint(ctx, c)

	// 3. quota state or anonymous throttle
	tier, ok := s.enforceQuota(ctx, c)
	if !ok {
		return
	}

	// 4. tier network policy
	if tier != nil && !tier.VPNAllowed && c.fp != nil && c.fp.Anonymized() {
		c.resp.RiskScore = s.deps.Scorer.Score(c.fp, nil).Score
		c.deny(ActivityVPNOnRestricted, ReasonVPNNotAllowed, s.opts.UpgradeURL, SeverityMedium)
		return
	}

	// 5. risk
	assessment := s.assess(ctx, c)
	if assessment.Band.Deny() {
		c.deny(ActivityCriticalRisk, ReasonHighRisk, "", SeverityCritical)
		s.blockCritical(ctx, c)
		return
	}

	// 6. flagged but allowed
	if assessment.Band.Flagged() {
		c.flag(ActivityElevatedRisk, severityFor(assessment.Band), fmt.Sprintf("%s risk score %d", assessment.Band, assessment.Score))
	}

	// 7. count the accepted operation
	if c.req.UserID != nil && tier != nil && c.req.CheckType.Metered() {
		s.consume(ctx, c, tier)
	}
}

func (s *Service) rejectedByBlocklist(ctx context.Context, c *checkRun) bool {
	if blocked, reason := s.deps.Blocklist.IsIPBlocked(ctx, c.ip); blocked {
		c.deny(ActivityBlockedIP, reason, "", SeverityHigh)
		return true
	}
	if c.req.Email != "" {
		if allowed, reason := s.deps.Blocklist.IsEmailAllowed(ctx, c.req.Email); !allowed {
			c.resp.Details["email"] = c.req.Email
			c.deny(ActivityBlockedEmail, reason, "", SeverityMedium)
			return true
		}
	}
	return false
}

func (s *Service) recordFingerprint(ctx context.Context, c *checkRun) {
	in := fingerprint.RecordInput{
		UserID:     c.req.UserID,
		IPAddress:  c.ip,
		DeviceHash: c.req.DeviceFingerprint,
		Browser:    fingerprint.BrowserAttributes{UserAgent: c.req.UserAgent},
	}
	if b := c.req.Browser; b != nil {
		in.Browser.Resolution = b.Resolution
		in.Browser.Timezone = b.Timezone
		in.Browser.Language = b.Language
		in.Browser.Platform = b.Platform
	}

	fp, err := s.deps.Fingerprints.Record(ctx, in)
	if err != nil {
		checkFailOpen.WithLabelValues("fingerprint").Inc()
		logger.WithContext(ctx).Warn("fingerprint unavailable", zap.Error(err))
		c.resp.Details["fingerprint"] = "unavailable"
		return
	}
	c.fp = fp
	c.resp.Details["network"] = fp.NetworkClass.String()
	c.resp.Details["fingerprint_complete"] = fp.Complete()
}

// enforceQuota returns the tier whose network policy applies, or nil when
// none does. ok is false when the check was denied.
func (s *Service) enforceQuota(ctx context.Context, c *checkRun) (*config.Tier, bool) {
	if c.req.UserID == nil {
		if !s.allowAnonymous(ctx, c) {
			return nil, false
		}
		// new accounts land on the default tier
		if c.req.CheckType == CheckRegistration {
			if t, err := s.policy.Tiers.Get(s.policy.DefaultTier); err == nil {
				return &t, true
			}
		}
		return nil, true
	}

	userID := *c.req.UserID
	tierName := s.resolveTier(ctx, userID)

	eval, err := s.deps.Quota.Evaluate(ctx, userID, tierName)
	if err != nil {
		logger.WithContext(ctx).Error("quota evaluation failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		tracing.RecordError(trace.SpanFromContext(ctx), err)
		c.deny(activityQuotaUnavailable, quota.ReasonUnavailable, "", SeverityLow)
		return nil, false
	}

	c.resp.Details["tier"] = eval.Tier.Name
	if st := eval.State; st != nil {
		c.resp.Details["daily_limit"] = eval.Tier.DailyLimit
		c.resp.Details["quota_status"] = string(st.Status)
	}

	if !eval.Allowed && !(countersOnly(eval.Reason) && !c.req.CheckType.Metered()) {
		activity, severity := ActivityRateLimited, SeverityLow
		switch {
		case eval.Reason == quota.ReasonTrialExpired:
			activity = ActivityTrialExpired
		case eval.State != nil && eval.State.IsBlocked:
			activity, severity = ActivityAccountBlocked, SeverityHigh
		}
		c.deny(activity, eval.Reason, eval.RedirectTo, severity)
		return nil, false
	}

	tier := eval.Tier
	return &tier, true
}

func countersOnly(reason string) bool {
	return reason == quota.ReasonDailyLimit || reason == quota.ReasonMonthlyLimit
}

func (s *Service) allowAnonymous(ctx context.Context, c *checkRun) bool {
	if s.deps.Velocity == nil {
		return true
	}

	endpoint := string(c.req.CheckType)
	rule := s.deps.Velocity.RuleFor(endpoint, ratelimit.IdentityAnonymous)
	res, err := s.deps.Velocity.Allow(ctx, endpoint, c.ip, rule, ratelimit.IdentityAnonymous)
	if err != nil {
		checkFailOpen.WithLabelValues("velocity").Inc()
		logger.WithContext(ctx).Warn("velocity check unavailable", zap.Error(err))
		return true
	}
	if !res.Allowed {
		c.resp.Details["retry_after_seconds"] = int(res.RetryAfter.Seconds())
		c.deny(ActivityVelocityExceeded, ReasonTooManyChecks, "", SeverityMedium)
		return false
	}
	return true
}

func (s *Service) resolveTier(ctx context.Context, userID uuid.UUID) string {
	if s.deps.Tiers == nil {
		return s.policy.DefaultTier
	}
	tier, err := s.deps.Tiers.ResolveTier(ctx, userID)
	if err != nil || tier == "" {
		logger.WithContext(ctx).Warn("tier resolution failed, using default tier",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return s.policy.DefaultTier
	}
	return tier
}

func (s *Service) assess(ctx context.Context, c *checkRun) risk.Assessment {
	var links []duplicates.Link
	if c.req.UserID != nil && s.deps.Duplicates != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, s.opts.DuplicateLookupTimeout)
		found, err := s.deps.Duplicates.FindDuplicates(lookupCtx, *c.req.UserID)
		cancel()
		if err != nil {
			checkFailOpen.WithLabelValues("duplicates").Inc()
			logger.WithContext(ctx).Debug("duplicate lookup skipped", zap.Error(err))
		} else {
			links = found
		}
	}

	assessment := s.deps.Scorer.Score(c.fp, links)
	checkRiskScores.Observe(float64(assessment.Score))

	c.resp.RiskScore = assessment.Score
	c.resp.Details["risk_band"] = string(assessment.Band)
	c.resp.Details["risk_factors"] = assessment.Factors
	c.resp.Details["duplicate_links"] = len(links)
	return assessment
}

func (s *Service) blockCritical(ctx context.Context, c *checkRun) {
	log := logger.WithContext(ctx)
	if c.req.UserID != nil {
		if _, err := s.deps.Quota.Block(ctx, *c.req.UserID, ReasonHighRisk); err != nil {
			log.Error("failed to block critical risk account",
				zap.String("user_id", c.req.UserID.String()),
				zap.Error(err),
			)
		}
	}
	if s.opts.AutoBlockCriticalIP {
		if err := s.deps.Blocklist.BlockIP(ctx, c.ip, ReasonHighRisk); err != nil {
			log.Warn("failed to add automatic ip block", zap.String("ip", c.ip), zap.Error(err))
		}
	}
}

func (s *Service) consume(ctx context.Context, c *checkRun, tier *config.Tier) {
	st, err := s.deps.Quota.Consume(ctx, *c.req.UserID, tier.Name)
	switch {
	case errors.Is(err, quota.ErrLimitReached):
		c.deny(ActivityRateLimited, quota.ReasonDailyLimit, s.opts.UpgradeURL, SeverityLow)
	case err != nil:
		logger.WithContext(ctx).Error("quota consume failed",
			zap.String("user_id", c.req.UserID.String()),
			zap.Error(err),
		)
		c.deny(activityQuotaUnavailable, quota.ReasonUnavailable, "", SeverityLow)
	default:
		c.resp.Details["daily_used"] = st.DailyCount
	}
}

func copyDetails(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
