package fraud

import (
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/internal/risk"
	"github.com/google/uuid"
)

// CheckType names the gated operation asking for a decision
type CheckType string

const (
	CheckQuery        CheckType = "query"
	CheckRegistration CheckType = "registration"
	CheckAIQuestion   CheckType = "ai_question"
	CheckExport       CheckType = "export"
	CheckLogin        CheckType = "login"
)

// Metered reports whether the check counts against the daily quota. Login
// and registration only see the account state.
func (t CheckType) Metered() bool {
	switch t {
	case CheckQuery, CheckAIQuestion, CheckExport:
		return true
	}
	return false
}

// Deny reasons. Callers match on them, keep them stable.
const (
	ReasonVPNNotAllowed = "VPN/Tor not allowed on this tier"
	ReasonHighRisk      = "high risk activity detected"
	ReasonTooManyChecks = "too many requests from this address"
)

// BrowserInfo carries the client-reported browser attributes
type BrowserInfo struct {
	Resolution string `json:"resolution" validate:"max=32"`
	Timezone   string `json:"timezone" validate:"max=64"`
	Language   string `json:"language" validate:"max=35"`
	Platform   string `json:"platform" validate:"max=64"`
}

// CheckRequest is the body of a fraud check
type CheckRequest struct {
	UserID            *uuid.UUID   `json:"user_id,omitempty"`
	IPAddress         string       `json:"ip_address" validate:"omitempty,ip"`
	UserAgent         string       `json:"user_agent" validate:"max=1024"`
	DeviceFingerprint string       `json:"device_fingerprint" validate:"max=128"`
	CheckType         CheckType    `json:"check_type" validate:"required,check_type"`
	Email             string       `json:"email,omitempty" validate:"omitempty,email,max=320"`
	Browser           *BrowserInfo `json:"browser,omitempty"`
}

// CheckResponse is the decision returned to the gated operation
type CheckResponse struct {
	IsAllowed   bool                   `json:"is_allowed"`
	BlockReason string                 `json:"block_reason,omitempty"`
	RedirectTo  string                 `json:"redirect_to,omitempty"`
	RiskScore   int                    `json:"risk_score"`
	Details     map[string]interface{} `json:"details"`
}

// Severity grades a suspicious activity
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityFor(band risk.Band) Severity {
	switch band {
	case risk.BandCritical:
		return SeverityCritical
	case risk.BandHigh:
		return SeverityHigh
	case risk.BandMedium:
		return SeverityMedium
	}
	return SeverityLow
}

// Activity types written by the orchestrator
const (
	ActivityBlockedIP        = "blocked_ip"
	ActivityBlockedEmail     = "blocked_email"
	ActivityRateLimited      = "rate_limited"
	ActivityTrialExpired     = "trial_expired"
	ActivityAccountBlocked   = "account_blocked"
	ActivityVPNOnRestricted  = "vpn_on_restricted_tier"
	ActivityElevatedRisk     = "elevated_risk"
	ActivityCriticalRisk     = "critical_risk"
	ActivityVelocityExceeded = "velocity_exceeded"
)

// SuspiciousActivity is an append-only audit event
type SuspiciousActivity struct {
	ID           uuid.UUID              `json:"id"`
	UserID       *uuid.UUID             `json:"user_id,omitempty"`
	ActivityType string                 `json:"activity_type"`
	Severity     Severity               `json:"severity"`
	Description  string                 `json:"description"`
	IPAddress    string                 `json:"ip_address"`
	RiskScore    int                    `json:"risk_score"`
	Details      map[string]interface{} `json:"details"`
	DetectedAt   time.Time              `json:"detected_at"`
	Resolved     bool                   `json:"resolved"`
	ResolvedAt   *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy   *uuid.UUID             `json:"resolved_by,omitempty"`
	Notes        string                 `json:"notes,omitempty"`
}

// ResolveActivityRequest closes a suspicious activity
type ResolveActivityRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// RegisterAccountRequest is sent by the identity service on signup
type RegisterAccountRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Email  string `json:"email" validate:"required,email,max=320"`
	Tier   string `json:"tier" validate:"omitempty,tier_name"`
}

// PaymentFingerprintRequest is sent by billing when an instrument is attached.
// Instrument is the provider's stable instrument fingerprint; only its keyed
// hash is stored.
type PaymentFingerprintRequest struct {
	UserID     string `json:"user_id" validate:"required,uuid"`
	Instrument string `json:"instrument" validate:"required,max=255"`
}
