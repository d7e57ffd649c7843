package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Tier names shipped with the default policy
const (
	TierFree         = "free"
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

// Unlimited marks a limit that is never checked
const Unlimited = -1

var (
	// ErrUnknownTier is returned when a tier name has no definition in the policy
	ErrUnknownTier = errors.New("config: unknown tier")
	// ErrInvalidPolicy wraps every policy validation failure
	ErrInvalidPolicy = errors.New("config: invalid fraud policy")
)

// Tier describes the quota and network rules of a subscription tier.
type Tier struct {
	Name         string `json:"name"`
	DailyLimit   int    `json:"daily_limit" validate:"gte=-1"`
	MonthlyLimit int    `json:"monthly_limit" validate:"gte=-1"`
	TrialDays    int    `json:"trial_days" validate:"gte=0,lte=365"`
	VPNAllowed   bool   `json:"vpn_allowed"`
}

// HasTrial reports whether accounts on this tier run on a trial clock
func (t Tier) HasTrial() bool {
	return t.TrialDays > 0
}

// DailyUnlimited reports whether the daily counter is never enforced
func (t Tier) DailyUnlimited() bool {
	return t.DailyLimit < 0
}

// TierTable maps tier names to their definition
type TierTable map[string]Tier

// Get returns the named tier or ErrUnknownTier
func (tt TierTable) Get(name string) (Tier, error) {
	t, ok := tt[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return t, nil
}

// Names returns the tier names in sorted order
func (tt TierTable) Names() []string {
	names := make([]string, 0, len(tt))
	for name := range tt {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RiskWeights are the additive contributions and band thresholds of the risk scorer.
type RiskWeights struct {
	Tor                    int `mapstructure:"tor" validate:"gte=0,lte=100"`
	VPN                    int `mapstructure:"vpn" validate:"gte=0,lte=100"`
	Proxy                  int `mapstructure:"proxy" validate:"gte=0,lte=100"`
	IncompleteFingerprint  int `mapstructure:"incomplete_fingerprint" validate:"gte=0,lte=100"`
	DuplicateLink          int `mapstructure:"duplicate_link" validate:"gte=0,lte=100"`
	DuplicateCap           int `mapstructure:"duplicate_cap" validate:"gte=0,lte=100"`
	DuplicateMinConfidence int `mapstructure:"duplicate_min_confidence" validate:"gte=0,lte=100"`
	MediumThreshold        int `mapstructure:"medium_threshold" validate:"gt=0,lte=100"`
	HighThreshold          int `mapstructure:"high_threshold" validate:"gtfield=MediumThreshold,lte=100"`
	CriticalThreshold      int `mapstructure:"critical_threshold" validate:"gtfield=HighThreshold,lte=100"`
}

// DetectorConfig tunes the duplicate account detector.
type DetectorConfig struct {
	SharedIPThreshold     int           `mapstructure:"shared_ip_threshold" validate:"gte=1"`
	SharedIPWindow        time.Duration `mapstructure:"shared_ip_window" validate:"gt=0"`
	MaxEmailDistance      int           `mapstructure:"max_email_distance" validate:"gte=0,lte=2"`
	DotInsensitiveDomains []string      `mapstructure:"dot_insensitive_domains"`
	DomainAliases         []string      `mapstructure:"domain_aliases"` // "alias=canonical"
	CandidateLimit        int           `mapstructure:"candidate_limit" validate:"gte=1"`
}

// Aliases returns DomainAliases as an alias -> canonical domain map
func (d DetectorConfig) Aliases() map[string]string {
	out := make(map[string]string, len(d.DomainAliases))
	for _, pair := range d.DomainAliases {
		alias, canonical, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(alias))] = strings.ToLower(strings.TrimSpace(canonical))
	}
	return out
}

// Policy is the injected, read-once fraud policy: tier table, scorer weights
// and detector thresholds.
type Policy struct {
	DefaultTier       string    `validate:"required"`
	Tiers             TierTable `validate:"required,min=1,dive"`
	Risk              RiskWeights
	Detector          DetectorConfig
	DisposableDomains []string
}

type tierSpec struct {
	DailyLimit   *int `mapstructure:"daily_limit"`
	MonthlyLimit *int `mapstructure:"monthly_limit"`
	TrialDays    int  `mapstructure:"trial_days"`
	VPNAllowed   bool `mapstructure:"vpn_allowed"`
}

type policyFile struct {
	DefaultTier       string              `mapstructure:"default_tier"`
	Tiers             map[string]tierSpec `mapstructure:"tiers"`
	Risk              RiskWeights         `mapstructure:"risk"`
	Detector          DetectorConfig      `mapstructure:"detector"`
	DisposableDomains []string            `mapstructure:"disposable_domains"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultTier: TierFree,
		Tiers: TierTable{
			TierFree:         {Name: TierFree, DailyLimit: 3, MonthlyLimit: Unlimited, TrialDays: 14, VPNAllowed: false},
			TierStarter:      {Name: TierStarter, DailyLimit: 5, MonthlyLimit: Unlimited, VPNAllowed: true},
			TierProfessional: {Name: TierProfessional, DailyLimit: 20, MonthlyLimit: Unlimited, VPNAllowed: true},
			TierEnterprise:   {Name: TierEnterprise, DailyLimit: Unlimited, MonthlyLimit: Unlimited, VPNAllowed: true},
		},
		Risk: RiskWeights{
			Tor:                    50,
			VPN:                    30,
			Proxy:                  25,
			IncompleteFingerprint:  10,
			DuplicateLink:          15,
			DuplicateCap:           45,
			DuplicateMinConfidence: 80,
			MediumThreshold:        30,
			HighThreshold:          60,
			CriticalThreshold:      80,
		},
		Detector: DetectorConfig{
			SharedIPThreshold:     3,
			SharedIPWindow:        30 * 24 * time.Hour,
			MaxEmailDistance:      2,
			DotInsensitiveDomains: []string{"gmail.com"},
			DomainAliases:         []string{"googlemail.com=gmail.com"},
			CandidateLimit:        200,
		},
	}
}

// LoadPolicy reads the policy file at path (YAML, JSON or TOML) on top of the
// built-in defaults. FRAUD_* environment variables override single keys, e.g.
// FRAUD_TIERS_FREE_DAILY_LIMIT. An empty path yields the defaults. Any invalid
// or incomplete tier definition is returned as an error and must stop startup.
func LoadPolicy(path string) (*Policy, error) {
	v := viper.New()
	v.SetEnvPrefix("FRAUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setPolicyDefaults(v, DefaultPolicy())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read policy file %s: %w", path, err)
		}
	}

	var raw policyFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: decode policy: %w", err)
	}

	policy := &Policy{
		DefaultTier:       strings.ToLower(raw.DefaultTier),
		Tiers:             make(TierTable, len(raw.Tiers)),
		Risk:              raw.Risk,
		Detector:          raw.Detector,
		DisposableDomains: raw.DisposableDomains,
	}

	for name, tierCfg := range raw.Tiers {
		name = strings.ToLower(name)
		if tierCfg.DailyLimit == nil {
			return nil, fmt.Errorf("%w: tier %q has no daily_limit", ErrInvalidPolicy, name)
		}
		monthly := Unlimited
		if tierCfg.MonthlyLimit != nil {
			monthly = *tierCfg.MonthlyLimit
		}
		policy.Tiers[name] = Tier{
			Name:         name,
			DailyLimit:   *tierCfg.DailyLimit,
			MonthlyLimit: monthly,
			TrialDays:    tierCfg.TrialDays,
			VPNAllowed:   tierCfg.VPNAllowed,
		}
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// Validate checks the policy for the fatal configuration errors.
func (p *Policy) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if _, err := p.Tiers.Get(p.DefaultTier); err != nil {
		return fmt.Errorf("%w: default tier %q is not defined", ErrInvalidPolicy, p.DefaultTier)
	}
	for name, tier := range p.Tiers {
		if tier.Name != name {
			return fmt.Errorf("%w: tier key %q does not match name %q", ErrInvalidPolicy, name, tier.Name)
		}
	}
	return nil
}

func setPolicyDefaults(v *viper.Viper, p *Policy) {
	v.SetDefault("default_tier", p.DefaultTier)
	for name, tier := range p.Tiers {
		prefix := "tiers." + name + "."
		v.SetDefault(prefix+"daily_limit", tier.DailyLimit)
		v.SetDefault(prefix+"monthly_limit", tier.MonthlyLimit)
		v.SetDefault(prefix+"trial_days", tier.TrialDays)
		v.SetDefault(prefix+"vpn_allowed", tier.VPNAllowed)
	}

	v.SetDefault("risk.tor", p.Risk.Tor)
	v.SetDefault("risk.vpn", p.Risk.VPN)
	v.SetDefault("risk.proxy", p.Risk.Proxy)
	v.SetDefault("risk.incomplete_fingerprint", p.Risk.IncompleteFingerprint)
	v.SetDefault("risk.duplicate_link", p.Risk.DuplicateLink)
	v.SetDefault("risk.duplicate_cap", p.Risk.DuplicateCap)
	v.SetDefault("risk.duplicate_min_confidence", p.Risk.DuplicateMinConfidence)
	v.SetDefault("risk.medium_threshold", p.Risk.MediumThreshold)
	v.SetDefault("risk.high_threshold", p.Risk.HighThreshold)
	v.SetDefault("risk.critical_threshold", p.Risk.CriticalThreshold)

	v.SetDefault("detector.shared_ip_threshold", p.Detector.SharedIPThreshold)
	v.SetDefault("detector.shared_ip_window", p.Detector.SharedIPWindow)
	v.SetDefault("detector.max_email_distance", p.Detector.MaxEmailDistance)
	v.SetDefault("detector.dot_insensitive_domains", p.Detector.DotInsensitiveDomains)
	v.SetDefault("detector.domain_aliases", p.Detector.DomainAliases)
	v.SetDefault("detector.candidate_limit", p.Detector.CandidateLimit)
	v.SetDefault("disposable_domains", []string{})
}
