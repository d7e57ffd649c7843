package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============== Env Config Tests ==============

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("fraud-service")
	require.NoError(t, err)

	assert.Equal(t, "fraud-service", cfg.Server.ServiceName)
	assert.Equal(t, "fraud.suspicious_activity", cfg.Events.Subject)
	assert.Equal(t, "database", cfg.Fraud.TierResolver)
	assert.Equal(t, 300*time.Millisecond, cfg.Fraud.DuplicateLookupTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FRAUD_DUPLICATE_LOOKUP_TIMEOUT", "1s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("STRIPE_PRICE_TIERS", "price_123:starter,pro_monthly:professional,broken")
	t.Setenv("RATE_LIMIT_OVERRIDES", "registration=5/120,login=x/60")

	cfg, err := Load("fraud-service")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Fraud.DuplicateLookupTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, map[string]string{"price_123": "starter", "pro_monthly": "professional"}, cfg.Stripe.PriceTiers)
	require.Contains(t, cfg.RateLimit.EndpointOverrides, "registration")
	assert.NotContains(t, cfg.RateLimit.EndpointOverrides, "login")
	assert.Equal(t, 5, cfg.RateLimit.EndpointOverrides["registration"].AnonymousLimit)
	assert.Equal(t, 120, cfg.RateLimit.EndpointOverrides["registration"].WindowSeconds)
}

func TestDatabaseConfig_URL(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", cfg.URL())
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.DSN())
}

func TestRateLimitConfig_Window(t *testing.T) {
	assert.Equal(t, time.Minute, RateLimitConfig{}.Window())
	assert.Equal(t, 30*time.Second, RateLimitConfig{WindowSeconds: 30}.Window())
}

// ============== Policy Tests ==============

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicy_Defaults(t *testing.T) {
	policy, err := LoadPolicy("")
	require.NoError(t, err)

	free, err := policy.Tiers.Get(TierFree)
	require.NoError(t, err)
	assert.Equal(t, 3, free.DailyLimit)
	assert.Equal(t, 14, free.TrialDays)
	assert.False(t, free.VPNAllowed)
	assert.True(t, free.HasTrial())

	enterprise, err := policy.Tiers.Get(TierEnterprise)
	require.NoError(t, err)
	assert.True(t, enterprise.DailyUnlimited())
	assert.True(t, enterprise.VPNAllowed)

	starter, _ := policy.Tiers.Get("Starter")
	assert.Equal(t, 5, starter.DailyLimit)
	assert.Equal(t, Unlimited, starter.MonthlyLimit)

	assert.Equal(t, 50, policy.Risk.Tor)
	assert.Equal(t, 3, policy.Detector.SharedIPThreshold)
	assert.Equal(t, map[string]string{"googlemail.com": "gmail.com"}, policy.Detector.Aliases())
	assert.Equal(t, []string{"enterprise", "free", "professional", "starter"}, policy.Tiers.Names())
}

func TestLoadPolicy_FileOverridesAndAddsTiers(t *testing.T) {
	path := writePolicy(t, `
tiers:
  free:
    daily_limit: 2
  team:
    daily_limit: 50
    monthly_limit: 1000
    vpn_allowed: true
risk:
  tor: 60
detector:
  shared_ip_threshold: 4
  shared_ip_window: 72h
`)

	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	free, _ := policy.Tiers.Get(TierFree)
	assert.Equal(t, 2, free.DailyLimit)
	assert.Equal(t, 14, free.TrialDays, "untouched keys keep defaults")

	team, err := policy.Tiers.Get("team")
	require.NoError(t, err)
	assert.Equal(t, 50, team.DailyLimit)
	assert.Equal(t, 1000, team.MonthlyLimit)

	assert.Equal(t, 60, policy.Risk.Tor)
	assert.Equal(t, 30, policy.Risk.VPN)
	assert.Equal(t, 4, policy.Detector.SharedIPThreshold)
	assert.Equal(t, 72*time.Hour, policy.Detector.SharedIPWindow)
}

func TestLoadPolicy_TierWithoutDailyLimitIsFatal(t *testing.T) {
	path := writePolicy(t, `
tiers:
  gold:
    vpn_allowed: true
`)

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPolicy))
	assert.Contains(t, err.Error(), "gold")
}

func TestLoadPolicy_UndefinedDefaultTierIsFatal(t *testing.T) {
	path := writePolicy(t, "default_tier: platinum\n")

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPolicy))
}

func TestLoadPolicy_InvalidThresholdOrder(t *testing.T) {
	path := writePolicy(t, `
risk:
  high_threshold: 90
`)

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPolicy))
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicy_EnvOverride(t *testing.T) {
	t.Setenv("FRAUD_TIERS_STARTER_DAILY_LIMIT", "7")

	policy, err := LoadPolicy("")
	require.NoError(t, err)

	starter, _ := policy.Tiers.Get(TierStarter)
	assert.Equal(t, 7, starter.DailyLimit)
}

func TestTierTable_GetUnknown(t *testing.T) {
	_, err := DefaultPolicy().Tiers.Get("gold")
	assert.True(t, errors.Is(err, ErrUnknownTier))
}
