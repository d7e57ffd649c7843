// Package ratelimit throttles request velocity per identity with a Redis
// token bucket. It is independent of the per-user daily quota, which lives in
// Postgres and is never reset by this limiter.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/redis/go-redis/v9"
)

// IdentityType distinguishes callers that presented a token from those that did not
type IdentityType int

const (
	IdentityAnonymous IdentityType = iota
	IdentityAuthenticated
)

// Rule is a bucket definition: Limit tokens refill per Window, plus Burst headroom
type Rule struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Result describes one Allow decision
type Result struct {
	Allowed      bool
	Remaining    int
	RetryAfter   time.Duration
	Limit        int
	Window       time.Duration
	ResetAfter   time.Duration
	IdentityKey  string
	EndpointKey  string
	IdentityType IdentityType
}

// KEYS[1] bucket; ARGV capacity, refill per ms, now ms, ttl ms
const tokenBucketScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
  ts = now
end

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", KEYS[1], ttl)

local reset = math.ceil((capacity - tokens) / rate)
return {allowed, tostring(tokens), retry, reset}
`

// Limiter evaluates token buckets stored in Redis
type Limiter struct {
	client *redis.Client
	script *redis.Script
	now    func() time.Time
	cfg    config.RateLimitConfig
}

// NewLimiter creates a limiter backed by client
func NewLimiter(client *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		now:    time.Now,
		cfg:    cfg,
	}
}

// WithNow overrides the clock, for tests
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Enabled reports whether Allow consults Redis at all
func (l *Limiter) Enabled() bool {
	return l.cfg.Enabled
}

// RuleFor resolves the bucket for an endpoint, applying per-endpoint overrides
func (l *Limiter) RuleFor(endpoint string, identity IdentityType) Rule {
	rule := Rule{Window: l.cfg.Window()}
	if identity == IdentityAuthenticated {
		rule.Limit, rule.Burst = l.cfg.DefaultLimit, l.cfg.DefaultBurst
	} else {
		rule.Limit, rule.Burst = l.cfg.AnonymousLimit, l.cfg.AnonymousBurst
	}

	if o, ok := l.cfg.EndpointOverrides[endpoint]; ok {
		limit, burst := o.AnonymousLimit, o.AnonymousBurst
		if identity == IdentityAuthenticated {
			limit, burst = o.AuthenticatedLimit, o.AuthenticatedBurst
		}
		if limit > 0 {
			rule.Limit = limit
		}
		if burst >= 0 {
			rule.Burst = burst
		}
		if o.WindowSeconds > 0 {
			rule.Window = time.Duration(o.WindowSeconds) * time.Second
		}
	}

	if rule.Burst < 0 {
		rule.Burst = 0
	}
	return rule
}

// Allow takes one token from the bucket for identity on endpoint. A disabled
// limiter or a non-positive limit always allows.
func (l *Limiter) Allow(ctx context.Context, endpoint, identity string, rule Rule, identityType IdentityType) (Result, error) {
	res := Result{
		Allowed:      true,
		Remaining:    rule.Limit,
		Limit:        rule.Limit,
		Window:       rule.Window,
		IdentityKey:  identity,
		EndpointKey:  endpoint,
		IdentityType: identityType,
	}
	if !l.cfg.Enabled || rule.Limit <= 0 {
		return res, nil
	}

	window := rule.Window
	if window <= 0 {
		window = l.cfg.Window()
	}
	res.Window = window

	capacity := float64(rule.Limit + max(rule.Burst, 0))
	perMs := float64(rule.Limit) / float64(window.Milliseconds())
	nowMs := l.now().UnixMilli()
	ttlMs := int64(math.Ceil(capacity/perMs)) + window.Milliseconds()

	key := fmt.Sprintf("%s:%s:%s", l.cfg.RedisPrefix, endpoint, identity)
	raw, err := l.script.Run(ctx, l.client, []string{key},
		formatFloat(capacity), formatFloat(perMs), nowMs, ttlMs).Slice()
	if err != nil {
		return res, fmt.Errorf("rate limit script: %w", err)
	}
	if len(raw) != 4 {
		return res, fmt.Errorf("rate limit script: unexpected reply length %d", len(raw))
	}

	res.Allowed = toInt(raw[0]) == 1
	res.Remaining = int(math.Floor(toFloat(raw[1])))
	res.RetryAfter = time.Duration(toInt(raw[2])) * time.Millisecond
	res.ResetAfter = time.Duration(toInt(raw[3])) * time.Millisecond
	return res, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 10, 64)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
