package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Events    EventsConfig
	Tracing   TracingConfig
	Sentry    SentryConfig
	Stripe    StripeConfig
	Secrets   SecretsConfig
	Network   NetworkConfig
	Fraud     FraudConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	Version      string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string // Comma-separated list of allowed origins
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	RunMigrations bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
	Issuer string
}

// RateLimitConfig configures the Redis-backed velocity throttle applied to
// anonymous (pre-auth) fraud checks, keyed by check type and client IP.
type RateLimitConfig struct {
	Enabled        bool
	WindowSeconds  int
	DefaultLimit   int
	DefaultBurst   int
	AnonymousLimit int
	AnonymousBurst int
	RedisPrefix    string
	// EndpointOverrides is keyed by check type (e.g. "registration").
	EndpointOverrides map[string]EndpointRateLimitConfig
}

// EndpointRateLimitConfig overrides the defaults for a single key
type EndpointRateLimitConfig struct {
	AuthenticatedLimit int
	AuthenticatedBurst int
	AnonymousLimit     int
	AnonymousBurst     int
	WindowSeconds      int
}

// Window returns the configured window, defaulting to one minute
func (c RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// EventsConfig selects where suspicious activity events are published
type EventsConfig struct {
	Backend      string // nats, kafka or none
	NATSURL      string
	Subject      string
	KafkaBrokers []string
	KafkaTopic   string
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// SentryConfig holds Sentry settings
type SentryConfig struct {
	DSN              string
	TracesSampleRate float64
}

// StripeConfig configures the Stripe-backed tier resolver
type StripeConfig struct {
	SecretKey string
	// PriceTiers maps a Stripe price ID or lookup key to a tier name.
	PriceTiers map[string]string
}

// SecretsConfig holds credentials for the stores secret references point into
type SecretsConfig struct {
	CacheTTL       time.Duration
	VaultAddress   string
	VaultToken     string
	VaultNamespace string
	VaultMountPath string
	AWSRegion      string
	AWSEndpoint    string
	AWSAccessKeyID string
	AWSSecretKey   string
	GCPProjectID   string
	GCPCredentials string
	FileBasePath   string
}

// NetworkConfig lists the network intelligence used to classify request IPs
type NetworkConfig struct {
	TorExitNodes    []string
	TorExitListFile string
	VPNRanges       []string
	ProxyRanges     []string
	DeviceHashKey   string
}

// FraudConfig holds runtime knobs of the fraud engine
type FraudConfig struct {
	PolicyFile               string
	TierResolver             string // database or stripe
	CheckTimeout             time.Duration
	DuplicateLookupTimeout   time.Duration
	TrialSweepInterval       time.Duration
	DuplicateScanInterval    time.Duration
	DuplicateScanLookback    time.Duration
	DuplicateScanBatchSize   int
	BlocklistRefreshInterval time.Duration
	TierCacheTTL             time.Duration
	UpgradeURL               string
	AutoBlockCriticalIP      bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			Version:      getEnv("SERVICE_VERSION", "dev"),
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "postgres"),
			Password:      getEnv("DB_PASSWORD", "postgres"),
			DBName:        getEnv("DB_NAME", "nabavki"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxConns:      getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:      getEnvAsInt("DB_MIN_CONNS", 5),
			RunMigrations: getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Issuer: getEnv("JWT_ISSUER", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
			WindowSeconds:     getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			DefaultLimit:      getEnvAsInt("RATE_LIMIT_DEFAULT_LIMIT", 120),
			DefaultBurst:      getEnvAsInt("RATE_LIMIT_DEFAULT_BURST", 20),
			AnonymousLimit:    getEnvAsInt("RATE_LIMIT_ANONYMOUS_LIMIT", 20),
			AnonymousBurst:    getEnvAsInt("RATE_LIMIT_ANONYMOUS_BURST", 5),
			RedisPrefix:       getEnv("RATE_LIMIT_REDIS_PREFIX", "fraud:rl"),
			EndpointOverrides: parseEndpointOverrides(getEnv("RATE_LIMIT_OVERRIDES", "")),
		},
		Events: EventsConfig{
			Backend:      getEnv("EVENTS_BACKEND", "none"),
			NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
			Subject:      getEnv("EVENTS_SUBJECT", "fraud.suspicious_activity"),
			KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "fraud.suspicious_activity"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvAsBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Sentry: SentryConfig{
			DSN:              getEnv("SENTRY_DSN", ""),
			TracesSampleRate: getEnvAsFloat("SENTRY_TRACES_SAMPLE_RATE", 0.1),
		},
		Stripe: StripeConfig{
			SecretKey:  getEnv("STRIPE_SECRET_KEY", ""),
			PriceTiers: parsePairs(getEnv("STRIPE_PRICE_TIERS", "")),
		},
		Secrets: SecretsConfig{
			CacheTTL:       getEnvAsDuration("SECRETS_CACHE_TTL", 5*time.Minute),
			VaultAddress:   getEnv("VAULT_ADDR", ""),
			VaultToken:     getEnv("VAULT_TOKEN", ""),
			VaultNamespace: getEnv("VAULT_NAMESPACE", ""),
			VaultMountPath: getEnv("VAULT_MOUNT_PATH", "secret"),
			AWSRegion:      getEnv("AWS_REGION", ""),
			AWSEndpoint:    getEnv("AWS_SECRETS_ENDPOINT", ""),
			AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
			AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
			GCPProjectID:   getEnv("GCP_PROJECT_ID", ""),
			GCPCredentials: getEnv("GCP_CREDENTIALS_FILE", ""),
			FileBasePath:   getEnv("SECRETS_FILE_BASE_PATH", "/var/run/secrets"),
		},
		Network: NetworkConfig{
			TorExitNodes:    getEnvAsSlice("TOR_EXIT_NODES", nil),
			TorExitListFile: getEnv("TOR_EXIT_LIST_FILE", ""),
			VPNRanges:       getEnvAsSlice("VPN_IP_RANGES", nil),
			ProxyRanges:     getEnvAsSlice("PROXY_IP_RANGES", nil),
			DeviceHashKey:   getEnv("DEVICE_HASH_KEY", ""),
		},
		Fraud: FraudConfig{
			PolicyFile:               getEnv("FRAUD_POLICY_FILE", ""),
			TierResolver:             getEnv("FRAUD_TIER_RESOLVER", "database"),
			CheckTimeout:             getEnvAsDuration("FRAUD_CHECK_TIMEOUT", 2*time.Second),
			DuplicateLookupTimeout:   getEnvAsDuration("FRAUD_DUPLICATE_LOOKUP_TIMEOUT", 300*time.Millisecond),
			TrialSweepInterval:       getEnvAsDuration("FRAUD_TRIAL_SWEEP_INTERVAL", time.Hour),
			DuplicateScanInterval:    getEnvAsDuration("FRAUD_DUPLICATE_SCAN_INTERVAL", 6*time.Hour),
			DuplicateScanLookback:    getEnvAsDuration("FRAUD_DUPLICATE_SCAN_LOOKBACK", 24*time.Hour),
			DuplicateScanBatchSize:   getEnvAsInt("FRAUD_DUPLICATE_SCAN_BATCH", 500),
			BlocklistRefreshInterval: getEnvAsDuration("FRAUD_BLOCKLIST_REFRESH", 30*time.Second),
			TierCacheTTL:             getEnvAsDuration("FRAUD_TIER_CACHE_TTL", 5*time.Minute),
			UpgradeURL:               getEnv("FRAUD_UPGRADE_URL", "/pricing"),
			AutoBlockCriticalIP:      getEnvAsBool("FRAUD_AUTO_BLOCK_CRITICAL_IP", false),
		},
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as expected by migrate
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return splitList(valueStr)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePairs parses "a:b,c:d" into a map.
func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, item := range splitList(raw) {
		k, v, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// parseEndpointOverrides parses "registration=5/60,login=10/60" into
// anonymous limit/window overrides.
func parseEndpointOverrides(raw string) map[string]EndpointRateLimitConfig {
	out := make(map[string]EndpointRateLimitConfig)
	for _, item := range splitList(raw) {
		key, rule, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		limitStr, windowStr, _ := strings.Cut(rule, "/")
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil {
			continue
		}
		window, _ := strconv.Atoi(strings.TrimSpace(windowStr))
		out[strings.TrimSpace(key)] = EndpointRateLimitConfig{
			AuthenticatedLimit: limit,
			AnonymousLimit:     limit,
			WindowSeconds:      window,
		}
	}
	return out
}
