// Package config provides configuration management and environment variable handling for the application
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Security   SecurityConfig   `json:"security"`
	JWT        JWTConfig        `json:"jwt"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Cache      CacheConfig      `json:"cache"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Breaker    BreakerConfig    `json:"breaker"`
	Delivery   DeliveryConfig   `json:"delivery"`
	SMS        SMSConfig        `json:"sms"`
	Email      EmailConfig      `json:"email"`
	Pricing    PricingConfig    `json:"pricing"`
	Kafka      KafkaConfig      `json:"kafka"`
	Deployment DeploymentConfig `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	BodyLimit       int           `json:"body_limit"`
	EnableMetrics   bool          `json:"enable_metrics"`
	TrustedProxies  []string      `json:"trusted_proxies"`
	ProxyHeader     string        `json:"proxy_header"`
}

type SecurityConfig struct {
	// CORS
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	CORSMaxAge       int      `json:"cors_max_age"`

	// Content Security
	CSPPolicy           string `json:"csp_policy"`
	XFrameOptions       string `json:"x_frame_options"`
	XContentTypeOptions string `json:"x_content_type_options"`
	ReferrerPolicy      string `json:"referrer_policy"`
	HSTSMaxAge          int    `json:"hsts_max_age"`

	// Provider webhooks authenticate with a shared secret
	WebhookSecret string `json:"-"`
	WebhookHeader string `json:"webhook_header"`
}

type JWTConfig struct {
	SecretKey  string `json:"secret_key"`
	PublicKey  string `json:"public_key"`   // RSA public key in PEM format
	UseRSAKeys bool   `json:"use_rsa_keys"` // Whether to verify with RSA instead of secret key
	Issuer     string `json:"issuer"`
	Audience   string `json:"audience"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // json, text
	Output     string `json:"output"` // stdout, file, both
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	Enabled     bool          `json:"enabled"`
	Provider    string        `json:"provider"` // redis, memory
	RedisURL    string        `json:"redis_url"`
	RedisDB     int           `json:"redis_db"`
	RedisPrefix string        `json:"redis_prefix"`
	DefaultTTL  time.Duration `json:"default_ttl"`
}

// RateLimitConfig maps vendor tiers to requests per window
type RateLimitConfig struct {
	Window           time.Duration `json:"window"`
	PrivacySafeLimit int           `json:"privacy_safe_limit"`
	SelectiveLimit   int           `json:"selective_limit"`
	FullAccessLimit  int           `json:"full_access_limit"`
}

// BreakerSettings are the thresholds of one service's circuit
type BreakerSettings struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenDuration     time.Duration `json:"open_duration"`
}

type BreakerConfig struct {
	Default     BreakerSettings            `json:"default"`
	Identity    BreakerSettings            `json:"identity"`
	Messaging   BreakerSettings            `json:"messaging"`
	Overrides   map[string]BreakerSettings `json:"overrides"`
	CASAttempts int                        `json:"cas_attempts"`
}

type DeliveryConfig struct {
	Enabled         bool          `json:"enabled"`
	Workers         int           `json:"workers"`
	PollInterval    time.Duration `json:"poll_interval"`
	BatchSize       int           `json:"batch_size"`
	MaxRetries      int           `json:"max_retries"`
	RetryBaseDelay  time.Duration `json:"retry_base_delay"`
	RetryMaxDelay   time.Duration `json:"retry_max_delay"`
	ProviderTimeout time.Duration `json:"provider_timeout"`
	ClaimLease      time.Duration `json:"claim_lease"`
	ReaperInterval  time.Duration `json:"reaper_interval"`
	SMSPerSecond    float64       `json:"sms_per_second"`
	EmailPerSecond  float64       `json:"email_per_second"`
}

type SMSConfig struct {
	ProviderDomain string        `json:"provider_domain"`
	AccountSID     string        `json:"account_sid"`
	APIKey         string        `json:"api_key"`
	SourceNumber   string        `json:"source_number"`
	Timeout        time.Duration `json:"timeout"`
}

type EmailConfig struct {
	ProviderDomain string        `json:"provider_domain"`
	APIKey         string        `json:"api_key"`
	FromEmail      string        `json:"from_email"`
	FromName       string        `json:"from_name"`
	Timeout        time.Duration `json:"timeout"`
}

// PricingConfig holds unit prices in USD
type PricingConfig struct {
	EmailUnitPrice float64 `json:"email_unit_price"`
	SMSUnitPrice   float64 `json:"sms_unit_price"`
}

type KafkaConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"client_id"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Load environment variables from .env file
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	overrides, err := parseBreakerOverrides(getEnvString("BREAKER_OVERRIDES", ""))
	if err != nil {
		return nil, err
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "postgres"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 100),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:       getEnvInt("SERVER_BODY_LIMIT", 8*1024*1024), // 8MB, room for 10k recipients
			EnableMetrics:   getEnvBool("SERVER_ENABLE_METRICS", true),
			TrustedProxies:  getEnvStringSlice("SERVER_TRUSTED_PROXIES", []string{"127.0.0.1"}),
			ProxyHeader:     getEnvString("SERVER_PROXY_HEADER", "X-Real-IP"),
		},
		Security: SecurityConfig{
			AllowedOrigins:      getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:      getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders:      getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key", "X-Request-ID"}),
			AllowCredentials:    getEnvBool("CORS_ALLOW_CREDENTIALS", false),
			CORSMaxAge:          getEnvInt("CORS_MAX_AGE", 86400),
			CSPPolicy:           getEnvString("CSP_POLICY", "default-src 'none'"),
			XFrameOptions:       getEnvString("X_FRAME_OPTIONS", "DENY"),
			XContentTypeOptions: getEnvString("X_CONTENT_TYPE_OPTIONS", "nosniff"),
			ReferrerPolicy:      getEnvString("REFERRER_POLICY", "no-referrer"),
			HSTSMaxAge:          getEnvInt("HSTS_MAX_AGE", 31536000),
			WebhookSecret:       getEnvString("WEBHOOK_SECRET", ""),
			WebhookHeader:       getEnvString("WEBHOOK_HEADER", "X-Webhook-Token"),
		},
		JWT: JWTConfig{
			SecretKey:  getEnvString("JWT_SECRET_KEY", ""),
			PublicKey:  getEnvString("JWT_PUBLIC_KEY", ""),
			UseRSAKeys: getEnvBool("JWT_USE_RSA_KEYS", false),
			Issuer:     getEnvString("JWT_ISSUER", "vendor-portal"),
			Audience:   getEnvString("JWT_AUDIENCE", "vendor-relay"),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Format:     getEnvString("LOG_FORMAT", "json"),
			Output:     getEnvString("LOG_OUTPUT", "both"),
			FilePath:   getEnvString("LOG_FILE_PATH", "/var/log/vendor-relay/app.log"),
			MaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:     getEnvInt("LOG_MAX_AGE", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:     getEnvBool("CACHE_ENABLED", true),
			Provider:    getEnvString("CACHE_PROVIDER", "redis"),
			RedisURL:    getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:     getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix: getEnvString("CACHE_REDIS_PREFIX", "relay:"),
			DefaultTTL:  getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Window:           getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			PrivacySafeLimit: getEnvInt("RATE_LIMIT_PRIVACY_SAFE", 100),
			SelectiveLimit:   getEnvInt("RATE_LIMIT_SELECTIVE", 500),
			FullAccessLimit:  getEnvInt("RATE_LIMIT_FULL_ACCESS", 1000),
		},
		Breaker: BreakerConfig{
			Default: BreakerSettings{
				FailureThreshold: getEnvInt("BREAKER_DEFAULT_FAILURE_THRESHOLD", 5),
				SuccessThreshold: getEnvInt("BREAKER_DEFAULT_SUCCESS_THRESHOLD", 2),
				OpenDuration:     getEnvDuration("BREAKER_DEFAULT_OPEN_DURATION", 30*time.Second),
			},
			Identity: BreakerSettings{
				FailureThreshold: getEnvInt("BREAKER_IDENTITY_FAILURE_THRESHOLD", 3),
				SuccessThreshold: getEnvInt("BREAKER_IDENTITY_SUCCESS_THRESHOLD", 2),
				OpenDuration:     getEnvDuration("BREAKER_IDENTITY_OPEN_DURATION", 60*time.Second),
			},
			Messaging: BreakerSettings{
				FailureThreshold: getEnvInt("BREAKER_MESSAGING_FAILURE_THRESHOLD", 10),
				SuccessThreshold: getEnvInt("BREAKER_MESSAGING_SUCCESS_THRESHOLD", 3),
				OpenDuration:     getEnvDuration("BREAKER_MESSAGING_OPEN_DURATION", 30*time.Second),
			},
			Overrides:   overrides,
			CASAttempts: getEnvInt("BREAKER_CAS_ATTEMPTS", 5),
		},
		Delivery: DeliveryConfig{
			Enabled:         getEnvBool("DELIVERY_ENABLED", true),
			Workers:         getEnvInt("DELIVERY_WORKERS", 8),
			PollInterval:    getEnvDuration("DELIVERY_POLL_INTERVAL", 1*time.Second),
			BatchSize:       getEnvInt("DELIVERY_BATCH_SIZE", 200),
			MaxRetries:      getEnvInt("DELIVERY_MAX_RETRIES", 3),
			RetryBaseDelay:  getEnvDuration("DELIVERY_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:   getEnvDuration("DELIVERY_RETRY_MAX_DELAY", 10*time.Minute),
			ProviderTimeout: getEnvDuration("DELIVERY_PROVIDER_TIMEOUT", 10*time.Second),
			ClaimLease:      getEnvDuration("DELIVERY_CLAIM_LEASE", 2*time.Minute),
			ReaperInterval:  getEnvDuration("DELIVERY_REAPER_INTERVAL", 30*time.Second),
			SMSPerSecond:    getEnvFloat("DELIVERY_SMS_PER_SECOND", 50),
			EmailPerSecond:  getEnvFloat("DELIVERY_EMAIL_PER_SECOND", 100),
		},
		SMS: SMSConfig{
			ProviderDomain: getEnvString("SMS_PROVIDER_DOMAIN", "mock"),
			AccountSID:     getEnvString("SMS_ACCOUNT_SID", ""),
			APIKey:         getEnvString("SMS_API_KEY", ""),
			SourceNumber:   getEnvString("SMS_SOURCE_NUMBER", ""),
			Timeout:        getEnvDuration("SMS_TIMEOUT", 30*time.Second),
		},
		Email: EmailConfig{
			ProviderDomain: getEnvString("EMAIL_PROVIDER_DOMAIN", "mock"),
			APIKey:         getEnvString("EMAIL_API_KEY", ""),
			FromEmail:      getEnvString("EMAIL_FROM_EMAIL", "noreply@example.org"),
			FromName:       getEnvString("EMAIL_FROM_NAME", "Vendor Relay"),
			Timeout:        getEnvDuration("EMAIL_TIMEOUT", 30*time.Second),
		},
		Pricing: PricingConfig{
			EmailUnitPrice: getEnvFloat("PRICING_EMAIL_UNIT_PRICE", 0.001),
			SMSUnitPrice:   getEnvFloat("PRICING_SMS_UNIT_PRICE", 0.0075),
		},
		Kafka: KafkaConfig{
			Enabled:  getEnvBool("KAFKA_ENABLED", false),
			Brokers:  getEnvStringSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:    getEnvString("KAFKA_AUDIT_TOPIC", "vendor-relay.audit"),
			ClientID: getEnvString("KAFKA_CLIENT_ID", "vendor-relay"),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
			BuildTime:   getEnvString("BUILD_TIME", "unknown"),
		},
	}

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from .env file if it exists.
// Variables already present in the environment win.
func loadEnvFile() error {
	envFile := getEnvString("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(envFile)
}

// TierLimit returns the per-window limit of a vendor tier, 0 for an unknown tier
func (c RateLimitConfig) TierLimit(tier string) int {
	switch strings.ToUpper(tier) {
	case "PRIVACY_SAFE":
		return c.PrivacySafeLimit
	case "SELECTIVE":
		return c.SelectiveLimit
	case "FULL_ACCESS":
		return c.FullAccessLimit
	default:
		return 0
	}
}

// parseBreakerOverrides parses "service:failures:successes:open,..." e.g. "twilio:20:3:45s"
func parseBreakerOverrides(raw string) (map[string]BreakerSettings, error) {
	overrides := make(map[string]BreakerSettings)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid BREAKER_OVERRIDES entry %q", item)
		}
		failures, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid failure threshold in %q: %w", item, err)
		}
		successes, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid success threshold in %q: %w", item, err)
		}
		open, err := time.ParseDuration(parts[3])
		if err != nil {
			return nil, fmt.Errorf("invalid open duration in %q: %w", item, err)
		}
		overrides[strings.TrimSpace(parts[0])] = BreakerSettings{
			FailureThreshold: failures,
			SuccessThreshold: successes,
			OpenDuration:     open,
		}
	}
	return overrides, nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func validateBreaker(name string, s BreakerSettings) []string {
	var errors []string
	if s.FailureThreshold < 1 {
		errors = append(errors, fmt.Sprintf("breaker %s failure threshold must be at least 1", name))
	}
	if s.SuccessThreshold < 1 {
		errors = append(errors, fmt.Sprintf("breaker %s success threshold must be at least 1", name))
	}
	if s.OpenDuration <= 0 {
		errors = append(errors, fmt.Sprintf("breaker %s open duration must be positive", name))
	}
	return errors
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errors []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errors = append(errors, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errors = append(errors, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errors = append(errors, "DB_USER is required")
	}

	// Validate JWT configuration
	if cfg.JWT.UseRSAKeys {
		if cfg.JWT.PublicKey == "" {
			errors = append(errors, "JWT_PUBLIC_KEY is required when JWT_USE_RSA_KEYS is set")
		}
	} else if len(cfg.JWT.SecretKey) < 32 {
		errors = append(errors, "JWT_SECRET_KEY must be at least 32 characters long")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errors = append(errors, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		errors = append(errors, "SERVER_WRITE_TIMEOUT must be positive")
	}

	if len(cfg.Security.WebhookSecret) < 16 {
		errors = append(errors, "WEBHOOK_SECRET must be at least 16 characters long")
	}

	// Validate rate limits
	if cfg.RateLimit.Window <= 0 {
		errors = append(errors, "RATE_LIMIT_WINDOW must be positive")
	}
	if cfg.RateLimit.PrivacySafeLimit <= 0 || cfg.RateLimit.SelectiveLimit <= 0 || cfg.RateLimit.FullAccessLimit <= 0 {
		errors = append(errors, "tier rate limits must be positive")
	}

	// Validate breakers
	errors = append(errors, validateBreaker("default", cfg.Breaker.Default)...)
	errors = append(errors, validateBreaker("identity", cfg.Breaker.Identity)...)
	errors = append(errors, validateBreaker("messaging", cfg.Breaker.Messaging)...)
	for service, settings := range cfg.Breaker.Overrides {
		errors = append(errors, validateBreaker(service, settings)...)
	}

	// Validate delivery worker
	if cfg.Delivery.Workers < 1 {
		errors = append(errors, "DELIVERY_WORKERS must be at least 1")
	}
	if cfg.Delivery.MaxRetries < 0 {
		errors = append(errors, "DELIVERY_MAX_RETRIES cannot be negative")
	}
	if cfg.Delivery.ProviderTimeout <= 0 {
		errors = append(errors, "DELIVERY_PROVIDER_TIMEOUT must be positive")
	}
	if cfg.Delivery.ClaimLease <= cfg.Delivery.ProviderTimeout {
		errors = append(errors, "DELIVERY_CLAIM_LEASE must exceed DELIVERY_PROVIDER_TIMEOUT")
	}

	// Validate providers if not mocked
	if cfg.SMS.ProviderDomain != "mock" && cfg.SMS.APIKey == "" {
		errors = append(errors, "SMS_API_KEY is required for SMS provider")
	}
	if cfg.Email.ProviderDomain != "mock" && cfg.Email.APIKey == "" {
		errors = append(errors, "EMAIL_API_KEY is required for email provider")
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		errors = append(errors, "KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
