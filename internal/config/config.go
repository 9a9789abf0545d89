package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env
	Debug   bool

	// MongoDB
	MongoURI          string
	MongoDbName       string
	MongoTransactions bool
	StoreTimeout      time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT
	JwtSecret string

	// Server
	ApiPort        string
	ServiceApiPort string
	PublicBaseURL  string

	// Commission
	PlatformCommissionPercent  float64
	ReferralShare              float64
	InvoicePaymentWaitTimeDays int
	OverdueSweepCron           string

	// Referral tracking
	ReferralLandingURL string
	ReferralCookieTTL  time.Duration

	// Payment gateway
	GatewayWebhookSecret      string
	GatewaySignatureTolerance time.Duration
	GatewayAPIBaseURL         string
	GatewayAPIKey             string
	GatewayCurrency           string
	GatewayHTTPTimeout        time.Duration
	AutoPaymentLinks          bool
	WebhookRetryMaxAttempts   int
	WebhookRetryBaseDelay     time.Duration
	ReportExportCron          string

	// Email
	SmtpHost        string
	SmtpPort        int
	SmtpUsername    string
	SmtpPassword    string
	SmtpFromAddress string
	MockEmails      bool
	LogEmailsPath   string

	// AWS S3
	AwsAccessKeyID     string
	AwsSecretAccessKey string
	AwsRegion          string
	AwsS3Bucket        string
	PresignTTL         time.Duration

	// App Defaults
	AppName string

	// Rate limiting for the public scan endpoints
	RateLimitBucketSize int
	RateLimitRefillRate int // tokens per second
}

// env collects lookups and keeps the first parse error so Load can read
// top to bottom without an if after every key.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (e *env) required(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		e.fail(fmt.Errorf("missing required environment variable: %s", key))
	}
	return v
}

func (e *env) int(key string, def int) int {
	v, err := strconv.Atoi(e.str(key, strconv.Itoa(def)))
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
	}
	return v
}

func (e *env) float(key string, def float64) float64 {
	v, err := strconv.ParseFloat(e.str(key, strconv.FormatFloat(def, 'f', -1, 64)), 64)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
	}
	return v
}

func (e *env) bool(key string, def bool) bool {
	v, err := strconv.ParseBool(e.str(key, strconv.FormatBool(def)))
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
	}
	return v
}

func (e *env) seconds(key string, def int) time.Duration {
	return time.Duration(e.int(key, def)) * time.Second
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	_ = godotenv.Load()

	e := &env{}
	cfg := &Config{
		RunMode: runMode,
		Debug:   e.bool("DEBUG", false),

		MongoURI:          e.required("MONGO_URI"),
		MongoDbName:       e.str("MONGO_DB_NAME", "settlement"),
		MongoTransactions: e.bool("MONGO_TRANSACTIONS", true),
		StoreTimeout:      e.seconds("STORE_TIMEOUT_SECONDS", 5),

		RedisAddr:     e.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.int("REDIS_DB", 0),

		JwtSecret: e.required("JWT_SECRET"),

		ApiPort:        e.str("API_PORT", "8080"),
		ServiceApiPort: e.str("SERVICE_API_PORT", "12345"),
		PublicBaseURL:  e.str("PUBLIC_BASE_URL", "http://localhost:8080"),

		PlatformCommissionPercent:  e.float("COMMISSION_PLATFORM_PERCENT", 20),
		ReferralShare:              e.float("COMMISSION_REFERRAL_SHARE", 0.5),
		InvoicePaymentWaitTimeDays: e.int("INVOICE_PAYMENT_WAIT_TIME_DAYS", 14),
		OverdueSweepCron:           e.str("OVERDUE_SWEEP_CRON", "@every 1h"),

		ReferralLandingURL: e.str("REFERRAL_LANDING_URL", ""),
		ReferralCookieTTL:  time.Duration(e.int("REFERRAL_COOKIE_TTL_HOURS", 72)) * time.Hour,

		GatewayWebhookSecret:      e.required("GATEWAY_WEBHOOK_SECRET"),
		GatewaySignatureTolerance: e.seconds("GATEWAY_SIGNATURE_TOLERANCE_SECONDS", 300),
		GatewayAPIBaseURL:         e.str("GATEWAY_API_BASE_URL", "https://api.stripe.com"),
		GatewayAPIKey:             e.str("GATEWAY_API_KEY", ""),
		GatewayCurrency:           e.str("GATEWAY_CURRENCY", "eur"),
		GatewayHTTPTimeout:        e.seconds("GATEWAY_HTTP_TIMEOUT_SECONDS", 30),
		AutoPaymentLinks:          e.bool("AUTO_PAYMENT_LINKS", false),
		WebhookRetryMaxAttempts:   e.int("WEBHOOK_RETRY_MAX_ATTEMPTS", 8),
		WebhookRetryBaseDelay:     e.seconds("WEBHOOK_RETRY_BASE_DELAY_SECONDS", 30),
		ReportExportCron:          e.str("REPORT_EXPORT_CRON", "0 3 1 * *"),

		SmtpHost:        e.str("SMTP_HOST", ""),
		SmtpPort:        e.int("SMTP_PORT", 587),
		SmtpUsername:    e.str("SMTP_USERNAME", ""),
		SmtpPassword:    e.str("SMTP_PASSWORD", ""),
		SmtpFromAddress: e.str("SMTP_FROM_ADDRESS", "billing@tourmarket.example.com"),
		MockEmails:      e.bool("MOCK_EMAILS", false),
		LogEmailsPath:   e.str("LOG_EMAILS", ""),

		AwsAccessKeyID:     e.str("AWS_ACCESS_KEY_ID", ""),
		AwsSecretAccessKey: e.str("AWS_SECRET_ACCESS_KEY", ""),
		AwsRegion:          e.str("AWS_REGION", ""),
		AwsS3Bucket:        e.str("AWS_S3_BUCKET", ""),
		PresignTTL:         e.seconds("S3_PRESIGN_TTL_SECONDS", 900),

		AppName: e.str("APP_NAME", "TourMarket"),

		RateLimitBucketSize: e.int("RATE_LIMIT_BUCKET_SIZE", 10),
		RateLimitRefillRate: e.int("RATE_LIMIT_REFILL_RATE", 2),
	}
	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PlatformCommissionPercent <= 0 || c.PlatformCommissionPercent >= 100 {
		return errors.New("COMMISSION_PLATFORM_PERCENT must be between 0 and 100 exclusive")
	}
	if c.ReferralShare < 0 || c.ReferralShare > 1 {
		return errors.New("COMMISSION_REFERRAL_SHARE must be between 0 and 1")
	}
	if c.InvoicePaymentWaitTimeDays <= 0 {
		return errors.New("INVOICE_PAYMENT_WAIT_TIME_DAYS must be positive")
	}
	if c.WebhookRetryMaxAttempts < 1 {
		return errors.New("WEBHOOK_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// S3Enabled reports whether report and QR archiving to S3 is configured.
func (c *Config) S3Enabled() bool {
	return c.AwsS3Bucket != "" && c.AwsRegion != ""
}
