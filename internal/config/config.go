// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, cache, rate limiting, ledger policy, payment gateway
// credentials and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "ledgerd")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig selects and addresses the SQL database.
type StorageConfig struct {
	Driver      string // DB_DRIVER: sqlite|postgres
	DBPath      string // DB_PATH (sqlite)
	DatabaseURL string // DATABASE_URL (postgres)
}

// DSN returns the driver-specific connection string.
func (s StorageConfig) DSN() string {
	if s.Driver == "postgres" {
		return s.DatabaseURL
	}
	return s.DBPath
}

// RedisConfig addresses the cache / notification bus. An empty Addr
// disables both.
type RedisConfig struct {
	Addr     string        // REDIS_ADDR
	Password string        // REDIS_PASSWORD
	DB       int           // REDIS_DB
	CacheTTL time.Duration // CACHE_TTL
	Channel  string        // NOTIFY_CHANNEL prefix
}

// LedgerConfig carries the money and retry policy of the engine.
type LedgerConfig struct {
	Currency           string          // CURRENCY (ISO 4217)
	TaxRate            decimal.Decimal // TAX_RATE (fraction, e.g. 0.05)
	Epsilon            decimal.Decimal // AMOUNT_EPSILON (smallest currency unit)
	RetryBudget        int             // RETRY_BUDGET
	TxMaxAttempts      int             // TX_MAX_ATTEMPTS
	TxBaseBackoff      time.Duration   // TX_BASE_BACKOFF
	RetrySweepInterval time.Duration   // RETRY_SWEEP_INTERVAL (0 disables)
	RetrySweepBatch    int             // RETRY_SWEEP_BATCH
	ProcessingTimeout  time.Duration   // PROCESSING_TIMEOUT
	ReconcileInterval  time.Duration   // RECONCILE_INTERVAL (0 disables)
	StuckLockAfter     time.Duration   // STUCK_LOCK_AFTER
}

// GatewayConfig holds credentials of the payment providers. Secrets are
// never logged.
type GatewayConfig struct {
	RazorpayBaseURL   string        // RAZORPAY_BASE_URL
	RazorpayKeyID     string        // RAZORPAY_KEY_ID
	RazorpayKeySecret string        // RAZORPAY_KEY_SECRET
	PhonePeBaseURL    string        // PHONEPE_BASE_URL
	PhonePeClientID   string        // PHONEPE_CLIENT_ID
	PhonePeSecret     string        // PHONEPE_CLIENT_SECRET
	PhonePeCallback   string        // PHONEPE_CALLBACK_URL
	Timeout           time.Duration // GATEWAY_TIMEOUT
	WebhookSecret     string        // WEBHOOK_SECRET
	SignatureHeader   string        // WEBHOOK_SIGNATURE_HEADER
	WebhookRate       string        // WEBHOOK_RATE, formatted like "600-M"
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	Storage StorageConfig
	Redis   RedisConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Ledger  LedgerConfig
	Gateway GatewayConfig

	// Auth
	JWTSecret string // JWT_SECRET; empty trusts X-Actor-* headers

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Storage: StorageConfig{
			Driver:      strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DBPath:      getenv("DB_PATH", "ledger.db"),
			DatabaseURL: getenv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
			CacheTTL: getdur("CACHE_TTL", 30*time.Second),
			Channel:  getenv("NOTIFY_CHANNEL", "ledger:notify"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Ledger: LedgerConfig{
			Currency:           strings.ToUpper(getenv("CURRENCY", "INR")),
			TaxRate:            getdec("TAX_RATE", decimal.RequireFromString("0.05")),
			Epsilon:            getdec("AMOUNT_EPSILON", decimal.RequireFromString("0.01")),
			RetryBudget:        getint("RETRY_BUDGET", 5),
			TxMaxAttempts:      getint("TX_MAX_ATTEMPTS", 5),
			TxBaseBackoff:      getdur("TX_BASE_BACKOFF", 20*time.Millisecond),
			RetrySweepInterval: getdur("RETRY_SWEEP_INTERVAL", time.Minute),
			RetrySweepBatch:    getint("RETRY_SWEEP_BATCH", 20),
			ProcessingTimeout:  getdur("PROCESSING_TIMEOUT", 5*time.Minute),
			ReconcileInterval:  getdur("RECONCILE_INTERVAL", 10*time.Minute),
			StuckLockAfter:     getdur("STUCK_LOCK_AFTER", 30*time.Minute),
		},
		Gateway: GatewayConfig{
			RazorpayBaseURL:   getenv("RAZORPAY_BASE_URL", "https://api.razorpay.com"),
			RazorpayKeyID:     getenv("RAZORPAY_KEY_ID", ""),
			RazorpayKeySecret: getenv("RAZORPAY_KEY_SECRET", ""),
			PhonePeBaseURL:    getenv("PHONEPE_BASE_URL", "https://api.phonepe.com/apis/pg"),
			PhonePeClientID:   getenv("PHONEPE_CLIENT_ID", ""),
			PhonePeSecret:     getenv("PHONEPE_CLIENT_SECRET", ""),
			PhonePeCallback:   getenv("PHONEPE_CALLBACK_URL", ""),
			Timeout:           getdur("GATEWAY_TIMEOUT", 10*time.Second),
			WebhookSecret:     getenv("WEBHOOK_SECRET", ""),
			SignatureHeader:   getenv("WEBHOOK_SIGNATURE_HEADER", "X-Razorpay-Signature"),
			WebhookRate:       getenv("WEBHOOK_RATE", "600-M"),
		},

		JWTSecret: getenv("JWT_SECRET", ""),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "ledgerd"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Storage.Driver == "postgresql" || cfg.Storage.Driver == "pg" {
		cfg.Storage.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.Redis.CacheTTL <= 0 {
		return cfg, errors.New("CACHE_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if len(cfg.Ledger.Currency) != 3 {
		return cfg, errors.New("CURRENCY must be a 3-letter ISO code")
	}
	if cfg.Ledger.TaxRate.IsNegative() || cfg.Ledger.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return cfg, errors.New("TAX_RATE must be in [0,1]")
	}
	if !cfg.Ledger.Epsilon.IsPositive() {
		return cfg, errors.New("AMOUNT_EPSILON must be > 0")
	}
	if cfg.Ledger.RetryBudget < 1 {
		return cfg, errors.New("RETRY_BUDGET must be >= 1")
	}
	if cfg.Ledger.TxMaxAttempts < 1 {
		return cfg, errors.New("TX_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Ledger.TxBaseBackoff <= 0 {
		return cfg, errors.New("TX_BASE_BACKOFF must be > 0")
	}
	if cfg.Ledger.RetrySweepInterval < 0 || cfg.Ledger.ReconcileInterval < 0 {
		return cfg, errors.New("sweep and reconcile intervals must be >= 0")
	}
	if cfg.Ledger.RetrySweepBatch < 1 {
		return cfg, errors.New("RETRY_SWEEP_BATCH must be >= 1")
	}
	if cfg.Ledger.ProcessingTimeout <= 0 || cfg.Ledger.StuckLockAfter <= 0 {
		return cfg, errors.New("PROCESSING_TIMEOUT and STUCK_LOCK_AFTER must be > 0")
	}
	if cfg.Gateway.Timeout <= 0 {
		return cfg, errors.New("GATEWAY_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.Gateway.SignatureHeader) == "" {
		return cfg, errors.New("WEBHOOK_SIGNATURE_HEADER must not be empty")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getdec(k string, def decimal.Decimal) decimal.Decimal {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
