// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, the relational store, the email API, the delivery
// worker, idempotency maintenance, operator auth, Redis and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "newsletter-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and tunes the relational store.
type DBConfig struct {
	Driver         string        // sqlite|postgres|mysql
	Path           string        // SQLite file path
	DSN            string        // postgres/mysql DSN
	MaxOpenConns   int           // 0 = driver default (1 for sqlite)
	AcquireTimeout time.Duration // bound on waiting for a connection inside a request
}

// EmailConfig configures the HTTP email API client.
type EmailConfig struct {
	BaseURL  string        // EMAIL_API_URL; empty selects the log notifier
	Sender   string        // EMAIL_SENDER
	APIToken string        // EMAIL_API_TOKEN
	Timeout  time.Duration // per-send timeout
}

// WorkerConfig configures the delivery worker.
type WorkerConfig struct {
	Enabled      bool          // run the worker inside the API process
	PollInterval time.Duration // how often an idle worker looks for tasks
	BatchSize    int           // tasks claimed per cycle
	Concurrency  int           // concurrent sends per batch
	MaxAttempts  int           // failures before a task is dead-lettered
	BackoffBase  time.Duration // first retry delay
	BackoffMax   time.Duration // retry delay cap
	Lease        time.Duration // how long a claimed task stays InFlight
	SendRate     float64       // sends per second across the process (0 = unlimited)
	MetricsPort  string        // cmd/worker only: port for /metrics
}

// MaintenanceConfig configures the idempotency sweeper.
type MaintenanceConfig struct {
	Schedule   string        // cron expression, e.g. "@every 1m"
	StaleAfter time.Duration // age after which an unfinished claim is released
	Retention  time.Duration // age after which completed records are purged (0 = keep)
}

// AuthConfig configures operator authentication.
type AuthConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	AdminUsername string // seeded on startup when set
	AdminPassword string
}

// RedisConfig configures the optional queue wake-up channel.
type RedisConfig struct {
	Addr     string // empty disables Redis
	Password string
	DB       int
	Channel  string
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

	// App
	AppBaseURL string // used to build confirmation links

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	DB          DBConfig
	Email       EmailConfig
	Worker      WorkerConfig
	Maintenance MaintenanceConfig
	Auth        AuthConfig
	Redis       RedisConfig

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
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/")),

		AppBaseURL: strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:8080"), "/"),

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

		DB: DBConfig{
			Driver:         strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:           getenv("DB_PATH", "app.db"),
			DSN:            getenv("DB_DSN", ""),
			MaxOpenConns:   getint("DB_MAX_OPEN_CONNS", 0),
			AcquireTimeout: getdur("DB_ACQUIRE_TIMEOUT", 5*time.Second),
		},
		Email: EmailConfig{
			BaseURL:  strings.TrimRight(getenv("EMAIL_API_URL", ""), "/"),
			Sender:   getenv("EMAIL_SENDER", "newsletter@example.com"),
			APIToken: getenv("EMAIL_API_TOKEN", ""),
			Timeout:  getdur("EMAIL_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			Enabled:      getbool("WORKER_ENABLED", true),
			PollInterval: getdur("WORKER_POLL_INTERVAL", 2*time.Second),
			BatchSize:    getint("WORKER_BATCH_SIZE", 50),
			Concurrency:  getint("WORKER_CONCURRENCY", 4),
			MaxAttempts:  getint("WORKER_MAX_ATTEMPTS", 5),
			BackoffBase:  getdur("WORKER_BACKOFF_BASE", 5*time.Second),
			BackoffMax:   getdur("WORKER_BACKOFF_MAX", 30*time.Minute),
			Lease:        getdur("WORKER_LEASE", 5*time.Minute),
			SendRate:     getfloat("WORKER_SEND_RATE", 0),
			MetricsPort:  getenv("WORKER_METRICS_PORT", "9091"),
		},
		Maintenance: MaintenanceConfig{
			Schedule:   getenv("MAINTENANCE_SCHEDULE", "@every 1m"),
			StaleAfter: getdur("IDEMPOTENCY_STALE_AFTER", 10*time.Minute),
			Retention:  getdur("IDEMPOTENCY_RETENTION", 0),
		},
		Auth: AuthConfig{
			JWTSecret:     getenv("JWT_SECRET", ""),
			TokenTTL:      getdur("JWT_TTL", 12*time.Hour),
			AdminUsername: getenv("ADMIN_USERNAME", ""),
			AdminPassword: getenv("ADMIN_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
			Channel:  getenv("REDIS_CHANNEL", "delivery:wakeup"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "newsletter-backend"),
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
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
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
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN must not be empty for postgres/mysql")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.DB.MaxOpenConns < 0 {
		return cfg, errors.New("DB_MAX_OPEN_CONNS must be >= 0")
	}
	if cfg.DB.AcquireTimeout <= 0 {
		return cfg, errors.New("DB_ACQUIRE_TIMEOUT must be > 0")
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
	if strings.TrimSpace(cfg.Email.Sender) == "" {
		return cfg, errors.New("EMAIL_SENDER must not be empty")
	}
	if cfg.Email.Timeout <= 0 {
		return cfg, errors.New("EMAIL_TIMEOUT must be > 0")
	}
	if cfg.Worker.PollInterval <= 0 || cfg.Worker.Lease <= 0 {
		return cfg, errors.New("WORKER_POLL_INTERVAL and WORKER_LEASE must be > 0")
	}
	if cfg.Worker.BatchSize < 1 || cfg.Worker.Concurrency < 1 {
		return cfg, errors.New("WORKER_BATCH_SIZE and WORKER_CONCURRENCY must be >= 1")
	}
	// A batch is sent in ceil(batch/concurrency) rounds of up to EMAIL_TIMEOUT.
	rounds := (cfg.Worker.BatchSize + cfg.Worker.Concurrency - 1) / cfg.Worker.Concurrency
	if cfg.Worker.Lease < time.Duration(rounds)*cfg.Email.Timeout {
		return cfg, errors.New("WORKER_LEASE must be >= ceil(WORKER_BATCH_SIZE/WORKER_CONCURRENCY) * EMAIL_TIMEOUT")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return cfg, errors.New("WORKER_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Worker.BackoffBase <= 0 || cfg.Worker.BackoffMax < cfg.Worker.BackoffBase {
		return cfg, errors.New("WORKER_BACKOFF_BASE must be > 0 and <= WORKER_BACKOFF_MAX")
	}
	if cfg.Worker.SendRate < 0 {
		return cfg, errors.New("WORKER_SEND_RATE must be >= 0")
	}
	if cfg.Maintenance.StaleAfter <= 0 {
		return cfg, errors.New("IDEMPOTENCY_STALE_AFTER must be > 0")
	}
	if cfg.Maintenance.Retention < 0 {
		return cfg, errors.New("IDEMPOTENCY_RETENTION must be >= 0")
	}
	if cfg.Maintenance.Retention > 0 && cfg.Maintenance.Retention < cfg.Maintenance.StaleAfter {
		return cfg, errors.New("IDEMPOTENCY_RETENTION must be >= IDEMPOTENCY_STALE_AFTER")
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		return cfg, errors.New("MAINTENANCE_SCHEDULE must not be empty")
	}
	if _, err := cron.ParseStandard(cfg.Maintenance.Schedule); err != nil {
		return cfg, errors.New("MAINTENANCE_SCHEDULE is not a valid cron expression")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return cfg, errors.New("JWT_SECRET must be at least 32 bytes")
	}
	if cfg.Auth.TokenTTL <= 0 {
		return cfg, errors.New("JWT_TTL must be > 0")
	}
	if (cfg.Auth.AdminUsername == "") != (cfg.Auth.AdminPassword == "") {
		return cfg, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

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
