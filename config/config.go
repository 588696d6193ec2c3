package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for the audit trail. When nil, audit uses main DB.
	Session       SessionConfig
	Reset         ResetConfig
	Mail          MailConfig
	Audit         AuditConfig
	RateLimit     RateLimitConfig
	Bootstrap     BootstrapConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	StaticDir       string
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP
	TrustProxy      bool
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string // postgres or memory
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// SessionConfig holds the signed session cookie and timeout settings
type SessionConfig struct {
	Secret       string
	Lifetime     time.Duration
	CookieName   string
	CookieSecure bool
}

// ResetConfig holds password reset token settings
type ResetConfig struct {
	Secret        string
	TokenTTL      time.Duration
	PublicBaseURL string
}

// MailConfig holds SMTP settings. An empty Host selects the log-only sender.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// AuditConfig holds the audit worker pool settings
type AuditConfig struct {
	BufferSize  int
	WorkerCount int
}

// RateLimitConfig holds per-client limits for credential endpoints
type RateLimitConfig struct {
	RequestsPerMinute float64
	Burst             int
}

// BootstrapConfig describes the default ultra superuser ensured at startup
type BootstrapConfig struct {
	Enabled  bool
	Email    string
	Username string
	Password string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:5000"}),
			StaticDir:       getEnv("STATIC_DIR", "static"),
			TrustProxy:      getEnvAsBool("TRUST_PROXY", false),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", StoreBackendPostgres),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Session: SessionConfig{
			Secret:       getEnv("SESSION_SECRET", ""),
			Lifetime:     getEnvAsDuration("SESSION_LIFETIME", 120*time.Minute),
			CookieName:   getEnv("SESSION_COOKIE_NAME", "labdata_session"),
			CookieSecure: getEnvAsBool("SESSION_COOKIE_SECURE", false),
		},
		Reset: ResetConfig{
			Secret:        getEnv("RESET_SECRET", ""),
			TokenTTL:      getEnvAsDuration("RESET_TOKEN_TTL", 60*time.Minute),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:5000"),
		},
		Mail: MailConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("MAIL_FROM", "noreply@labdata.local"),
		},
		Audit: AuditConfig{
			BufferSize:  getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			WorkerCount: getEnvAsInt("AUDIT_WORKER_COUNT", 2),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsFloat("LOGIN_RATE_PER_MINUTE", 10),
			Burst:             getEnvAsInt("LOGIN_RATE_BURST", 5),
		},
		Bootstrap: BootstrapConfig{
			Enabled:  getEnvAsBool("BOOTSTRAP_ADMIN", true),
			Email:    getEnv("BOOTSTRAP_ADMIN_EMAIL", "admin@labdata.local"),
			Username: getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
			Password: getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if cfg.IsDevelopment() {
		if cfg.Session.Secret == "" {
			cfg.Session.Secret = "dev-session-secret"
		}
		if cfg.Reset.Secret == "" {
			cfg.Reset.Secret = "dev-reset-secret"
		}
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendPostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StoreBackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory store backend is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if c.Session.Secret == "" {
		return fmt.Errorf("session secret is required")
	}
	if c.Reset.Secret == "" {
		return fmt.Errorf("reset secret is required")
	}
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("session lifetime must be positive")
	}
	if c.Reset.TokenTTL <= 0 {
		return fmt.Errorf("reset token ttl must be positive")
	}

	if c.Audit.WorkerCount <= 0 || c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit worker count and buffer size must be positive")
	}

	if c.Bootstrap.Enabled && c.IsProduction() && c.Bootstrap.Password == "" {
		return fmt.Errorf("bootstrap admin password is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Enabled reports whether an SMTP relay is configured
func (c *MailConfig) Enabled() bool {
	return c.Host != ""
}

// Address returns host:port of the SMTP relay
func (c *MailConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "labdata"),
		Password:        getEnv("DB_PASSWORD", "labdata"),
		Database:        getEnv("DB_NAME", "zari_data"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 5000)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 5000
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
