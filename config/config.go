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

	"github.com/upb/gateway-dataplane/utils"
)

// Ledger and catalog backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Gateway       GatewayConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
	AllowedOrigins   []string
	// AdminTokenSecret signs HS256 bearer tokens for /admin. Empty leaves admin routes open.
	AdminTokenSecret string
	TLS              struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
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
	LockTimeout      time.Duration // Bounds row lock waits of ledger transactions
}

// RedisConfig holds Redis configuration for the shared quota ledger.
// More than one address selects a cluster client.
type RedisConfig struct {
	Addrs     []string
	Password  string
	DB        int
	KeyPrefix string
}

// GatewayConfig holds data plane configuration
type GatewayConfig struct {
	// CatalogSource is where API specs and subscriptions come from: file or postgres.
	CatalogSource string
	CatalogPath   string
	CatalogWatch  bool

	// LedgerBackend selects the consumption store: memory, redis or postgres.
	LedgerBackend string

	StrictOrder           bool
	PlanCacheSize         int
	PlanCacheTTL          time.Duration // 0 keeps plans until invalidated
	PlanCacheCleanup      time.Duration
	SubscriptionCacheSize int
	SubscriptionCacheTTL  time.Duration

	BackendTimeout    time.Duration
	DefaultBackendURL string
	MaxBodyBytes      int64

	RateLimitCleanupInterval time.Duration
	RateLimitIdleRetention   time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
	MetricsPath    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:             getEnv("SERVER_HOST", "0.0.0.0"),
			Port:             getPort(),
			ReadTimeout:      getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:     getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:  getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:   getEnvAsList("ADMIN_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			AdminTokenSecret: getEnv("ADMIN_TOKEN_SECRET", ""),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addrs:     getEnvAsList("REDIS_ADDRS", []string{"localhost:6379"}),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "quota:v1:"),
		},
		Gateway: GatewayConfig{
			CatalogSource:            getEnv("CATALOG_SOURCE", BackendFile),
			CatalogPath:              getEnv("CATALOG_PATH", "catalog.yaml"),
			CatalogWatch:             getEnvAsBool("CATALOG_WATCH", true),
			LedgerBackend:            getEnv("LEDGER_BACKEND", BackendMemory),
			StrictOrder:              getEnvAsBool("POLICY_STRICT_ORDER", false),
			PlanCacheSize:            getEnvAsInt("PLAN_CACHE_SIZE", 1024),
			PlanCacheTTL:             getEnvAsDuration("PLAN_CACHE_TTL", 0),
			PlanCacheCleanup:         getEnvAsDuration("PLAN_CACHE_CLEANUP_INTERVAL", time.Minute),
			SubscriptionCacheSize:    getEnvAsInt("SUBSCRIPTION_CACHE_SIZE", 10000),
			SubscriptionCacheTTL:     getEnvAsDuration("SUBSCRIPTION_CACHE_TTL", 30*time.Second),
			BackendTimeout:           getEnvAsDuration("BACKEND_TIMEOUT", 30*time.Second),
			DefaultBackendURL:        getEnv("DEFAULT_BACKEND_URL", ""),
			MaxBodyBytes:             int64(getEnvAsInt("MAX_BODY_BYTES", 10<<20)),
			RateLimitCleanupInterval: getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Minute),
			RateLimitIdleRetention:   getEnvAsDuration("RATE_LIMIT_IDLE_RETENTION", 10*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := utils.ValidateOneOf(c.Gateway.CatalogSource, "catalog source", []string{BackendFile, BackendPostgres}); err != nil {
		return err
	}
	if err := utils.ValidateOneOf(c.Gateway.LedgerBackend, "ledger backend", []string{BackendMemory, BackendRedis, BackendPostgres}); err != nil {
		return err
	}

	if c.Gateway.CatalogSource == BackendFile && c.Gateway.CatalogPath == "" {
		return fmt.Errorf("catalog path is required for the file catalog")
	}

	// Database validation (DATABASE_URL or DB_* vars) only when something uses it
	if c.UsesDatabase() {
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
	}

	if c.Gateway.LedgerBackend == BackendRedis && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis address is required for the redis ledger")
	}

	if c.Gateway.PlanCacheSize <= 0 {
		return fmt.Errorf("plan cache size must be positive")
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	if c.IsProduction() && c.Server.AdminTokenSecret == "" {
		return fmt.Errorf("admin token secret is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// UsesDatabase reports whether any component is backed by PostgreSQL
func (c *Config) UsesDatabase() bool {
	return c.Gateway.CatalogSource == BackendPostgres || c.Gateway.LedgerBackend == BackendPostgres
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

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			LockTimeout:      getEnvAsDuration("DB_LOCK_TIMEOUT", 2*time.Second),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "gateway"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "gateway"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		LockTimeout:     getEnvAsDuration("DB_LOCK_TIMEOUT", 2*time.Second),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
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
	return 8080
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

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
