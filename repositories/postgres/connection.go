package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/config"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:          db,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
	}, nil
}

// NewDBFromConn wraps an already opened pool
func NewDBFromConn(conn *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: conn, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the catalog and consumption schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

const schema = `
	-- Products table
	CREATE TABLE IF NOT EXISTS products (
		product_id BIGINT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL
	);

	-- API specifications table
	CREATE TABLE IF NOT EXISTS api_specs (
		api_spec_id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		context_path VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		backend_url TEXT,
		product_id BIGINT REFERENCES products(product_id) ON DELETE SET NULL,
		predicates JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Policy filters table
	CREATE TABLE IF NOT EXISTS policy_filters (
		policy_definition_id BIGSERIAL PRIMARY KEY,
		api_spec_id VARCHAR(255) NOT NULL REFERENCES api_specs(api_spec_id) ON DELETE CASCADE,
		policy_name VARCHAR(64) NOT NULL,
		http_exchange VARCHAR(32) NOT NULL,
		policy_description TEXT,
		args JSONB NOT NULL DEFAULT '{}',
		filter_order BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Plans table
	CREATE TABLE IF NOT EXISTS plans (
		plan_id BIGINT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		definition_type VARCHAR(32) NOT NULL,
		plan_status VARCHAR(32) NOT NULL
	);

	-- Product prices per plan
	CREATE TABLE IF NOT EXISTS product_plan_prices (
		id BIGSERIAL PRIMARY KEY,
		plan_id BIGINT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL REFERENCES products(product_id) ON DELETE CASCADE,
		price_type VARCHAR(32) NOT NULL,
		monthly_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
		yearly_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
		lifetime_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
		api_calls_quota BIGINT NOT NULL DEFAULT 0,
		time_unit VARCHAR(16) NOT NULL,
		period_options TEXT[] NOT NULL DEFAULT '{}',
		renewal_options TEXT[] NOT NULL DEFAULT '{}',
		UNIQUE(plan_id, product_id)
	);

	-- Subscriptions table
	CREATE TABLE IF NOT EXISTS subscriptions (
		subscription_id BIGINT PRIMARY KEY,
		consumer_key VARCHAR(255) UNIQUE,
		project_id BIGINT NOT NULL,
		plan_id BIGINT NOT NULL REFERENCES plans(plan_id),
		status VARCHAR(32) NOT NULL,
		renewal_type VARCHAR(32) NOT NULL,
		subscription_period VARCHAR(32) NOT NULL,
		trial BOOLEAN NOT NULL DEFAULT false,
		start_date TIMESTAMP NOT NULL,
		end_date TIMESTAMP,
		next_billing_date TIMESTAMP,
		last_renewal_date TIMESTAMP,
		next_renewal_date TIMESTAMP,
		cancellation_date TIMESTAMP
	);

	-- Live consumption, one row per subscription and product
	CREATE TABLE IF NOT EXISTS subscription_consumption (
		subscription_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		period_key VARCHAR(32) NOT NULL,
		consumed BIGINT NOT NULL DEFAULT 0,
		last_api_call TIMESTAMP,
		reset_flag BOOLEAN NOT NULL DEFAULT false,
		reset_period_key VARCHAR(32) NOT NULL DEFAULT '',
		PRIMARY KEY (subscription_id, product_id)
	);

	-- Rolled over and archived consumption
	CREATE TABLE IF NOT EXISTS subscription_consumption_history (
		subscription_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		period_key VARCHAR(32) NOT NULL,
		consumed BIGINT NOT NULL,
		last_api_call TIMESTAMP,
		archived BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (subscription_id, product_id, period_key)
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_api_specs_product_id ON api_specs(product_id);
	CREATE INDEX IF NOT EXISTS idx_policy_filters_api_spec_id ON policy_filters(api_spec_id);
	CREATE INDEX IF NOT EXISTS idx_product_plan_prices_plan_id ON product_plan_prices(plan_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_consumer_key ON subscriptions(consumer_key);
`
