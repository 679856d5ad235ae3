package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/repositories"
	"github.com/upb/gateway-dataplane/services"
	"github.com/upb/gateway-dataplane/services/quota"
)

const consumptionColumns = `subscription_id, product_id, period_key, consumed, last_api_call, reset_flag, reset_period_key`

// ConsumptionStore is a quota.Store backed by PostgreSQL. Each consumption
// runs in its own transaction holding a row lock on the live record.
type ConsumptionStore struct {
	db     *DB
	txMgr  repositories.TransactionManager
	logger *zap.Logger
}

// NewConsumptionStore creates a new consumption store
func NewConsumptionStore(db *DB, txMgr repositories.TransactionManager, logger *zap.Logger) *ConsumptionStore {
	return &ConsumptionStore{
		db:     db,
		txMgr:  txMgr,
		logger: logger,
	}
}

// executorFor returns the executor bound to tx, or the pool for foreign transactions
func (s *ConsumptionStore) executorFor(tx repositories.Transaction) Executor {
	return GetExecutor(tx.Context(), s.db)
}

// Consume implements quota.Store
func (s *ConsumptionStore) Consume(ctx context.Context, facts *models.PlanFacts, amount int64, now time.Time) (quota.Decision, error) {
	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (quota.Decision, error) {
		exec := s.executorFor(tx)

		rec, err := s.lockLive(ctx, exec, facts.SubscriptionID, facts.ProductID)
		if err != nil {
			return quota.Decision{}, err
		}

		out := quota.Evaluate(rec, facts, amount, now)
		if out.Previous != nil {
			if err := s.insertHistory(ctx, exec, out.Previous); err != nil {
				return quota.Decision{}, err
			}
		}
		if out.Next != nil {
			if err := s.updateLive(ctx, exec, out.Next); err != nil {
				return quota.Decision{}, err
			}
		}
		return out.Decision, nil
	})
}

// Reset implements quota.Store
func (s *ConsumptionStore) Reset(ctx context.Context, subscriptionID, productID int64, periodKey string) (bool, error) {
	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (bool, error) {
		exec := s.executorFor(tx)

		rec, err := s.lockLive(ctx, exec, subscriptionID, productID)
		if err != nil {
			return false, err
		}

		next, ok := quota.ApplyReset(rec, periodKey)
		if !ok {
			return false, nil
		}
		return true, s.updateLive(ctx, exec, next)
	})
}

// Get implements quota.Store
func (s *ConsumptionStore) Get(ctx context.Context, subscriptionID, productID int64) (*models.ConsumptionRecord, error) {
	query := `SELECT ` + consumptionColumns + ` FROM subscription_consumption
		WHERE subscription_id = $1 AND product_id = $2 AND period_key <> ''`

	rec, err := scanConsumption(s.db.QueryRowContext(ctx, query, subscriptionID, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumption: %w", err)
	}
	return rec, nil
}

// List implements quota.Store
func (s *ConsumptionStore) List(ctx context.Context, subscriptionID int64) ([]*models.ConsumptionRecord, error) {
	query := `SELECT ` + consumptionColumns + ` FROM subscription_consumption
		WHERE subscription_id = $1 AND period_key <> ''
		ORDER BY product_id`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumption: %w", err)
	}
	defer rows.Close()

	var records []*models.ConsumptionRecord
	for rows.Next() {
		rec, err := scanConsumption(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumption: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consumption: %w", err)
	}
	return records, nil
}

// History implements quota.Store
func (s *ConsumptionStore) History(ctx context.Context, subscriptionID, productID int64) ([]*models.ConsumptionRecord, error) {
	query := `SELECT subscription_id, product_id, period_key, consumed, last_api_call, archived
		FROM subscription_consumption_history
		WHERE subscription_id = $1 AND product_id = $2
		ORDER BY period_key`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption history: %w", err)
	}
	defer rows.Close()

	var records []*models.ConsumptionRecord
	for rows.Next() {
		rec := &models.ConsumptionRecord{}
		var last sql.NullTime
		if err := rows.Scan(&rec.SubscriptionID, &rec.ProductID, &rec.PeriodKey, &rec.Consumed, &last, &rec.Archived); err != nil {
			return nil, fmt.Errorf("failed to scan consumption history: %w", err)
		}
		if last.Valid {
			rec.LastAPICall = last.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consumption history: %w", err)
	}
	return records, nil
}

// Archive implements quota.Store
func (s *ConsumptionStore) Archive(ctx context.Context, subscriptionID int64) (int, error) {
	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (int, error) {
		exec := s.executorFor(tx)

		res, err := exec.ExecContext(ctx, `
			INSERT INTO subscription_consumption_history
				(subscription_id, product_id, period_key, consumed, last_api_call, archived)
			SELECT subscription_id, product_id, period_key, consumed, last_api_call, true
			FROM subscription_consumption
			WHERE subscription_id = $1 AND period_key <> ''
			ON CONFLICT (subscription_id, product_id, period_key)
			DO UPDATE SET consumed = EXCLUDED.consumed, last_api_call = EXCLUDED.last_api_call, archived = true
		`, subscriptionID)
		if err != nil {
			return 0, fmt.Errorf("failed to archive consumption: %w", err)
		}
		archived, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to archive consumption: %w", err)
		}

		if _, err := exec.ExecContext(ctx,
			`DELETE FROM subscription_consumption WHERE subscription_id = $1`, subscriptionID); err != nil {
			return 0, fmt.Errorf("failed to delete live consumption: %w", err)
		}

		s.logger.Debug("consumption archived",
			zap.Int64("subscription_id", subscriptionID),
			zap.Int64("records", archived))
		return int(archived), nil
	})
}

// lockLive locks the live row of the pair, creating an empty one first so
// that concurrent first consumers serialize on the same row lock.
func (s *ConsumptionStore) lockLive(ctx context.Context, exec Executor, subscriptionID, productID int64) (*models.ConsumptionRecord, error) {
	if _, err := exec.ExecContext(ctx, `
		INSERT INTO subscription_consumption (subscription_id, product_id, period_key)
		VALUES ($1, $2, '')
		ON CONFLICT (subscription_id, product_id) DO NOTHING
	`, subscriptionID, productID); err != nil {
		return nil, fmt.Errorf("failed to create consumption row: %w", err)
	}

	query := `SELECT ` + consumptionColumns + ` FROM subscription_consumption
		WHERE subscription_id = $1 AND product_id = $2
		FOR UPDATE`

	rec, err := scanConsumption(exec.QueryRowContext(ctx, query, subscriptionID, productID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock consumption row: %w", err)
	}
	if rec.PeriodKey == "" {
		return nil, nil
	}
	return rec, nil
}

func (s *ConsumptionStore) updateLive(ctx context.Context, exec Executor, rec *models.ConsumptionRecord) error {
	var last interface{}
	if !rec.LastAPICall.IsZero() {
		last = rec.LastAPICall
	}

	_, err := exec.ExecContext(ctx, `
		UPDATE subscription_consumption
		SET period_key = $3, consumed = $4, last_api_call = $5, reset_flag = $6, reset_period_key = $7
		WHERE subscription_id = $1 AND product_id = $2
	`,
		rec.SubscriptionID,
		rec.ProductID,
		rec.PeriodKey,
		rec.Consumed,
		last,
		rec.ResetFlag,
		rec.ResetPeriodKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update consumption: %w", err)
	}
	return nil
}

func (s *ConsumptionStore) insertHistory(ctx context.Context, exec Executor, rec *models.ConsumptionRecord) error {
	var last interface{}
	if !rec.LastAPICall.IsZero() {
		last = rec.LastAPICall
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO subscription_consumption_history
			(subscription_id, product_id, period_key, consumed, last_api_call, archived)
		VALUES ($1, $2, $3, $4, $5, false)
		ON CONFLICT (subscription_id, product_id, period_key)
		DO UPDATE SET consumed = EXCLUDED.consumed, last_api_call = EXCLUDED.last_api_call
	`,
		rec.SubscriptionID,
		rec.ProductID,
		rec.PeriodKey,
		rec.Consumed,
		last,
	)
	if err != nil {
		return fmt.Errorf("failed to record consumption history: %w", err)
	}
	return nil
}

func scanConsumption(row rowScanner) (*models.ConsumptionRecord, error) {
	rec := &models.ConsumptionRecord{}
	var last sql.NullTime

	if err := row.Scan(
		&rec.SubscriptionID,
		&rec.ProductID,
		&rec.PeriodKey,
		&rec.Consumed,
		&last,
		&rec.ResetFlag,
		&rec.ResetPeriodKey,
	); err != nil {
		return nil, err
	}
	if last.Valid {
		rec.LastAPICall = last.Time
	}
	return rec, nil
}
