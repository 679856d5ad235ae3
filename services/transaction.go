package services

import (
	"context"
	"fmt"

	"github.com/upb/gateway-dataplane/repositories"
)

// WithTransaction executes a function within a database transaction.
// Automatically commits on success, rolls back on error.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	_, err := WithTransactionResult(ctx, txMgr, func(ctx context.Context, tx repositories.Transaction) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

// WithTransactionResult executes a function within a database transaction and returns its result.
// The result of a rolled back transaction is returned as the function produced it.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) (T, error)) (T, error) {
	var result T

	tx, err := txMgr.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Roll back before re-panicking so the connection returns to the pool
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	result, err = fn(ctx, tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return result, fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}
