package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/repositories"
)

func TestTransactionManager_BeginSetsLockTimeout(t *testing.T) {
	db, mock := newMockDB(t)
	db.lockTimeout = 2 * time.Second
	tm := NewTransactionManager(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout = '2000ms'`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := tm.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_BeginFailsWhenLockTimeoutRejected(t *testing.T) {
	db, mock := newMockDB(t)
	db.lockTimeout = time.Second
	tm := NewTransactionManager(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err := tm.Begin(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_InTransaction(t *testing.T) {
	t.Run("commits and binds the executor", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			_, isTx := GetExecutor(ctx, db).(*sql.Tx)
			assert.True(t, isTx)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		fnErr := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return fnErr
		})
		assert.Equal(t, fnErr, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetExecutor_OutsideTransactionUsesPool(t *testing.T) {
	db, _ := newMockDB(t)
	assert.Equal(t, Executor(db.DB), GetExecutor(context.Background(), db))
}
