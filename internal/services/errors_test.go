package services

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsUniqueConstraintError(t *testing.T) {
	require.True(t, isUniqueConstraintError(gorm.ErrDuplicatedKey))
	require.True(t, isUniqueConstraintError(&pgconn.PgError{Code: "23505"}))
	require.True(t, isUniqueConstraintError(errors.New("UNIQUE constraint failed: queue_entries.conversation_id")))
	require.False(t, isUniqueConstraintError(nil))
	require.False(t, isUniqueConstraintError(errors.New("connection reset")))
}

func TestIsRetryableTxError(t *testing.T) {
	require.True(t, isRetryableTxError(&pgconn.PgError{Code: "40001"}))
	require.True(t, isRetryableTxError(&pgconn.PgError{Code: "40P01"}))
	require.True(t, isRetryableTxError(errors.New("database is locked")))
	require.False(t, isRetryableTxError(nil))
	require.False(t, isRetryableTxError(errors.New("syntax error")))
}

func TestWithTxRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := withTxRetry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithTxRetryGivesUp(t *testing.T) {
	calls := 0
	err := withTxRetry(context.Background(), 3, func() error {
		calls++
		return errors.New("deadlock detected")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRunTxRetriesSerializationFailures(t *testing.T) {
	f := newFixture(t)

	calls := 0
	err := runTx(context.Background(), f.db, func(tx *gorm.DB) error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithTxRetryDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	err := withTxRetry(context.Background(), 3, func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
