package services

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// isUniqueConstraintError detects database uniqueness constraint violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") ||
		strings.Contains(lower, "duplicate") ||
		strings.Contains(lower, "constraint")
}

// isRetryableTxError detects serialization failures and deadlocks that a
// fresh transaction attempt can resolve.
func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		// serialization_failure and deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil {
		// ER_LOCK_DEADLOCK and lock wait timeout
		if myErr.Number == 1213 || myErr.Number == 1205 {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "database is locked") ||
		strings.Contains(lower, "deadlock")
}

// runTx executes fn in a transaction, retrying serialization failures and
// deadlocks with withTxRetry.
func runTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return withTxRetry(ctx, 3, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}

// withTxRetry runs fn, retrying retryable transaction failures with jittered
// backoff. Non-retryable errors surface immediately.
func withTxRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 3
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isRetryableTxError(err) {
			return err
		}

		delay := time.Duration(20+rand.Intn(40)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
