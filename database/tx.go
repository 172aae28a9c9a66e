package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"chant-service/metrics"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL error codes
const (
	PgErrSerializationFailure = "40001"
	PgErrDeadlockDetected     = "40P01"
	PgErrLockNotAvailable     = "55P03"
	PgErrUniqueViolation      = "23505"
)

// ErrConflict is returned when a transaction kept conflicting with
// concurrent writers until the attempt budget ran out.
var ErrConflict = errors.New("transaction conflict: retry later")

// IsRetryable reports whether err is a transient concurrency failure.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case PgErrSerializationFailure, PgErrDeadlockDetected, PgErrLockNotAvailable:
		return true
	}
	return false
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation
}

// TxOptions controls RunInTx.
type TxOptions struct {
	MaxAttempts  int
	Serializable bool
}

// RunInTx runs fn in a transaction, retrying the whole closure when
// Postgres aborts it for a serialization failure or deadlock. fn must
// not have side effects outside the transaction.
func RunInTx(ctx context.Context, db *gorm.DB, opts TxOptions, fn func(tx *gorm.DB) error) error {
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var txOpts []*sql.TxOptions
	if opts.Serializable {
		txOpts = append(txOpts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn, txOpts...)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		metrics.TxRetries.Inc()

		backoff := time.Duration(attempt*10+rand.IntN(20)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}

// AdvisoryXactLock takes a transaction-scoped advisory lock on key.
func AdvisoryXactLock(tx *gorm.DB, key string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error
}
