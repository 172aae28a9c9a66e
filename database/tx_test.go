package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: PgErrSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: PgErrDeadlockDetected}, true},
		{"lock not available", &pgconn.PgError{Code: PgErrLockNotAvailable}, true},
		{"wrapped", fmt.Errorf("cast vote: %w", &pgconn.PgError{Code: PgErrSerializationFailure}), true},
		{"unique", &pgconn.PgError{Code: PgErrUniqueViolation}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: PgErrUniqueViolation})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: PgErrSerializationFailure}))
	assert.False(t, IsUniqueViolation(context.Canceled))
}
