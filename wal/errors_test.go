package wal

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pgError(code, message string) error {
	return &pgconn.PgError{Code: code, Message: message, Severity: "FATAL"}
}

func TestClassifyAuthErrors(t *testing.T) {
	for _, code := range []string{"28000", "28P01"} {
		err := classifyStreamError(pgError(code, "password authentication failed"), "floodgate", 0, "postgres")
		var authErr *AuthError
		require.True(t, errors.As(err, &authErr), "code %s", code)
		assert.Equal(t, "postgres", authErr.User)
	}
}

func TestClassifyPurgedWALAsPositionUnavailable(t *testing.T) {
	err := classifyStreamError(
		pgError("58P01", `requested WAL segment 000000010000000000000001 has already been removed`),
		"floodgate", 100, "postgres")

	var posErr *PositionUnavailableError
	require.True(t, errors.As(err, &posErr))
	assert.Equal(t, "floodgate", posErr.Slot)
	assert.Equal(t, pglogrepl.LSN(100), posErr.Requested)
}

func TestClassifyLostSlotAsPositionUnavailable(t *testing.T) {
	err := classifyStreamError(
		pgError("55000", `can no longer get changes from replication slot "floodgate"`),
		"floodgate", 100, "postgres")

	var posErr *PositionUnavailableError
	require.True(t, errors.As(err, &posErr))
}

func TestClassifyOtherObjectStateAsConnError(t *testing.T) {
	// 55000 without slot context is an unrelated object-state failure
	err := classifyStreamError(pgError("55000", "object is busy"), "floodgate", 0, "postgres")
	var connErr *ConnError
	require.True(t, errors.As(err, &connErr))
}

func TestClassifyNetworkFailureAsConnError(t *testing.T) {
	err := classifyStreamError(errors.New("connection refused"), "floodgate", 0, "postgres")
	var connErr *ConnError
	require.True(t, errors.As(err, &connErr))
}

func TestClassifyPassesThroughCancellation(t *testing.T) {
	assert.Equal(t, context.Canceled, classifyStreamError(context.Canceled, "floodgate", 0, ""))
	assert.Equal(t, context.DeadlineExceeded, classifyStreamError(context.DeadlineExceeded, "floodgate", 0, ""))
}

func TestErrorsUnwrapToCause(t *testing.T) {
	cause := pgError("28P01", "bad password")
	err := classifyStreamError(cause, "floodgate", 0, "postgres")

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "28P01", pgErr.Code)
}
