package wal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes relevant to stream failure classification.
const (
	codeInvalidAuthorization = "28000"
	codeInvalidPassword      = "28P01"
	codeUndefinedFile        = "58P01" // "requested WAL segment ... has already been removed"
	codeObjectNotInPrereq    = "55000" // "can no longer get changes from replication slot ..."
	codeDuplicateObject      = "42710"
)

// AuthError indicates the source rejected the connector's credentials.
// Transient: credentials may be fixed externally, so the supervisor keeps
// retrying with backoff.
type AuthError struct {
	User  string
	cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for user %q: %v", e.User, e.cause)
}

func (e *AuthError) Unwrap() error { return e.cause }

// ConnError indicates a network-level failure talking to the source.
// Transient: the WAL is retained below the confirmed position, so no data
// is lost across reconnects.
type ConnError struct {
	cause error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("source connection failed: %v", e.cause)
}

func (e *ConnError) Unwrap() error { return e.cause }

// ProtocolError indicates corrupted or unexpected replication stream
// framing. Fatal: the connector enters failed state without retry.
type ProtocolError struct {
	Detail string
	cause  error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("replication protocol error: %s: %v", e.Detail, e.cause)
	}
	return fmt.Sprintf("replication protocol error: %s", e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// PositionUnavailableError indicates the requested resume position has been
// purged from the source WAL. Terminal: every committed change between the
// last confirmed position and the oldest retained position is permanently
// unobservable; operator intervention (full re-snapshot) is required.
type PositionUnavailableError struct {
	Slot      string
	Requested pglogrepl.LSN
	cause     error
}

func (e *PositionUnavailableError) Error() string {
	return fmt.Sprintf("WAL position %s no longer available on slot %q: %v",
		e.Requested, e.Slot, e.cause)
}

func (e *PositionUnavailableError) Unwrap() error { return e.cause }

// ClassifyError maps a raw source error onto the failure taxonomy. Exposed
// for callers that dial the source outside the reader.
func ClassifyError(err error, slot string, requested pglogrepl.LSN, user string) error {
	return classifyStreamError(err, slot, requested, user)
}

// classifyStreamError maps a raw error from the replication connection to
// the taxonomy above. Context cancellation passes through untouched so the
// supervisor can tell a stop request from a failure.
func classifyStreamError(err error, slot string, requested pglogrepl.LSN, user string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInvalidAuthorization, codeInvalidPassword:
			return &AuthError{User: user, cause: err}
		case codeUndefinedFile:
			return &PositionUnavailableError{Slot: slot, Requested: requested, cause: err}
		case codeObjectNotInPrereq:
			// Raised when the slot's required WAL was removed under
			// retention pressure (wal_status=lost).
			if strings.Contains(pgErr.Message, "replication slot") {
				return &PositionUnavailableError{Slot: slot, Requested: requested, cause: err}
			}
		}
		return &ConnError{cause: err}
	}

	return &ConnError{cause: err}
}
