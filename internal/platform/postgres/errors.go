package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the ledger reacts to.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeAdminShutdown        = "57P01"
	codeTooManyConnections   = "53300"
)

type kind uint8

const (
	kindUnknown kind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// stateKinds maps SQLSTATE codes to repository semantics. Class 08 (connection
// exception) is handled by prefix.
var stateKinds = map[string]kind{
	codeUniqueViolation:      kindConflict,
	codeForeignKeyViolation:  kindConflict,
	codeCheckViolation:       kindConflict,
	codeSerializationFailure: kindConflict,
	codeDeadlockDetected:     kindConflict,
	codeLockNotAvailable:     kindConflict,
	codeQueryCanceled:        kindUnavailable,
	codeAdminShutdown:        kindUnavailable,
	codeTooManyConnections:   kindUnavailable,
}

// Error satisfies repositories.RepositoryError for Postgres backed repositories.
type Error struct {
	op   string
	err  error
	kind kind
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NotFound reports a missing row found by means other than pgx.ErrNoRows, such as an
// UPDATE that touched nothing.
func NotFound(op, message string) *Error {
	return &Error{op: op, err: errors.New(message), kind: kindNotFound}
}

func classify(err error) kind {
	if errors.Is(err, pgx.ErrNoRows) {
		return kindNotFound
	}
	if state := SQLState(err); state != "" {
		if k, ok := stateKinds[state]; ok {
			return k
		}
		if state[:2] == "08" {
			return kindUnavailable
		}
		return kindUnknown
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return kindUnavailable
	}
	return kindUnknown
}

// WrapError tags a pgx error for the service layer. Context errors pass through
// untouched so callers can tell a client abort from a database fault.
func WrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var wrapped *Error
	if errors.As(err, &wrapped) {
		if wrapped.op == "" {
			wrapped.op = op
		}
		return wrapped
	}
	return &Error{op: op, err: err, kind: classify(err)}
}

// SQLState returns the SQLSTATE carried by err, or an empty string.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 {
		return pgErr.Code
	}
	return ""
}

// IsRetryable reports whether a transaction failing with err may be rerun from the start.
func IsRetryable(err error) bool {
	state := SQLState(err)
	return state == codeSerializationFailure || state == codeDeadlockDetected
}

// IsLockNotAvailable reports whether err was raised by lock_timeout or NOWAIT.
func IsLockNotAvailable(err error) bool {
	return SQLState(err) == codeLockNotAvailable
}

// IsCheckViolation reports whether err was raised by a CHECK constraint.
func IsCheckViolation(err error) bool {
	return SQLState(err) == codeCheckViolation
}
