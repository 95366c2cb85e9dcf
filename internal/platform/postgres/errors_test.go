package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWrapErrorClassifies(t *testing.T) {
	cases := map[string]struct {
		err         error
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		"no rows":          {err: pgx.ErrNoRows, notFound: true},
		"unique":           {err: &pgconn.PgError{Code: codeUniqueViolation}, conflict: true},
		"lock timeout":     {err: &pgconn.PgError{Code: codeLockNotAvailable}, conflict: true},
		"admin shutdown":   {err: &pgconn.PgError{Code: codeAdminShutdown}, unavailable: true},
		"connection class": {err: &pgconn.PgError{Code: "08006"}, unavailable: true},
		"syntax":           {err: &pgconn.PgError{Code: "42601"}},
		"plain":            {err: errors.New("boom")},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var wrapped *Error
			if !errors.As(WrapError("stock.reserve", tc.err), &wrapped) {
				t.Fatalf("expected *Error")
			}
			if wrapped.IsNotFound() != tc.notFound || wrapped.IsConflict() != tc.conflict || wrapped.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification: notFound=%v conflict=%v unavailable=%v",
					wrapped.IsNotFound(), wrapped.IsConflict(), wrapped.IsUnavailable())
			}
			if !errors.Is(wrapped, tc.err) {
				t.Fatalf("expected wrapped error to unwrap to the cause")
			}
		})
	}
}

func TestWrapErrorPassesContextErrorsThrough(t *testing.T) {
	for _, cause := range []error{context.Canceled, fmt.Errorf("query: %w", context.DeadlineExceeded)} {
		if got := WrapError("order.find", cause); got != cause {
			t.Fatalf("expected %v untouched, got %v", cause, got)
		}
	}
	if WrapError("order.find", nil) != nil {
		t.Fatal("expected nil for nil")
	}
}

func TestWrapErrorKeepsExistingOp(t *testing.T) {
	inner := NotFound("order.update_header", "order ord_1 not found")
	got := WrapError("order.update", inner)
	if got.Error() != "order.update_header: order ord_1 not found" {
		t.Fatalf("unexpected message %q", got.Error())
	}
}

func TestSQLStatePredicates(t *testing.T) {
	wrapped := fmt.Errorf("tx: %w", &pgconn.PgError{Code: codeDeadlockDetected})
	if !IsRetryable(wrapped) || IsLockNotAvailable(wrapped) || IsCheckViolation(wrapped) {
		t.Fatalf("unexpected predicates for deadlock")
	}
	if !IsCheckViolation(&pgconn.PgError{Code: codeCheckViolation}) {
		t.Fatal("expected check violation")
	}
	if SQLState(errors.New("plain")) != "" {
		t.Fatal("expected empty state for non-pg error")
	}
}
