package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
	tracerName        = "github.com/tariky/3S-sub000/internal/platform/postgres"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txContextKey struct{}

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts    int
	timeout     time.Duration
	lockTimeout time.Duration
}

// WithTxAttempts overrides how many times a transaction is retried on serialization failures and deadlocks.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the duration of each transaction attempt.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithLockTimeout sets lock_timeout for the transaction so row lock waits fail instead of hanging.
func WithLockTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.lockTimeout = timeout
		}
	}
}

// UnitOfWork runs functions inside a Postgres transaction carried on the context.
type UnitOfWork struct {
	pool *pgxpool.Pool
	cfg  txConfig
}

// NewUnitOfWork constructs a UnitOfWork over the pool.
func NewUnitOfWork(pool *pgxpool.Pool, opts ...TxOption) *UnitOfWork {
	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &UnitOfWork{pool: pool, cfg: cfg}
}

// Conn returns the transaction bound to ctx, or the pool when no transaction is active.
func (u *UnitOfWork) Conn(ctx context.Context) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return u.pool
}

// TxFromContext returns the transaction started by RunInTx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// RunInTx executes fn within a transaction. Nested calls join the outer transaction.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	if u == nil || u.pool == nil {
		return errors.New("postgres: pool is not configured")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "postgres.RunInTx")
	defer span.End()

	var err error
	for attempt := 1; attempt <= u.cfg.attempts; attempt++ {
		span.SetAttributes(attribute.Int("db.tx.attempt", attempt))
		err = u.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (u *UnitOfWork) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx := ctx
	if u.cfg.timeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, u.cfg.timeout)
		defer cancel()
	}

	tx, err := u.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(txCtx))
		}
	}()

	if u.cfg.lockTimeout > 0 {
		if _, err = tx.Exec(txCtx, "SELECT set_config('lock_timeout', $1, true)",
			fmt.Sprintf("%dms", u.cfg.lockTimeout.Milliseconds())); err != nil {
			return WrapError("set lock_timeout", err)
		}
	}

	if err = fn(context.WithValue(txCtx, txContextKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(txCtx); err != nil {
		return WrapError("commit tx", err)
	}
	return nil
}
