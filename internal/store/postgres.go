// Package store implements the durable ledger, listing, trade and
// idempotency tables on Postgres. Mutating operations run inside a
// caller-supplied transaction so they can only be composed atomically; the
// store exposes no auto-committing entry points for balance or status writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradepost/settlement/internal/domain"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
	pgDeadlockDetected = "40P01"
)

// Store owns the connection pool shared by the four table stores.
type Store struct {
	DB          *pgxpool.Pool
	lockTimeout time.Duration
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, connString string, lockTimeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Store{DB: pool, lockTimeout: lockTimeout}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.DB.Close()
}

// WithTx runs fn inside one transaction: the atomic unit every settlement
// operation composes its store calls in. A bounded lock_timeout is applied
// so a stalled lock holder surfaces as domain.ErrBusy instead of wedging the
// caller. Any error from fn rolls the whole unit back.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock_timeout failed: %w", err)
	}

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// classify maps Postgres contention failures onto the retryable domain
// errors; everything else passes through unchanged.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgQueryCanceled, pgDeadlockDetected:
			return fmt.Errorf("%w: %v", domain.ErrBusy, err)
		}
	}
	return err
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
