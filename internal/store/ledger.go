package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tradepost/settlement/internal/domain"
)

// CreateAccount registers a new account with a zero balance.
func (s *Store) CreateAccount(ctx context.Context, id string) (*domain.Account, error) {
	var acc domain.Account
	var balance string
	err := s.DB.QueryRow(ctx,
		`INSERT INTO accounts (id) VALUES ($1)
		 RETURNING id, balance::text, created_at, updated_at`,
		id,
	).Scan(&acc.ID, &balance, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAccountExists
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("balance parse failed: %w", err)
	}
	return &acc, nil
}

// GetAccount reads an account without locking it.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(s.DB.QueryRow(ctx,
		`SELECT id, balance::text, created_at, updated_at FROM accounts WHERE id = $1`, id))
}

// LockBalance acquires the exclusive row lock on an account and returns the
// balance observed under it. The lock is held until the enclosing
// transaction commits or rolls back; concurrent debits on the same account
// serialize on it.
func (s *Store) LockBalance(ctx context.Context, tx pgx.Tx, id string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("balance lock failed: %w", err)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance parse failed: %w", err)
	}
	return bal, nil
}

// Debit subtracts amount from the account's balance under a row lock. It
// fails with domain.ErrInsufficientFunds, leaving no side effects, when the
// locked balance is below amount; the balance can never go negative.
func (s *Store) Debit(ctx context.Context, tx pgx.Tx, id string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.ErrInvalidAmount
	}
	bal, err := s.LockBalance(ctx, tx, id)
	if err != nil {
		return err
	}
	if bal.LessThan(amount) {
		return domain.ErrInsufficientFunds
	}
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1::numeric, updated_at = now() WHERE id = $2`,
		amount.String(), id)
	if err != nil {
		return fmt.Errorf("debit failed: %w", err)
	}
	return nil
}

// Credit adds amount to the account's balance under a row lock.
func (s *Store) Credit(ctx context.Context, tx pgx.Tx, id string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.ErrInvalidAmount
	}
	if _, err := s.LockBalance(ctx, tx, id); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1::numeric, updated_at = now() WHERE id = $2`,
		amount.String(), id)
	if err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	var balance string
	if err := row.Scan(&acc.ID, &balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("account scan failed: %w", err)
	}
	var err error
	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("balance parse failed: %w", err)
	}
	return &acc, nil
}
