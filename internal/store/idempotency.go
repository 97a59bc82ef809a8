package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tradepost/settlement/internal/domain"
)

// GetIdempotencyRef returns the trade previously recorded for key, or
// domain.ErrTradeNotFound when the key has never been consumed.
func (s *Store) GetIdempotencyRef(ctx context.Context, tx pgx.Tx, key string) (uuid.UUID, error) {
	var tradeID uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT trade_id FROM idempotency_keys WHERE key = $1`, key).Scan(&tradeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrTradeNotFound
		}
		return uuid.Nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return tradeID, nil
}

// ConsumeIdempotencyKey records key -> tradeID. The primary key constraint
// makes consuming a key a once-only operation: a concurrent consumer of the
// same key loses the race and gets domain.ErrDuplicateInFlight.
func (s *Store) ConsumeIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, tradeID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO idempotency_keys (key, trade_id) VALUES ($1, $2)`, key, tradeID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateInFlight
		}
		return fmt.Errorf("idempotency insert failed: %w", err)
	}
	return nil
}

// PruneIdempotencyKeys garbage-collects keys older than the retention
// window. Meant to be run from an external scheduled task.
func (s *Store) PruneIdempotencyKeys(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.DB.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("idempotency prune failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
