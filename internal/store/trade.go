package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tradepost/settlement/internal/domain"
)

const tradeColumns = `id, batch_id, kind, state, buyer_id, seller_id, listing_id,
	gross::text, fee::text, payout::text, method, destination, delivery_address,
	notes, created_at, updated_at, completed_at`

// InsertTrade appends a new trade row inside the caller's transaction.
func (s *Store) InsertTrade(ctx context.Context, tx pgx.Tx, t *domain.Trade) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := tx.QueryRow(ctx,
		`INSERT INTO trades (id, batch_id, kind, state, buyer_id, seller_id, listing_id,
		                     gross, fee, payout, method, destination, delivery_address, notes, completed_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7,
		         $8::numeric, $9::numeric, $10::numeric, $11, $12, $13, $14,
		         CASE WHEN $4::text IN ('completed', 'cancelled') THEN now() END)
		 RETURNING created_at, updated_at, completed_at`,
		t.ID, t.BatchID, t.Kind, t.State, t.BuyerID, t.SellerID, t.ListingID,
		t.Gross.String(), t.Fee.String(), t.Payout.String(),
		t.Method, t.Destination, t.DeliveryAddress, t.Notes,
	).Scan(&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return fmt.Errorf("trade insert failed: %w", err)
	}
	return nil
}

// GetTrade reads a trade without locking it.
func (s *Store) GetTrade(ctx context.Context, id uuid.UUID) (*domain.Trade, error) {
	return scanTrade(s.DB.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
}

// LockTrade acquires the exclusive row lock on a trade. Reconciliation locks
// the trade row first so that duplicate outcome deliveries for the same
// trade serialize and the second one observes the terminal state.
func (s *Store) LockTrade(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Trade, error) {
	return scanTrade(tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id))
}

// TransitionTrade moves a locked trade to the given state, appending note to
// its audit notes. The legality of the move is checked against the lifecycle
// table; terminal states admit no further transition. Completion stamps
// completed_at.
func (s *Store) TransitionTrade(ctx context.Context, tx pgx.Tx, t *domain.Trade, to domain.TradeState, note string) error {
	if t.State.Terminal() {
		return domain.ErrTradeTerminal
	}
	if !t.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.State, to)
	}
	notes := t.Notes
	if note != "" {
		if notes != "" {
			notes += "\n"
		}
		notes += note
	}
	err := tx.QueryRow(ctx,
		`UPDATE trades
		 SET state = $1,
		     notes = $2,
		     updated_at = now(),
		     completed_at = CASE WHEN $1 IN ('completed', 'cancelled') THEN now() ELSE completed_at END
		 WHERE id = $3
		 RETURNING updated_at, completed_at`,
		to, notes, t.ID,
	).Scan(&t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return fmt.Errorf("trade transition failed: %w", err)
	}
	t.State = to
	t.Notes = notes
	return nil
}

// ListTradesByAccount returns trades where the account appears as buyer or
// seller, newest first.
func (s *Store) ListTradesByAccount(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("trade query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	var t domain.Trade
	var gross, fee, payout string
	var buyer, seller *string
	err := row.Scan(&t.ID, &t.BatchID, &t.Kind, &t.State, &buyer, &seller, &t.ListingID,
		&gross, &fee, &payout, &t.Method, &t.Destination, &t.DeliveryAddress,
		&t.Notes, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTradeNotFound
		}
		return nil, fmt.Errorf("trade scan failed: %w", err)
	}
	if buyer != nil {
		t.BuyerID = *buyer
	}
	if seller != nil {
		t.SellerID = *seller
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		raw string
	}{{&t.Gross, gross}, {&t.Fee, fee}, {&t.Payout, payout}} {
		d, err := decimal.NewFromString(pair.raw)
		if err != nil {
			return nil, fmt.Errorf("amount parse failed: %w", err)
		}
		*pair.dst = d
	}
	return &t, nil
}
