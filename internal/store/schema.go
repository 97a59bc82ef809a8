package store

import (
	"context"
	"fmt"
)

// Schema is the DDL for the four settlement tables. Balances and prices are
// NUMERIC(20,8); the CHECK on accounts.balance is the last line of defense
// behind the ledger store's conditional debit.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    balance    NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS listings (
    id          UUID PRIMARY KEY,
    seller_id   TEXT NOT NULL REFERENCES accounts(id),
    seller_kind TEXT NOT NULL CHECK (seller_kind IN ('agent', 'peer')),
    item_name   TEXT NOT NULL,
    asset_ref   TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT '',
    price       NUMERIC(20,8) NOT NULL CHECK (price > 0),
    status      TEXT NOT NULL DEFAULT 'active'
                CHECK (status IN ('active', 'reserved', 'sold', 'cancelled')),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_listings_status ON listings (status);
CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings (seller_id);

CREATE TABLE IF NOT EXISTS trades (
    id               UUID PRIMARY KEY,
    batch_id         UUID,
    kind             TEXT NOT NULL
                     CHECK (kind IN ('marketplace_sale', 'peer_to_peer', 'instant_sell', 'withdrawal', 'deposit')),
    state            TEXT NOT NULL
                     CHECK (state IN ('queued', 'processing', 'awaiting_seller_send', 'pending_approval', 'failed', 'completed', 'cancelled')),
    buyer_id         TEXT REFERENCES accounts(id),
    seller_id        TEXT REFERENCES accounts(id),
    listing_id       UUID REFERENCES listings(id),
    gross            NUMERIC(20,8) NOT NULL,
    fee              NUMERIC(20,8) NOT NULL DEFAULT 0,
    payout           NUMERIC(20,8) NOT NULL DEFAULT 0,
    method           TEXT NOT NULL DEFAULT '',
    destination      TEXT NOT NULL DEFAULT '',
    delivery_address TEXT NOT NULL DEFAULT '',
    notes            TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_trades_buyer ON trades (buyer_id);
CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades (seller_id);
CREATE INDEX IF NOT EXISTS idx_trades_state ON trades (state);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key        TEXT PRIMARY KEY,
    trade_id   UUID NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}
