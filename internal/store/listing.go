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

const listingColumns = `id, seller_id, seller_kind, item_name, asset_ref, category, price::text, status, created_at, updated_at`

// CreateListing inserts a new active listing.
func (s *Store) CreateListing(ctx context.Context, l *domain.Listing) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = domain.ListingActive
	}
	err := s.DB.QueryRow(ctx,
		`INSERT INTO listings (id, seller_id, seller_kind, item_name, asset_ref, category, price, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)
		 RETURNING created_at, updated_at`,
		l.ID, l.SellerID, l.SellerKind, l.ItemName, l.AssetRef, l.Category, l.Price.String(), l.Status,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("listing insert failed: %w", err)
	}
	return nil
}

// GetListing reads a listing without locking it.
func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	return scanListing(s.DB.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
}

// ListActiveListings returns currently purchasable listings, newest first.
func (s *Store) ListActiveListings(ctx context.Context, limit int) ([]*domain.Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE status = 'active' ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LockListing acquires the exclusive row lock on a listing and returns the
// state observed under it, blocking concurrent lockers until the first
// transaction commits or rolls back. A second buyer racing on the same
// listing blocks here and then observes a non-active status.
func (s *Store) LockListing(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Listing, error) {
	return scanListing(tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
}

// TransitionListing applies from -> to as a compare-and-set on the persisted
// status. It fails with domain.ErrListingConflict when the current status is
// not exactly from, which detects that another transaction got there first.
func (s *Store) TransitionListing(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to domain.ListingStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrListingConflict, from, to)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE listings SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return fmt.Errorf("listing transition failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrListingConflict
	}
	return nil
}

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var l domain.Listing
	var price string
	err := row.Scan(&l.ID, &l.SellerID, &l.SellerKind, &l.ItemName, &l.AssetRef,
		&l.Category, &price, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrListingNotFound
		}
		return nil, fmt.Errorf("listing scan failed: %w", err)
	}
	l.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("price parse failed: %w", err)
	}
	return &l, nil
}
