package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepost/settlement/internal/domain"
)

// Purchase settles a single listing for the buyer: one atomic unit that
// locks and validates the listing, verifies the seller is reachable, debits
// the buyer, flips the listing to sold and appends a queued trade. The
// fulfillment job is enqueued only after the commit.
//
// Lock order is listing row first, then the buyer's balance row; every
// purchase path acquires in that order so two concurrent purchases can never
// deadlock against each other.
func (e *Engine) Purchase(ctx context.Context, listingID uuid.UUID, buyerID, deliveryAddress string) (trade *domain.Trade, err error) {
	defer func(start time.Time) { e.observe("purchase", start, err) }(time.Now())

	if buyerID == "" {
		return nil, domain.ErrAccountNotFound
	}

	var assetRef string
	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		listing, err := e.store.LockListing(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrListingUnavailable
		}
		if listing.SellerID == buyerID {
			return domain.ErrSelfPurchase
		}
		if err := e.sellerAvailable(ctx, listing.SellerID); err != nil {
			return err
		}

		fee, payout := e.split(listing.Price)
		if err := e.store.Debit(ctx, tx, buyerID, listing.Price); err != nil {
			return err
		}
		if err := e.store.TransitionListing(ctx, tx, listingID, domain.ListingActive, domain.ListingSold); err != nil {
			return err
		}

		kind := domain.KindMarketplaceSale
		if listing.SellerKind == domain.SellerPeer {
			kind = domain.KindPeerToPeer
		}
		id := listing.ID
		trade = &domain.Trade{
			Kind:            kind,
			State:           domain.TradeQueued,
			BuyerID:         buyerID,
			SellerID:        listing.SellerID,
			ListingID:       &id,
			Gross:           listing.Price,
			Fee:             fee,
			Payout:          payout,
			DeliveryAddress: deliveryAddress,
		}
		assetRef = listing.AssetRef
		return e.store.InsertTrade(ctx, tx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("purchase settled",
		zap.String("trade_id", trade.ID.String()),
		zap.String("listing_id", listingID.String()),
		zap.String("buyer_id", buyerID),
		zap.String("gross", trade.Gross.String()))

	e.enqueueJob(ctx, trade, assetRef)
	return trade, nil
}

// BatchPurchase settles several listings for the buyer in one atomic unit:
// either every listing in the batch is sold and paid for, or nothing
// happened. The buyer's cart lock is taken first, before any database lock;
// with no listing ids given the locked cart's contents are purchased.
// Listings are locked in sorted id order, then the buyer's balance row.
func (e *Engine) BatchPurchase(ctx context.Context, buyerID string, listingIDs []uuid.UUID) (batchID uuid.UUID, trades []*domain.Trade, err error) {
	defer func(start time.Time) { e.observe("batch_purchase", start, err) }(time.Now())

	if buyerID == "" {
		return uuid.Nil, nil, domain.ErrAccountNotFound
	}

	checkout, err := e.carts.LockForCheckout(buyerID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer e.carts.Unlock(buyerID)

	if len(listingIDs) == 0 {
		listingIDs = checkout.ListingIDs
	}
	ids := dedupeSorted(listingIDs)
	if len(ids) == 0 {
		return uuid.Nil, nil, domain.ErrEmptyCart
	}

	batchID = uuid.New()
	assetRefs := make(map[uuid.UUID]string, len(ids))

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		trades = trades[:0]

		listings := make([]*domain.Listing, 0, len(ids))
		for _, id := range ids {
			listing, err := e.store.LockListing(ctx, tx, id)
			if err != nil {
				return err
			}
			if listing.Status != domain.ListingActive {
				return domain.ErrListingUnavailable
			}
			if listing.SellerID == buyerID {
				return domain.ErrSelfPurchase
			}
			if err := e.sellerAvailable(ctx, listing.SellerID); err != nil {
				return err
			}
			listings = append(listings, listing)
		}

		total := decimalSum(listings)
		if err := e.store.Debit(ctx, tx, buyerID, total); err != nil {
			return err
		}

		for _, listing := range listings {
			if err := e.store.TransitionListing(ctx, tx, listing.ID, domain.ListingActive, domain.ListingSold); err != nil {
				return err
			}
			fee, payout := e.split(listing.Price)
			kind := domain.KindMarketplaceSale
			if listing.SellerKind == domain.SellerPeer {
				kind = domain.KindPeerToPeer
			}
			lid := listing.ID
			bid := batchID
			trade := &domain.Trade{
				BatchID:   &bid,
				Kind:      kind,
				State:     domain.TradeQueued,
				BuyerID:   buyerID,
				SellerID:  listing.SellerID,
				ListingID: &lid,
				Gross:     listing.Price,
				Fee:       fee,
				Payout:    payout,
			}
			if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
				return err
			}
			assetRefs[listing.ID] = listing.AssetRef
			trades = append(trades, trade)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, nil, err
	}

	e.carts.Clear(buyerID)
	e.logger.Info("batch purchase settled",
		zap.String("batch_id", batchID.String()),
		zap.String("buyer_id", buyerID),
		zap.Int("items", len(trades)))

	for _, trade := range trades {
		var ref string
		if trade.ListingID != nil {
			ref = assetRefs[*trade.ListingID]
		}
		e.enqueueJob(ctx, trade, ref)
	}
	return batchID, trades, nil
}

func decimalSum(listings []*domain.Listing) decimal.Decimal {
	total := decimal.Zero
	for _, l := range listings {
		total = total.Add(l.Price)
	}
	return total
}

// dedupeSorted returns the ids sorted and with duplicates removed, fixing
// the lock acquisition order for the batch.
func dedupeSorted(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == uuid.Nil {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
