package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepost/settlement/internal/domain"
)

// Reconcile resolves a trade's asynchronous fulfillment outcome. It is safe
// to call any number of times for the same trade: a trade already in a
// terminal state is returned unchanged, so at-least-once outcome delivery
// can never double-apply a payout or a refund.
//
// On success the seller is credited the net payout and the trade completes.
// On failure or timeout the compensating transaction runs in the same atomic
// unit: the listing is re-listed if this trade still holds it, the buyer is
// refunded the full gross, and the trade is cancelled with the reason on
// record.
func (e *Engine) Reconcile(ctx context.Context, tradeID uuid.UUID, outcome domain.Outcome, reason string) (trade *domain.Trade, err error) {
	defer func(start time.Time) { e.observe("reconcile", start, err) }(time.Now())

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := e.store.LockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		trade = t

		if t.State.Terminal() {
			return nil
		}
		if t.Kind == domain.KindWithdrawal || t.Kind == domain.KindDeposit {
			// Withdrawals settle through the admin approval path, deposits
			// settle at commit; neither has a fulfillment leg.
			return domain.ErrInvalidTransition
		}

		switch outcome {
		case domain.OutcomeSuccess:
			return e.settleSuccess(ctx, tx, t)
		case domain.OutcomeFailure, domain.OutcomeTimeout:
			return e.settleFailure(ctx, tx, t, outcome, reason)
		default:
			return fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidTransition, outcome)
		}
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("trade reconciled",
		zap.String("trade_id", tradeID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("state", string(trade.State)))
	return trade, nil
}

func (e *Engine) settleSuccess(ctx context.Context, tx pgx.Tx, t *domain.Trade) error {
	if t.SellerID != "" && t.Payout.GreaterThan(decimal.Zero) {
		if err := e.store.Credit(ctx, tx, t.SellerID, t.Payout); err != nil {
			return err
		}
	}
	return e.store.TransitionTrade(ctx, tx, t, domain.TradeCompleted, "fulfillment confirmed")
}

func (e *Engine) settleFailure(ctx context.Context, tx pgx.Tx, t *domain.Trade, outcome domain.Outcome, reason string) error {
	note := fmt.Sprintf("fulfillment %s: %s", outcome, reason)
	if err := e.store.TransitionTrade(ctx, tx, t, domain.TradeFailed, note); err != nil {
		return err
	}

	// Re-list before touching the balance row: listings lock before
	// accounts everywhere. The listing may legitimately no longer be sold
	// (operator intervention); that is noted, not fatal.
	if t.ListingID != nil {
		err := e.store.TransitionListing(ctx, tx, *t.ListingID, domain.ListingSold, domain.ListingActive)
		if err != nil {
			if !errors.Is(err, domain.ErrListingConflict) {
				return err
			}
			note = "listing not re-listed: status changed outside this trade"
			e.logger.Warn("skipping re-list during refund",
				zap.String("trade_id", t.ID.String()),
				zap.String("listing_id", t.ListingID.String()))
			if err := e.store.TransitionTrade(ctx, tx, t, domain.TradeCancelled, note); err != nil {
				return err
			}
			return e.refundBuyer(ctx, tx, t)
		}
	}

	if err := e.store.TransitionTrade(ctx, tx, t, domain.TradeCancelled, "refund applied"); err != nil {
		return err
	}
	return e.refundBuyer(ctx, tx, t)
}

// refundBuyer credits the buyer back the full gross price. Instant-sell
// trades have no buyer and nothing was paid out yet, so there is nothing to
// compensate.
func (e *Engine) refundBuyer(ctx context.Context, tx pgx.Tx, t *domain.Trade) error {
	if t.BuyerID == "" || !t.Gross.GreaterThan(decimal.Zero) {
		return nil
	}
	return e.store.Credit(ctx, tx, t.BuyerID, t.Gross)
}

// MarkProcessing records that a fulfillment worker picked the trade's job
// up. Redundant markers are no-ops.
func (e *Engine) MarkProcessing(ctx context.Context, tradeID uuid.UUID) error {
	return e.markState(ctx, tradeID, domain.TradeProcessing, "fulfillment picked up")
}

// MarkAwaitingSeller records that the trade is waiting on a human seller.
// Only peer-to-peer trades have a seller-send leg.
func (e *Engine) MarkAwaitingSeller(ctx context.Context, tradeID uuid.UUID) error {
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := e.store.LockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if t.Kind != domain.KindPeerToPeer {
			return domain.ErrInvalidTransition
		}
		if t.State == domain.TradeAwaitingSellerSend {
			return nil
		}
		if t.State.Terminal() {
			return domain.ErrTradeTerminal
		}
		return e.store.TransitionTrade(ctx, tx, t, domain.TradeAwaitingSellerSend, "waiting on seller send")
	})
}

func (e *Engine) markState(ctx context.Context, tradeID uuid.UUID, to domain.TradeState, note string) error {
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := e.store.LockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if t.State == to {
			return nil
		}
		if t.State.Terminal() {
			return domain.ErrTradeTerminal
		}
		return e.store.TransitionTrade(ctx, tx, t, to, note)
	})
}

// ConfirmSellerSent is invoked when a peer seller confirms they handed the
// item over; the trade moves back under the worker pool's control.
func (e *Engine) ConfirmSellerSent(ctx context.Context, tradeID uuid.UUID, sellerID string) error {
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := e.store.LockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if t.Kind != domain.KindPeerToPeer {
			return domain.ErrInvalidTransition
		}
		if t.SellerID != sellerID {
			return domain.ErrSellerMismatch
		}
		if t.State == domain.TradeProcessing {
			return nil
		}
		if t.State.Terminal() {
			return domain.ErrTradeTerminal
		}
		return e.store.TransitionTrade(ctx, tx, t, domain.TradeProcessing, "seller confirmed send")
	})
}
