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

// CreditOnce applies a deposit credit at most once per idempotency key. A
// repeated key returns the original deposit trade with duplicate set, and
// the balance is not credited again; a client retrying a timed-out deposit
// request can therefore never double-credit.
func (e *Engine) CreditOnce(ctx context.Context, accountID string, amount decimal.Decimal, key string) (trade *domain.Trade, duplicate bool, err error) {
	defer func(start time.Time) { e.observe("credit_once", start, err) }(time.Now())

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, false, domain.ErrInvalidAmount
	}
	if key == "" {
		return nil, false, fmt.Errorf("%w: idempotency key required", domain.ErrInvalidAmount)
	}

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		priorID, err := e.store.GetIdempotencyRef(ctx, tx, key)
		if err == nil {
			prior, err := e.store.LockTrade(ctx, tx, priorID)
			if err != nil {
				return err
			}
			trade = prior
			duplicate = true
			return nil
		}
		if !errors.Is(err, domain.ErrTradeNotFound) {
			return err
		}

		if err := e.store.Credit(ctx, tx, accountID, amount); err != nil {
			return err
		}
		trade = &domain.Trade{
			Kind:    domain.KindDeposit,
			State:   domain.TradeCompleted,
			BuyerID: accountID,
			Gross:   amount,
			Payout:  amount,
			Notes:   "deposit credited",
		}
		if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
			return err
		}
		return e.store.ConsumeIdempotencyKey(ctx, tx, key, trade.ID)
	})
	if err != nil {
		return nil, false, err
	}

	if !duplicate {
		e.logger.Info("deposit credited",
			zap.String("trade_id", trade.ID.String()),
			zap.String("account_id", accountID),
			zap.String("amount", amount.String()))
	}
	return trade, duplicate, nil
}

// RequestWithdrawal escrows the amount out of the account's spendable
// balance immediately and records a pending_approval withdrawal trade. The
// funds stay debited until an admin approves or rejects.
func (e *Engine) RequestWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal, method, destination string) (trade *domain.Trade, err error) {
	defer func(start time.Time) { e.observe("request_withdrawal", start, err) }(time.Now())

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, domain.ErrInvalidAmount
	}

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := e.store.Debit(ctx, tx, accountID, amount); err != nil {
			return err
		}
		trade = &domain.Trade{
			Kind:        domain.KindWithdrawal,
			State:       domain.TradePendingApproval,
			BuyerID:     accountID,
			Gross:       amount,
			Payout:      amount,
			Method:      method,
			Destination: destination,
		}
		return e.store.InsertTrade(ctx, tx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("withdrawal requested",
		zap.String("trade_id", trade.ID.String()),
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()))
	return trade, nil
}

// ApproveWithdrawal completes a pending withdrawal. The escrowed funds have
// already left the account; approval only finalizes the record.
func (e *Engine) ApproveWithdrawal(ctx context.Context, tradeID uuid.UUID, adminID, note string) (trade *domain.Trade, err error) {
	defer func(start time.Time) { e.observe("approve_withdrawal", start, err) }(time.Now())

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := e.lockPendingWithdrawal(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		trade = t
		return e.store.TransitionTrade(ctx, tx, t, domain.TradeCompleted,
			fmt.Sprintf("approved by %s: %s", adminID, note))
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// RejectWithdrawal cancels a pending withdrawal and credits the escrowed
// amount back: the compensating transaction symmetrical to a fulfillment
// failure refund.
func (e *Engine) RejectWithdrawal(ctx context.Context, tradeID uuid.UUID, adminID, reason string) (trade *domain.Trade, err error) {
	defer func(start time.Time) { e.observe("reject_withdrawal", start, err) }(time.Now())

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := e.lockPendingWithdrawal(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		trade = t
		if err := e.store.TransitionTrade(ctx, tx, t, domain.TradeCancelled,
			fmt.Sprintf("rejected by %s: %s", adminID, reason)); err != nil {
			return err
		}
		return e.store.Credit(ctx, tx, t.BuyerID, t.Gross)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("withdrawal rejected, escrow returned",
		zap.String("trade_id", tradeID.String()),
		zap.String("account_id", trade.BuyerID))
	return trade, nil
}

func (e *Engine) lockPendingWithdrawal(ctx context.Context, tx pgx.Tx, tradeID uuid.UUID) (*domain.Trade, error) {
	t, err := e.store.LockTrade(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Kind != domain.KindWithdrawal {
		return nil, domain.ErrInvalidTransition
	}
	if t.State.Terminal() {
		return nil, domain.ErrTradeTerminal
	}
	if t.State != domain.TradePendingApproval {
		return nil, domain.ErrInvalidTransition
	}
	return t, nil
}

// InstantSell quotes the item with the pricing function and records a queued
// intake trade. The seller's payout (quote minus fee) is credited when the
// item's intake is reconciled as successful, symmetric with how a purchase
// escrows the buyer's funds until fulfillment.
func (e *Engine) InstantSell(ctx context.Context, sellerID string, item domain.ItemDescriptor) (trade *domain.Trade, err error) {
	defer func(start time.Time) { e.observe("instant_sell", start, err) }(time.Now())

	if e.price == nil {
		return nil, domain.ErrPriceUnavailable
	}
	quote, err := e.price(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPriceUnavailable, err)
	}
	if quote.LessThanOrEqual(decimal.Zero) {
		return nil, domain.ErrPriceUnavailable
	}

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		// Existence check; also takes the balance row lock so the account
		// cannot be concurrently removed from under the trade insert.
		if _, err := e.store.LockBalance(ctx, tx, sellerID); err != nil {
			return err
		}
		fee, payout := e.split(quote)
		trade = &domain.Trade{
			Kind:     domain.KindInstantSell,
			State:    domain.TradeQueued,
			SellerID: sellerID,
			Gross:    quote,
			Fee:      fee,
			Payout:   payout,
			Notes:    fmt.Sprintf("instant sell intake: %s (%s)", item.Name, item.AssetRef),
		}
		return e.store.InsertTrade(ctx, tx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("instant sell queued",
		zap.String("trade_id", trade.ID.String()),
		zap.String("seller_id", sellerID),
		zap.String("quote", quote.String()))

	e.enqueueJob(ctx, trade, item.AssetRef)
	return trade, nil
}
