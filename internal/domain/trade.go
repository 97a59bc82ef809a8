package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeState is the lifecycle state of a trade.
type TradeState string

const (
	// TradeQueued is set at purchase commit time: the financial leg is done,
	// the physical leg is waiting on the fulfillment pipeline.
	TradeQueued TradeState = "queued"
	// TradeProcessing means a fulfillment worker picked up the job.
	TradeProcessing TradeState = "processing"
	// TradeAwaitingSellerSend applies to peer-to-peer trades waiting on a
	// human seller rather than a bot.
	TradeAwaitingSellerSend TradeState = "awaiting_seller_send"
	// TradePendingApproval is the initial state of withdrawal trades.
	TradePendingApproval TradeState = "pending_approval"
	// TradeFailed is set by a failure outcome and always resolves to
	// cancelled once the refund compensation has been applied.
	TradeFailed TradeState = "failed"
	// TradeCompleted and TradeCancelled are the terminal states.
	TradeCompleted TradeState = "completed"
	TradeCancelled TradeState = "cancelled"
)

// TradeKind classifies what kind of settlement a trade records.
type TradeKind string

const (
	KindMarketplaceSale TradeKind = "marketplace_sale"
	KindPeerToPeer      TradeKind = "peer_to_peer"
	KindInstantSell     TradeKind = "instant_sell"
	KindWithdrawal      TradeKind = "withdrawal"
	KindDeposit         TradeKind = "deposit"
)

// Trade is one purchase, withdrawal or deposit attempt with its full
// financial breakdown. Once a trade reaches a terminal state its financial
// fields are immutable; only state, notes and the completion timestamp may
// still change.
type Trade struct {
	ID              uuid.UUID       `json:"id"`
	BatchID         *uuid.UUID      `json:"batch_id,omitempty"`
	Kind            TradeKind       `json:"kind"`
	State           TradeState      `json:"state"`
	BuyerID         string          `json:"buyer_id,omitempty"`
	SellerID        string          `json:"seller_id,omitempty"`
	ListingID       *uuid.UUID      `json:"listing_id,omitempty"`
	Gross           decimal.Decimal `json:"gross"`
	Fee             decimal.Decimal `json:"fee"`
	Payout          decimal.Decimal `json:"payout"`
	Method          string          `json:"method,omitempty"`
	Destination     string          `json:"destination,omitempty"`
	DeliveryAddress string          `json:"delivery_address,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

var tradeTransitions = map[TradeState][]TradeState{
	TradeQueued:             {TradeProcessing, TradeAwaitingSellerSend, TradeCompleted, TradeFailed, TradeCancelled},
	TradeProcessing:         {TradeAwaitingSellerSend, TradeCompleted, TradeFailed, TradeCancelled},
	TradeAwaitingSellerSend: {TradeProcessing, TradeCompleted, TradeFailed, TradeCancelled},
	TradePendingApproval:    {TradeCompleted, TradeCancelled},
	TradeFailed:             {TradeCancelled},
}

// Terminal reports whether no further transition out of s is permitted.
func (s TradeState) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

// CanTransition reports whether s -> to is a legal lifecycle move.
func (s TradeState) CanTransition(to TradeState) bool {
	for _, next := range tradeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is a terminal fulfillment result delivered over the inbound
// reconciliation channel. Delivery is at-least-once; reconciliation must be
// idempotent.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// ItemDescriptor identifies a tradeable item for pricing and listing.
type ItemDescriptor struct {
	Name     string `json:"name"`
	AssetRef string `json:"asset_ref"`
	Category string `json:"category"`
}
