// Package fulfillment is the at-least-once boundary between the settlement
// engine and the external fulfillment worker pool. The engine hands a job
// off after the financial commit and later consumes a terminal outcome; it
// never owns the job's lifecycle in between.
package fulfillment

import (
	"time"

	"github.com/google/uuid"

	"github.com/tradepost/settlement/internal/domain"
)

// Job describes what must physically move and to/from whom. The engine
// constructs it from a committed trade and hands it off best-effort.
type Job struct {
	ID              uuid.UUID        `json:"id"`
	TradeID         uuid.UUID        `json:"trade_id"`
	Kind            domain.TradeKind `json:"kind"`
	ListingID       *uuid.UUID       `json:"listing_id,omitempty"`
	SellerID        string           `json:"seller_id,omitempty"`
	BuyerID         string           `json:"buyer_id,omitempty"`
	AssetRef        string           `json:"asset_ref,omitempty"`
	DeliveryAddress string           `json:"delivery_address,omitempty"`
	Priority        int              `json:"priority"`
	EnqueuedAt      time.Time        `json:"enqueued_at"`
}

// JobRef identifies a submitted job at the queue boundary.
type JobRef struct {
	JobID   uuid.UUID `json:"job_id"`
	TradeID uuid.UUID `json:"trade_id"`
}

// NewJob builds a fulfillment job for a committed trade.
func NewJob(t *domain.Trade, priority int) Job {
	return Job{
		ID:              uuid.New(),
		TradeID:         t.ID,
		Kind:            t.Kind,
		ListingID:       t.ListingID,
		SellerID:        t.SellerID,
		BuyerID:         t.BuyerID,
		DeliveryAddress: t.DeliveryAddress,
		Priority:        priority,
		EnqueuedAt:      time.Now().UTC(),
	}
}

// OutcomeMessage is the inbound result for a trade, delivered at least once
// by the external worker pool.
type OutcomeMessage struct {
	TradeID uuid.UUID `json:"trade_id"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
}

// Outcome values beyond the terminal ones in domain: progress markers the
// worker pool emits while a job is in flight.
const (
	OutcomePickedUp       = "picked_up"
	OutcomeAwaitingSeller = "awaiting_seller"
)
