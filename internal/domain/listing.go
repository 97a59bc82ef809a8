package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListingStatus is the closed set of listing lifecycle states.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingReserved  ListingStatus = "reserved"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
)

// SellerKind distinguishes automated trading agents from peer users. A peer
// seller has to hand the item over manually, so trades against peer listings
// pass through the awaiting_seller_send state.
type SellerKind string

const (
	SellerAgent SellerKind = "agent"
	SellerPeer  SellerKind = "peer"
)

// Listing is one item offered for sale. Status transitions are applied only
// through the listing store's compare-and-set under a row lock.
type Listing struct {
	ID         uuid.UUID       `json:"id"`
	SellerID   string          `json:"seller_id"`
	SellerKind SellerKind      `json:"seller_kind"`
	ItemName   string          `json:"item_name"`
	AssetRef   string          `json:"asset_ref"`
	Category   string          `json:"category"`
	Price      decimal.Decimal `json:"price"`
	Status     ListingStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// listingTransitions enumerates the legal status moves. sold -> active is
// the re-listing compensation applied when fulfillment of the owning trade
// fails; everything else out of sold is a conflict.
var listingTransitions = map[ListingStatus][]ListingStatus{
	ListingActive:   {ListingReserved, ListingSold, ListingCancelled},
	ListingReserved: {ListingSold, ListingActive},
	ListingSold:     {ListingActive},
}

// CanTransition reports whether from -> to is a legal listing status move.
func (s ListingStatus) CanTransition(to ListingStatus) bool {
	for _, next := range listingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
