package domain

import "errors"

// Validation errors. Rejected before any lock is taken and never retried.
var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrListingNotFound = errors.New("listing not found")
	ErrTradeNotFound   = errors.New("trade not found")
	ErrSelfPurchase    = errors.New("buyer and seller are the same account")
	ErrSellerMismatch  = errors.New("account is not the seller of this trade")
)

// Contention errors. No partial side effects occurred; safe to retry.
var (
	ErrBusy              = errors.New("resource busy, retry later")
	ErrCartBusy          = errors.New("cart checkout already in progress")
	ErrListingConflict   = errors.New("listing status changed concurrently")
	ErrDuplicateInFlight = errors.New("request with this idempotency key is in progress")
)

// Business-rule errors. Definitive rejections; retrying will not help
// unless the underlying condition changes.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrListingUnavailable = errors.New("listing already sold or reserved")
	ErrSellerUnavailable  = errors.New("seller is not reachable for fulfillment")
	ErrPriceUnavailable   = errors.New("no price available for item")
	ErrTradeTerminal      = errors.New("trade is already in a terminal state")
	ErrInvalidTransition  = errors.New("illegal trade state transition")
	ErrEmptyCart          = errors.New("cart is empty")
)
