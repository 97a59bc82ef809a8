package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a custodial balance owned by a user or a system
// pseudo-account. Balance is only ever changed through the ledger store's
// conditional debit/credit under a row lock; it can never go negative.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
