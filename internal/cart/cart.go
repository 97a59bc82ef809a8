// Package cart is the checkout collaborator for batch purchases. It is a
// session-scoped mutable resource with its own lock, acquired before any
// database locks so a stalled checkout can never hold ledger rows hostage.
package cart

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tradepost/settlement/internal/domain"
)

// Cart is the snapshot handed to a checkout while the account's cart is
// locked.
type Cart struct {
	AccountID  string
	ListingIDs []uuid.UUID
}

// Manager holds per-account carts in memory.
type Manager struct {
	mu     sync.Mutex
	items  map[string][]uuid.UUID
	locked map[string]bool
}

// NewManager creates an empty cart manager.
func NewManager() *Manager {
	return &Manager{
		items:  make(map[string][]uuid.UUID),
		locked: make(map[string]bool),
	}
}

// Add puts a listing into the account's cart. Duplicates are ignored.
func (m *Manager) Add(accountID string, listingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[accountID] {
		return domain.ErrCartBusy
	}
	for _, id := range m.items[accountID] {
		if id == listingID {
			return nil
		}
	}
	m.items[accountID] = append(m.items[accountID], listingID)
	return nil
}

// Remove takes a listing out of the account's cart.
func (m *Manager) Remove(accountID string, listingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[accountID] {
		return domain.ErrCartBusy
	}
	ids := m.items[accountID]
	for i, id := range ids {
		if id == listingID {
			m.items[accountID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

// Items returns a copy of the account's cart contents.
func (m *Manager) Items(accountID string) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.items[accountID]
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	return out
}

// LockForCheckout takes the account's cart lock and returns a snapshot of
// its contents. A second checkout for the same account gets
// domain.ErrCartBusy until Unlock.
func (m *Manager) LockForCheckout(accountID string) (Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[accountID] {
		return Cart{}, domain.ErrCartBusy
	}
	m.locked[accountID] = true
	ids := m.items[accountID]
	snapshot := make([]uuid.UUID, len(ids))
	copy(snapshot, ids)
	return Cart{AccountID: accountID, ListingIDs: snapshot}, nil
}

// Unlock releases the account's cart lock.
func (m *Manager) Unlock(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, accountID)
}

// Clear empties the account's cart. Called after a successful batch commit.
func (m *Manager) Clear(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, accountID)
}
