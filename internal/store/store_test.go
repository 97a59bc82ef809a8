package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepost/settlement/internal/domain"
)

// newTestStore connects to the database named by TEST_DATABASE_URL and
// applies the schema. Tests are skipped when the variable is unset so the
// unit suites stay runnable without postgres.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(s.Close)
	return s
}

func newTestAccount(t *testing.T, s *Store, balance string) *domain.Account {
	t.Helper()
	acc, err := s.CreateAccount(context.Background(), "test-"+uuid.NewString())
	require.NoError(t, err)
	if balance != "0" {
		amount, err := decimal.NewFromString(balance)
		require.NoError(t, err)
		require.NoError(t, s.WithTx(context.Background(), func(tx pgx.Tx) error {
			return s.Credit(context.Background(), tx, acc.ID, amount)
		}))
	}
	return acc
}

func newTestListing(t *testing.T, s *Store, sellerID, price string) *domain.Listing {
	t.Helper()
	p, err := decimal.NewFromString(price)
	require.NoError(t, err)
	l := &domain.Listing{
		ID:         uuid.New(),
		SellerID:   sellerID,
		SellerKind: domain.SellerAgent,
		ItemName:   "widget",
		AssetRef:   "asset-" + uuid.NewString(),
		Category:   "tools",
		Price:      p,
		Status:     domain.ListingActive,
	}
	require.NoError(t, s.CreateListing(context.Background(), l))
	return l
}

func TestCreateAccountDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc := newTestAccount(t, s, "0")
	_, err := s.CreateAccount(ctx, acc.ID)
	assert.ErrorIs(t, err, domain.ErrAccountExists)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())

	_, err = s.GetAccount(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestDebitAndCredit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := newTestAccount(t, s, "100.00")

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.Debit(ctx, tx, acc.ID, decimal.NewFromInt(40))
	})
	require.NoError(t, err)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(60)), "balance %s", got.Balance)

	// Overdraft is rejected and the transaction rolls back whole.
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.Credit(ctx, tx, acc.ID, decimal.NewFromInt(5)); err != nil {
			return err
		}
		return s.Debit(ctx, tx, acc.ID, decimal.NewFromInt(1000))
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err = s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(60)), "balance %s", got.Balance)

	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.Debit(ctx, tx, acc.ID, decimal.Zero)
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestTransitionListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := newTestAccount(t, s, "0")
	l := newTestListing(t, s, seller.ID, "10.00")

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.TransitionListing(ctx, tx, l.ID, domain.ListingActive, domain.ListingSold)
	})
	require.NoError(t, err)

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, got.Status)

	// The guarded UPDATE refuses a second sale of the same listing.
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.TransitionListing(ctx, tx, l.ID, domain.ListingActive, domain.ListingSold)
	})
	assert.ErrorIs(t, err, domain.ErrListingConflict)

	// Re-listing after a failed fulfillment.
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.TransitionListing(ctx, tx, l.ID, domain.ListingSold, domain.ListingActive)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.TransitionListing(ctx, tx, l.ID, domain.ListingCancelled, domain.ListingActive)
	})
	assert.ErrorIs(t, err, domain.ErrListingConflict)
}

func TestTradeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buyer := newTestAccount(t, s, "50.00")
	seller := newTestAccount(t, s, "0")
	l := newTestListing(t, s, seller.ID, "10.00")

	trade := &domain.Trade{
		ID:        uuid.New(),
		Kind:      domain.KindMarketplaceSale,
		State:     domain.TradeQueued,
		BuyerID:   buyer.ID,
		SellerID:  seller.ID,
		ListingID: &l.ID,
		Gross:     decimal.NewFromInt(10),
		Fee:       decimal.NewFromFloat(0.5),
		Payout:    decimal.NewFromFloat(9.5),
	}
	require.NoError(t, s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.InsertTrade(ctx, tx, trade)
	}))

	got, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeQueued, got.State)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, got.Payout.Equal(decimal.NewFromFloat(9.5)))

	require.NoError(t, s.WithTx(ctx, func(tx pgx.Tx) error {
		t2, err := s.LockTrade(ctx, tx, trade.ID)
		if err != nil {
			return err
		}
		return s.TransitionTrade(ctx, tx, t2, domain.TradeCompleted, "delivered")
	}))

	got, err = s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Notes, "delivered")

	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		t2, err := s.LockTrade(ctx, tx, trade.ID)
		if err != nil {
			return err
		}
		return s.TransitionTrade(ctx, tx, t2, domain.TradeFailed, "")
	})
	assert.ErrorIs(t, err, domain.ErrTradeTerminal)

	trades, err := s.ListTradesByAccount(ctx, buyer.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, trade.ID, trades[0].ID)
}

func TestIdempotencyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "key-" + uuid.NewString()
	tradeID := uuid.New()

	require.NoError(t, s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.GetIdempotencyRef(ctx, tx, key); !assert.ErrorIs(t, err, domain.ErrTradeNotFound) {
			return err
		}
		return s.ConsumeIdempotencyKey(ctx, tx, key, tradeID)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx pgx.Tx) error {
		ref, err := s.GetIdempotencyRef(ctx, tx, key)
		if err != nil {
			return err
		}
		assert.Equal(t, tradeID, ref)
		return nil
	}))

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.ConsumeIdempotencyKey(ctx, tx, key, uuid.New())
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateInFlight)
}

func TestLockedRowReportsBusy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := newTestAccount(t, s, "10.00")

	held, err := s.DB.Begin(ctx)
	require.NoError(t, err)
	defer held.Rollback(ctx)
	_, err = held.Exec(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", acc.ID)
	require.NoError(t, err)

	short, err := New(ctx, os.Getenv("TEST_DATABASE_URL"), 100*time.Millisecond)
	require.NoError(t, err)
	defer short.Close()

	err = short.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := short.LockBalance(ctx, tx, acc.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrBusy)
}

func TestPruneIdempotencyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("prune-%s-%d", uuid.NewString(), i)
		require.NoError(t, s.WithTx(ctx, func(tx pgx.Tx) error {
			return s.ConsumeIdempotencyKey(ctx, tx, key, uuid.New())
		}))
	}

	// Nothing is old enough yet.
	pruned, err := s.PruneIdempotencyKeys(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)
}
