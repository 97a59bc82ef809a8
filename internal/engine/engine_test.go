package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradepost/settlement/internal/cart"
	"github.com/tradepost/settlement/internal/domain"
	"github.com/tradepost/settlement/internal/fulfillment"
	"github.com/tradepost/settlement/internal/store"
)

// newTestEngine wires a real store against TEST_DATABASE_URL with an
// in-memory fulfillment gateway. Skipped when the variable is unset.
func newTestEngine(t *testing.T) (*Engine, *store.Store, *fulfillment.MemoryGateway) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(st.Close)

	gw := fulfillment.NewMemoryGateway(64)
	price := func(item domain.ItemDescriptor) (decimal.Decimal, error) {
		if item.AssetRef == "" {
			return decimal.Zero, domain.ErrPriceUnavailable
		}
		return decimal.NewFromInt(20), nil
	}
	e := New(st, gw, cart.NewManager(), price, nil, Config{}, zap.NewNop())
	return e, st, gw
}

func mustAccount(t *testing.T, e *Engine, balance string) *domain.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := e.CreateAccount(ctx, "test-"+uuid.NewString())
	require.NoError(t, err)
	if balance != "0" {
		amount, err := decimal.NewFromString(balance)
		require.NoError(t, err)
		_, _, err = e.CreditOnce(ctx, acc.ID, amount, "seed-"+uuid.NewString())
		require.NoError(t, err)
	}
	return acc
}

func mustListing(t *testing.T, e *Engine, sellerID, price string) *domain.Listing {
	t.Helper()
	p, err := decimal.NewFromString(price)
	require.NoError(t, err)
	l, err := e.ListItem(context.Background(), sellerID, domain.SellerAgent,
		domain.ItemDescriptor{Name: "widget", AssetRef: "asset-" + uuid.NewString(), Category: "tools"}, p)
	require.NoError(t, err)
	return l
}

func balanceOf(t *testing.T, e *Engine, id string) decimal.Decimal {
	t.Helper()
	acc, err := e.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestFlatPrice(t *testing.T) {
	price := FlatPrice(decimal.RequireFromString("12.50"))
	quote, err := price(domain.ItemDescriptor{Name: "widget"})
	require.NoError(t, err)
	assert.True(t, quote.Equal(decimal.RequireFromString("12.50")))

	price = FlatPrice(decimal.Zero)
	_, err = price(domain.ItemDescriptor{Name: "widget"})
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestPurchaseExactBalance(t *testing.T) {
	e, _, gw := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "10.00")
	l := mustListing(t, e, seller.ID, "10.00")

	trade, err := e.Purchase(ctx, l.ID, buyer.ID, "depot 7")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeQueued, trade.State)
	assert.True(t, trade.Gross.Equal(decimal.NewFromInt(10)))
	assert.True(t, trade.Fee.Equal(decimal.NewFromFloat(0.5)), "fee %s", trade.Fee)
	assert.True(t, trade.Payout.Equal(decimal.NewFromFloat(9.5)), "payout %s", trade.Payout)

	// Buyer is debited in full; the seller sees nothing until reconcile.
	assert.True(t, balanceOf(t, e, buyer.ID).IsZero())
	assert.True(t, balanceOf(t, e, seller.ID).IsZero())

	got, err := e.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, got.Status)

	job := <-gw.Jobs()
	assert.Equal(t, trade.ID, job.TradeID)
	assert.Equal(t, l.AssetRef, job.AssetRef)
}

func TestPurchaseInsufficientFundsNoSideEffects(t *testing.T) {
	e, _, gw := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "9.99")
	l := mustListing(t, e, seller.ID, "10.00")

	_, err := e.Purchase(ctx, l.ID, buyer.ID, "")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.True(t, balanceOf(t, e, buyer.ID).Equal(decimal.RequireFromString("9.99")))
	got, err := e.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, got.Status)
	assert.Equal(t, uint64(0), gw.Enqueued())

	// Only the seed deposit is on record; no purchase trade was written.
	trades, err := e.ListTradesByAccount(ctx, buyer.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.KindDeposit, trades[0].Kind)
}

func TestPurchaseSelfAndUnavailable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "50.00")
	l := mustListing(t, e, seller.ID, "10.00")

	_, err := e.Purchase(ctx, l.ID, seller.ID, "")
	assert.ErrorIs(t, err, domain.ErrSelfPurchase)

	buyer := mustAccount(t, e, "50.00")
	require.NoError(t, e.Reserve(ctx, l.ID))
	_, err = e.Purchase(ctx, l.ID, buyer.ID, "")
	assert.ErrorIs(t, err, domain.ErrListingUnavailable)

	require.NoError(t, e.ReleaseReservation(ctx, l.ID))
	_, err = e.Purchase(ctx, l.ID, buyer.ID, "")
	require.NoError(t, err)
}

func TestConcurrentPurchaseSingleWinner(t *testing.T) {
	e, _, gw := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	l := mustListing(t, e, seller.ID, "10.00")

	const buyers = 8
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		buyer := mustAccount(t, e, "100.00")
		wg.Add(1)
		go func(i int, buyerID string) {
			defer wg.Done()
			_, errs[i] = e.Purchase(ctx, l.ID, buyerID, "")
		}(i, buyer.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		retryable := errors.Is(err, domain.ErrListingUnavailable) ||
			errors.Is(err, domain.ErrListingConflict) ||
			errors.Is(err, domain.ErrBusy)
		require.True(t, retryable, "unexpected purchase error: %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, uint64(1), gw.Enqueued())
}

func TestReconcileSuccessPaysSeller(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "10.00")
	l := mustListing(t, e, seller.ID, "10.00")

	trade, err := e.Purchase(ctx, l.ID, buyer.ID, "")
	require.NoError(t, err)

	require.NoError(t, e.MarkProcessing(ctx, trade.ID))

	settled, err := e.Reconcile(ctx, trade.ID, domain.OutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, settled.State)
	assert.True(t, balanceOf(t, e, seller.ID).Equal(decimal.RequireFromString("9.5")))

	// Replayed result is a no-op returning the settled trade.
	again, err := e.Reconcile(ctx, trade.ID, domain.OutcomeFailure, "late duplicate")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, again.State)
	assert.True(t, balanceOf(t, e, seller.ID).Equal(decimal.RequireFromString("9.5")))
	assert.True(t, balanceOf(t, e, buyer.ID).IsZero())
}

func TestReconcileFailureRefundsAndRelists(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "10.00")
	l := mustListing(t, e, seller.ID, "10.00")

	trade, err := e.Purchase(ctx, l.ID, buyer.ID, "")
	require.NoError(t, err)

	settled, err := e.Reconcile(ctx, trade.ID, domain.OutcomeTimeout, "agent never responded")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, settled.State)

	// Full gross refund, no fee retained, seller untouched.
	assert.True(t, balanceOf(t, e, buyer.ID).Equal(decimal.NewFromInt(10)))
	assert.True(t, balanceOf(t, e, seller.ID).IsZero())

	got, err := e.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, got.Status)
}

func TestBatchPurchaseAtomicity(t *testing.T) {
	e, _, gw := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "100.00")
	l1 := mustListing(t, e, seller.ID, "10.00")
	l2 := mustListing(t, e, seller.ID, "15.00")

	// Sell l2 out from under the batch.
	rival := mustAccount(t, e, "100.00")
	_, err := e.Purchase(ctx, l2.ID, rival.ID, "")
	require.NoError(t, err)
	enqueuedBefore := gw.Enqueued()

	_, _, err = e.BatchPurchase(ctx, buyer.ID, []uuid.UUID{l1.ID, l2.ID})
	assert.ErrorIs(t, err, domain.ErrListingUnavailable)

	// Nothing committed: balance intact, l1 still active, no jobs emitted.
	assert.True(t, balanceOf(t, e, buyer.ID).Equal(decimal.NewFromInt(100)))
	got, err := e.GetListing(ctx, l1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, got.Status)
	assert.Equal(t, enqueuedBefore, gw.Enqueued())

	// The clean batch settles both items under one batch id.
	l3 := mustListing(t, e, seller.ID, "5.00")
	batchID, trades, err := e.BatchPurchase(ctx, buyer.ID, []uuid.UUID{l1.ID, l3.ID})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		require.NotNil(t, tr.BatchID)
		assert.Equal(t, batchID, *tr.BatchID)
	}
	assert.True(t, balanceOf(t, e, buyer.ID).Equal(decimal.NewFromInt(85)))
}

func TestCreditOnceIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	acc := mustAccount(t, e, "0")
	key := "dep-" + uuid.NewString()
	amount := decimal.RequireFromString("25.00")

	first, dup, err := e.CreditOnce(ctx, acc.ID, amount, key)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, domain.KindDeposit, first.Kind)
	assert.Equal(t, domain.TradeCompleted, first.State)

	second, dup, err := e.CreditOnce(ctx, acc.ID, amount, key)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)

	assert.True(t, balanceOf(t, e, acc.ID).Equal(amount))
}

func TestWithdrawalEscrowAndDecision(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	acc := mustAccount(t, e, "100.00")

	trade, err := e.RequestWithdrawal(ctx, acc.ID, decimal.NewFromInt(40), "bank", "DE89")
	require.NoError(t, err)
	assert.Equal(t, domain.TradePendingApproval, trade.State)
	assert.True(t, balanceOf(t, e, acc.ID).Equal(decimal.NewFromInt(60)))

	rejected, err := e.RejectWithdrawal(ctx, trade.ID, "ops-1", "limits exceeded")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, rejected.State)
	assert.True(t, balanceOf(t, e, acc.ID).Equal(decimal.NewFromInt(100)))

	// A decided withdrawal cannot be decided again.
	_, err = e.ApproveWithdrawal(ctx, trade.ID, "ops-1", "")
	assert.Error(t, err)

	trade2, err := e.RequestWithdrawal(ctx, acc.ID, decimal.NewFromInt(30), "bank", "DE89")
	require.NoError(t, err)
	approved, err := e.ApproveWithdrawal(ctx, trade2.ID, "ops-1", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, approved.State)
	assert.True(t, balanceOf(t, e, acc.ID).Equal(decimal.NewFromInt(70)))

	_, err = e.RequestWithdrawal(ctx, acc.ID, decimal.NewFromInt(1000), "bank", "DE89")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestInstantSell(t *testing.T) {
	e, _, gw := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")

	trade, err := e.InstantSell(ctx, seller.ID, domain.ItemDescriptor{Name: "widget", AssetRef: "asset-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TradeQueued, trade.State)
	assert.Equal(t, domain.KindInstantSell, trade.Kind)
	assert.True(t, trade.Gross.Equal(decimal.NewFromInt(20)))
	assert.True(t, balanceOf(t, e, seller.ID).IsZero())

	job := <-gw.Jobs()
	assert.Equal(t, trade.ID, job.TradeID)

	// Seller is paid only after intake confirms the asset arrived.
	settled, err := e.Reconcile(ctx, trade.ID, domain.OutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, settled.State)
	assert.True(t, balanceOf(t, e, seller.ID).Equal(decimal.NewFromInt(19)))

	_, err = e.InstantSell(ctx, seller.ID, domain.ItemDescriptor{Name: "widget"})
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestMarkAwaitingSellerRejectsAgentTrade(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "10.00")
	l := mustListing(t, e, seller.ID, "10.00")

	trade, err := e.Purchase(ctx, l.ID, buyer.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.KindMarketplaceSale, trade.Kind)

	assert.ErrorIs(t, e.MarkAwaitingSeller(ctx, trade.ID), domain.ErrInvalidTransition)

	got, err := e.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeQueued, got.State)
}

func TestReconcileTimeoutWhileAwaitingSeller(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "10.00")

	p, _ := decimal.NewFromString("10.00")
	l, err := e.ListItem(ctx, seller.ID, domain.SellerPeer,
		domain.ItemDescriptor{Name: "widget", AssetRef: "asset-" + uuid.NewString()}, p)
	require.NoError(t, err)

	trade, err := e.Purchase(ctx, l.ID, buyer.ID, "")
	require.NoError(t, err)
	require.NoError(t, e.MarkAwaitingSeller(ctx, trade.ID))

	// The seller never sends: the timeout must still run the full
	// compensation from awaiting_seller_send.
	settled, err := e.Reconcile(ctx, trade.ID, domain.OutcomeTimeout, "seller never sent")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, settled.State)

	assert.True(t, balanceOf(t, e, buyer.ID).Equal(decimal.NewFromInt(10)))
	assert.True(t, balanceOf(t, e, seller.ID).IsZero())

	got, err := e.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, got.Status)
}

func TestConfirmSellerSent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	seller := mustAccount(t, e, "0")
	buyer := mustAccount(t, e, "50.00")

	p, _ := decimal.NewFromString("10.00")
	l, err := e.ListItem(ctx, seller.ID, domain.SellerPeer,
		domain.ItemDescriptor{Name: "widget", AssetRef: "asset-" + uuid.NewString()}, p)
	require.NoError(t, err)

	trade, err := e.Purchase(ctx, l.ID, buyer.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.KindPeerToPeer, trade.Kind)

	require.NoError(t, e.MarkAwaitingSeller(ctx, trade.ID))

	err = e.ConfirmSellerSent(ctx, trade.ID, buyer.ID)
	assert.ErrorIs(t, err, domain.ErrSellerMismatch)

	require.NoError(t, e.ConfirmSellerSent(ctx, trade.ID, seller.ID))
	got, err := e.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeProcessing, got.State)
}
