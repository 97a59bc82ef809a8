// Package engine implements the settlement core: the only component allowed
// to move balances, flip listing statuses and append trade records. Every
// operation runs in exactly one atomic unit; the fulfillment handoff happens
// strictly after commit.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepost/settlement/internal/cart"
	"github.com/tradepost/settlement/internal/domain"
	"github.com/tradepost/settlement/internal/fulfillment"
	"github.com/tradepost/settlement/internal/store"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_operations_total",
		Help: "Settlement engine operations, labeled by outcome",
	}, []string{"op", "status"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_operation_duration_seconds",
		Help:    "Latency distribution of settlement operations",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})
)

// PriceFunc quotes an item. Pure and synchronous; a failure means no quote
// is available, never a partial one.
type PriceFunc func(item domain.ItemDescriptor) (decimal.Decimal, error)

// FlatPrice returns a PriceFunc quoting every item at the same amount. It
// stands in for an external pricing service in deployments that enable
// instant sell without one.
func FlatPrice(quote decimal.Decimal) PriceFunc {
	return func(item domain.ItemDescriptor) (decimal.Decimal, error) {
		if quote.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, domain.ErrPriceUnavailable
		}
		return quote, nil
	}
}

// SellerDirectory answers whether a seller or its fulfillment agent is
// currently reachable. Consulted inside the purchase unit: an unreachable
// seller aborts the whole unit before any money moves.
type SellerDirectory interface {
	Available(ctx context.Context, sellerID string) error
}

// SellerDirectoryFunc adapts a function to SellerDirectory.
type SellerDirectoryFunc func(ctx context.Context, sellerID string) error

// Available implements SellerDirectory.
func (f SellerDirectoryFunc) Available(ctx context.Context, sellerID string) error {
	return f(ctx, sellerID)
}

// Config tunes the engine.
type Config struct {
	// FeeRate is the platform's cut of each sale, e.g. 0.05.
	FeeRate decimal.Decimal
	// JobPriority is attached to emitted fulfillment jobs.
	JobPriority int
}

// Engine composes the stores, the cart collaborator and the fulfillment
// gateway into the settlement operations.
type Engine struct {
	store   *store.Store
	gateway fulfillment.Gateway
	carts   *cart.Manager
	price   PriceFunc
	sellers SellerDirectory
	cfg     Config
	logger  *zap.Logger
}

// New builds an Engine. price and sellers may be nil when the corresponding
// flows (instant sell, seller reachability checks) are not in use.
func New(st *store.Store, gw fulfillment.Gateway, carts *cart.Manager, price PriceFunc, sellers SellerDirectory, cfg Config, logger *zap.Logger) *Engine {
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = decimal.NewFromFloat(0.05)
	}
	return &Engine{
		store:   st,
		gateway: gw,
		carts:   carts,
		price:   price,
		sellers: sellers,
		cfg:     cfg,
		logger:  logger,
	}
}

// split computes the platform fee and the net seller payout for a gross
// price. The fee rounds toward the platform at 8 decimal places.
func (e *Engine) split(gross decimal.Decimal) (fee, payout decimal.Decimal) {
	fee = gross.Mul(e.cfg.FeeRate).Round(8)
	payout = gross.Sub(fee)
	return fee, payout
}

// sellerAvailable consults the directory; a nil directory means every seller
// is considered reachable.
func (e *Engine) sellerAvailable(ctx context.Context, sellerID string) error {
	if e.sellers == nil {
		return nil
	}
	if err := e.sellers.Available(ctx, sellerID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSellerUnavailable, err)
	}
	return nil
}

// observe records the op's metrics.
func (e *Engine) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	opsTotal.WithLabelValues(op, status).Inc()
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// enqueueJob hands a fulfillment job off after the financial commit. A
// submission failure is logged and left for the external scanner: the
// committed money movement is the source of truth and is never rolled back
// for a queue failure.
func (e *Engine) enqueueJob(ctx context.Context, t *domain.Trade, assetRef string) {
	if e.gateway == nil {
		return
	}
	job := fulfillment.NewJob(t, e.cfg.JobPriority)
	job.AssetRef = assetRef
	if _, err := e.gateway.Enqueue(ctx, job); err != nil {
		e.logger.Warn("fulfillment enqueue failed, trade left queued for scanner",
			zap.String("trade_id", t.ID.String()),
			zap.Error(err))
	}
}

// CreateAccount registers a new custodial account.
func (e *Engine) CreateAccount(ctx context.Context, id string) (*domain.Account, error) {
	if id == "" {
		return nil, domain.ErrAccountNotFound
	}
	return e.store.CreateAccount(ctx, id)
}

// GetAccount is a read-only projection.
func (e *Engine) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return e.store.GetAccount(ctx, id)
}

// GetTrade is a read-only projection.
func (e *Engine) GetTrade(ctx context.Context, id uuid.UUID) (*domain.Trade, error) {
	return e.store.GetTrade(ctx, id)
}

// ListTradesByAccount is a read-only projection.
func (e *Engine) ListTradesByAccount(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error) {
	return e.store.ListTradesByAccount(ctx, accountID, limit)
}

// GetListing is a read-only projection.
func (e *Engine) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	return e.store.GetListing(ctx, id)
}

// ListActiveListings is a read-only projection.
func (e *Engine) ListActiveListings(ctx context.Context, limit int) ([]*domain.Listing, error) {
	return e.store.ListActiveListings(ctx, limit)
}

// ListItem creates an active listing for a seller. Listing rows are only
// ever written through the engine.
func (e *Engine) ListItem(ctx context.Context, sellerID string, kind domain.SellerKind, item domain.ItemDescriptor, price decimal.Decimal) (*domain.Listing, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, domain.ErrInvalidAmount
	}
	if _, err := e.store.GetAccount(ctx, sellerID); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = domain.SellerAgent
	}
	l := &domain.Listing{
		SellerID:   sellerID,
		SellerKind: kind,
		ItemName:   item.Name,
		AssetRef:   item.AssetRef,
		Category:   item.Category,
		Price:      price,
		Status:     domain.ListingActive,
	}
	if err := e.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Reserve moves a listing from active to reserved, e.g. while a checkout is
// being prepared.
func (e *Engine) Reserve(ctx context.Context, listingID uuid.UUID) error {
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		l, err := e.store.LockListing(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if l.Status != domain.ListingActive {
			return domain.ErrListingUnavailable
		}
		return e.store.TransitionListing(ctx, tx, listingID, domain.ListingActive, domain.ListingReserved)
	})
}

// ReleaseReservation returns a reserved listing to active. Called by the
// external reservation sweep on timeout.
func (e *Engine) ReleaseReservation(ctx context.Context, listingID uuid.UUID) error {
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		l, err := e.store.LockListing(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if l.Status != domain.ListingReserved {
			return domain.ErrListingConflict
		}
		return e.store.TransitionListing(ctx, tx, listingID, domain.ListingReserved, domain.ListingActive)
	})
}
