// Package api exposes the settlement engine over HTTP. Handlers only
// validate, delegate and translate typed engine errors into status codes;
// they never touch balances or statuses directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepost/settlement/internal/cart"
	"github.com/tradepost/settlement/internal/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Engine is the settlement surface the handlers call.
type Engine interface {
	CreateAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetTrade(ctx context.Context, id uuid.UUID) (*domain.Trade, error)
	ListTradesByAccount(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error)
	GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
	ListActiveListings(ctx context.Context, limit int) ([]*domain.Listing, error)
	ListItem(ctx context.Context, sellerID string, kind domain.SellerKind, item domain.ItemDescriptor, price decimal.Decimal) (*domain.Listing, error)
	Purchase(ctx context.Context, listingID uuid.UUID, buyerID, deliveryAddress string) (*domain.Trade, error)
	BatchPurchase(ctx context.Context, buyerID string, listingIDs []uuid.UUID) (uuid.UUID, []*domain.Trade, error)
	Reconcile(ctx context.Context, tradeID uuid.UUID, outcome domain.Outcome, reason string) (*domain.Trade, error)
	ConfirmSellerSent(ctx context.Context, tradeID uuid.UUID, sellerID string) error
	CreditOnce(ctx context.Context, accountID string, amount decimal.Decimal, key string) (*domain.Trade, bool, error)
	RequestWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal, method, destination string) (*domain.Trade, error)
	ApproveWithdrawal(ctx context.Context, tradeID uuid.UUID, adminID, note string) (*domain.Trade, error)
	RejectWithdrawal(ctx context.Context, tradeID uuid.UUID, adminID, reason string) (*domain.Trade, error)
	InstantSell(ctx context.Context, sellerID string, item domain.ItemDescriptor) (*domain.Trade, error)
}

// Handler routes HTTP requests into the engine.
type Handler struct {
	engine Engine
	carts  *cart.Manager
	logger *zap.Logger
}

// NewHandler builds the handler set.
func NewHandler(engine Engine, carts *cart.Manager, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, carts: carts, logger: logger}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
// Contention errors get 409/503 so callers know a retry is safe; business
// rejections get 422; validation failures 400/404.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "Positive amount required"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	case errors.Is(err, domain.ErrListingNotFound):
		return http.StatusNotFound, "Listing not found"
	case errors.Is(err, domain.ErrTradeNotFound):
		return http.StatusNotFound, "Trade not found"
	case errors.Is(err, domain.ErrAccountExists):
		return http.StatusConflict, "Account already exists"
	case errors.Is(err, domain.ErrDuplicateInFlight):
		return http.StatusConflict, "Request with this idempotency key is in progress"
	case errors.Is(err, domain.ErrCartBusy):
		return http.StatusConflict, "Checkout already in progress"
	case errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable, "Resource busy, retry later"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, domain.ErrListingUnavailable), errors.Is(err, domain.ErrListingConflict):
		return http.StatusUnprocessableEntity, "Listing already sold or reserved"
	case errors.Is(err, domain.ErrSellerUnavailable):
		return http.StatusUnprocessableEntity, "Seller is not reachable"
	case errors.Is(err, domain.ErrSelfPurchase):
		return http.StatusUnprocessableEntity, "Cannot buy own listing"
	case errors.Is(err, domain.ErrSellerMismatch):
		return http.StatusForbidden, "Not the seller of this trade"
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusUnprocessableEntity, "No price available for item"
	case errors.Is(err, domain.ErrEmptyCart):
		return http.StatusUnprocessableEntity, "Cart is empty"
	case errors.Is(err, domain.ErrTradeTerminal), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "Trade state does not allow this operation"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (h *Handler) respondEngineError(w http.ResponseWriter, method, endpoint string, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	h.count(method, endpoint, code)
	respondWithError(w, code, msg)
}

func (h *Handler) count(method, endpoint string, code int) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[name])
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
