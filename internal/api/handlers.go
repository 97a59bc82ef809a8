package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/tradepost/settlement/internal/domain"
)

type createAccountRequest struct {
	ID string `json:"id"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil || req.ID == "" {
		h.count("POST", "/accounts", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Account id required")
		return
	}
	acc, err := h.engine.CreateAccount(r.Context(), req.ID)
	if err != nil {
		h.respondEngineError(w, "POST", "/accounts", err)
		return
	}
	h.count("POST", "/accounts", http.StatusCreated)
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.engine.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondEngineError(w, "GET", "/accounts/{id}", err)
		return
	}
	h.count("GET", "/accounts/{id}", http.StatusOK)
	respondWithJSON(w, http.StatusOK, acc)
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type depositResponse struct {
	TradeID   uuid.UUID `json:"trade_id"`
	Duplicate bool      `json:"duplicate"`
}

func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/accounts/{id}/deposits"))
	defer timer.ObserveDuration()

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		h.count("POST", "/accounts/{id}/deposits", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		h.count("POST", "/accounts/{id}/deposits", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	trade, duplicate, err := h.engine.CreditOnce(r.Context(), mux.Vars(r)["id"], req.Amount, key)
	if err != nil {
		h.respondEngineError(w, "POST", "/accounts/{id}/deposits", err)
		return
	}

	code := http.StatusCreated
	if duplicate {
		code = http.StatusOK
	}
	h.count("POST", "/accounts/{id}/deposits", code)
	respondWithJSON(w, code, depositResponse{TradeID: trade.ID, Duplicate: duplicate})
}

type createListingRequest struct {
	SellerID   string                `json:"seller_id"`
	SellerKind domain.SellerKind     `json:"seller_kind"`
	Item       domain.ItemDescriptor `json:"item"`
	Price      decimal.Decimal       `json:"price"`
}

func (h *Handler) CreateListingHandler(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := decodeJSON(r, &req); err != nil || req.SellerID == "" || req.Item.Name == "" {
		h.count("POST", "/listings", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "seller_id, item and price required")
		return
	}
	listing, err := h.engine.ListItem(r.Context(), req.SellerID, req.SellerKind, req.Item, req.Price)
	if err != nil {
		h.respondEngineError(w, "POST", "/listings", err)
		return
	}
	h.count("POST", "/listings", http.StatusCreated)
	w.Header().Set("Location", fmt.Sprintf("/api/v1/listings/%s", listing.ID))
	respondWithJSON(w, http.StatusCreated, listing)
}

func (h *Handler) GetListingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.count("GET", "/listings/{id}", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Invalid listing id")
		return
	}
	listing, err := h.engine.GetListing(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, "GET", "/listings/{id}", err)
		return
	}
	h.count("GET", "/listings/{id}", http.StatusOK)
	respondWithJSON(w, http.StatusOK, listing)
}

func (h *Handler) ListListingsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	listings, err := h.engine.ListActiveListings(r.Context(), limit)
	if err != nil {
		h.respondEngineError(w, "GET", "/listings", err)
		return
	}
	h.count("GET", "/listings", http.StatusOK)
	respondWithJSON(w, http.StatusOK, listings)
}

type purchaseRequest struct {
	ListingID       uuid.UUID `json:"listing_id"`
	BuyerID         string    `json:"buyer_id"`
	DeliveryAddress string    `json:"delivery_address"`
}

type purchaseResponse struct {
	TradeID uuid.UUID         `json:"trade_id"`
	Status  domain.TradeState `json:"status"`
}

func (h *Handler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/purchases"))
	defer timer.ObserveDuration()

	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil || req.ListingID == uuid.Nil || req.BuyerID == "" {
		h.count("POST", "/purchases", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "listing_id and buyer_id required")
		return
	}

	trade, err := h.engine.Purchase(r.Context(), req.ListingID, req.BuyerID, req.DeliveryAddress)
	if err != nil {
		h.respondEngineError(w, "POST", "/purchases", err)
		return
	}
	h.count("POST", "/purchases", http.StatusCreated)
	w.Header().Set("Location", fmt.Sprintf("/api/v1/trades/%s", trade.ID))
	respondWithJSON(w, http.StatusCreated, purchaseResponse{TradeID: trade.ID, Status: trade.State})
}

type batchPurchaseRequest struct {
	BuyerID    string      `json:"buyer_id"`
	ListingIDs []uuid.UUID `json:"listing_ids"`
}

type batchPurchaseResponse struct {
	BatchID  uuid.UUID         `json:"batch_id"`
	TradeIDs []uuid.UUID       `json:"trade_ids"`
	Status   domain.TradeState `json:"status"`
}

func (h *Handler) BatchPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/purchases/batch"))
	defer timer.ObserveDuration()

	var req batchPurchaseRequest
	if err := decodeJSON(r, &req); err != nil || req.BuyerID == "" {
		h.count("POST", "/purchases/batch", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "buyer_id required")
		return
	}

	batchID, trades, err := h.engine.BatchPurchase(r.Context(), req.BuyerID, req.ListingIDs)
	if err != nil {
		h.respondEngineError(w, "POST", "/purchases/batch", err)
		return
	}
	ids := make([]uuid.UUID, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	h.count("POST", "/purchases/batch", http.StatusCreated)
	respondWithJSON(w, http.StatusCreated, batchPurchaseResponse{BatchID: batchID, TradeIDs: ids, Status: domain.TradeQueued})
}

type cartItemRequest struct {
	ListingID uuid.UUID `json:"listing_id"`
}

func (h *Handler) AddCartItemHandler(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := decodeJSON(r, &req); err != nil || req.ListingID == uuid.Nil {
		h.count("POST", "/accounts/{id}/cart", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "listing_id required")
		return
	}
	if err := h.carts.Add(mux.Vars(r)["id"], req.ListingID); err != nil {
		h.respondEngineError(w, "POST", "/accounts/{id}/cart", err)
		return
	}
	h.count("POST", "/accounts/{id}/cart", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveCartItemHandler(w http.ResponseWriter, r *http.Request) {
	listingID, err := pathUUID(r, "listingID")
	if err != nil {
		h.count("DELETE", "/accounts/{id}/cart/{listingID}", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Invalid listing id")
		return
	}
	if err := h.carts.Remove(mux.Vars(r)["id"], listingID); err != nil {
		h.respondEngineError(w, "DELETE", "/accounts/{id}/cart/{listingID}", err)
		return
	}
	h.count("DELETE", "/accounts/{id}/cart/{listingID}", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

type withdrawalRequest struct {
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	Destination string          `json:"destination"`
}

func (h *Handler) RequestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := decodeJSON(r, &req); err != nil || req.AccountID == "" {
		h.count("POST", "/withdrawals", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "account_id and amount required")
		return
	}
	trade, err := h.engine.RequestWithdrawal(r.Context(), req.AccountID, req.Amount, req.Method, req.Destination)
	if err != nil {
		h.respondEngineError(w, "POST", "/withdrawals", err)
		return
	}
	h.count("POST", "/withdrawals", http.StatusCreated)
	respondWithJSON(w, http.StatusCreated, purchaseResponse{TradeID: trade.ID, Status: trade.State})
}

type withdrawalDecisionRequest struct {
	AdminID string `json:"admin_id"`
	Note    string `json:"note"`
	Reason  string `json:"reason"`
}

func (h *Handler) ApproveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	h.decideWithdrawal(w, r, true)
}

func (h *Handler) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	h.decideWithdrawal(w, r, false)
}

func (h *Handler) decideWithdrawal(w http.ResponseWriter, r *http.Request, approve bool) {
	endpoint := "/withdrawals/{id}/reject"
	if approve {
		endpoint = "/withdrawals/{id}/approve"
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		h.count("POST", endpoint, http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Invalid trade id")
		return
	}
	var req withdrawalDecisionRequest
	if err := decodeJSON(r, &req); err != nil || req.AdminID == "" {
		h.count("POST", endpoint, http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "admin_id required")
		return
	}

	var trade *domain.Trade
	if approve {
		trade, err = h.engine.ApproveWithdrawal(r.Context(), id, req.AdminID, req.Note)
	} else {
		trade, err = h.engine.RejectWithdrawal(r.Context(), id, req.AdminID, req.Reason)
	}
	if err != nil {
		h.respondEngineError(w, "POST", endpoint, err)
		return
	}
	h.count("POST", endpoint, http.StatusOK)
	respondWithJSON(w, http.StatusOK, purchaseResponse{TradeID: trade.ID, Status: trade.State})
}

func (h *Handler) GetTradeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.count("GET", "/trades/{id}", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Invalid trade id")
		return
	}
	trade, err := h.engine.GetTrade(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, "GET", "/trades/{id}", err)
		return
	}
	h.count("GET", "/trades/{id}", http.StatusOK)
	respondWithJSON(w, http.StatusOK, trade)
}

func (h *Handler) ListAccountTradesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.engine.ListTradesByAccount(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondEngineError(w, "GET", "/accounts/{id}/trades", err)
		return
	}
	h.count("GET", "/accounts/{id}/trades", http.StatusOK)
	respondWithJSON(w, http.StatusOK, trades)
}

type reconcileRequest struct {
	Outcome domain.Outcome `json:"outcome"`
	Reason  string         `json:"reason"`
}

// ReconcileHandler is the inbound callback entry for fulfillment results.
// It is idempotent: replaying a result for a settled trade returns the
// current terminal state with no side effects.
func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/trades/{id}/reconcile"))
	defer timer.ObserveDuration()

	id, err := pathUUID(r, "id")
	if err != nil {
		h.count("POST", "/trades/{id}/reconcile", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Invalid trade id")
		return
	}
	var req reconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		h.count("POST", "/trades/{id}/reconcile", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	switch req.Outcome {
	case domain.OutcomeSuccess, domain.OutcomeFailure, domain.OutcomeTimeout:
	default:
		h.count("POST", "/trades/{id}/reconcile", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "outcome must be success, failure or timeout")
		return
	}

	trade, err := h.engine.Reconcile(r.Context(), id, req.Outcome, req.Reason)
	if err != nil {
		h.respondEngineError(w, "POST", "/trades/{id}/reconcile", err)
		return
	}
	h.count("POST", "/trades/{id}/reconcile", http.StatusOK)
	respondWithJSON(w, http.StatusOK, purchaseResponse{TradeID: trade.ID, Status: trade.State})
}

type sellerSentRequest struct {
	SellerID string `json:"seller_id"`
}

func (h *Handler) SellerSentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.count("POST", "/trades/{id}/seller-sent", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "Invalid trade id")
		return
	}
	var req sellerSentRequest
	if err := decodeJSON(r, &req); err != nil || req.SellerID == "" {
		h.count("POST", "/trades/{id}/seller-sent", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "seller_id required")
		return
	}
	if err := h.engine.ConfirmSellerSent(r.Context(), id, req.SellerID); err != nil {
		h.respondEngineError(w, "POST", "/trades/{id}/seller-sent", err)
		return
	}
	h.count("POST", "/trades/{id}/seller-sent", http.StatusOK)
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "processing"})
}

type instantSellRequest struct {
	SellerID string                `json:"seller_id"`
	Item     domain.ItemDescriptor `json:"item"`
}

func (h *Handler) InstantSellHandler(w http.ResponseWriter, r *http.Request) {
	var req instantSellRequest
	if err := decodeJSON(r, &req); err != nil || req.SellerID == "" || req.Item.Name == "" {
		h.count("POST", "/instant-sells", http.StatusBadRequest)
		respondWithError(w, http.StatusBadRequest, "seller_id and item required")
		return
	}
	trade, err := h.engine.InstantSell(r.Context(), req.SellerID, req.Item)
	if err != nil {
		h.respondEngineError(w, "POST", "/instant-sells", err)
		return
	}
	h.count("POST", "/instant-sells", http.StatusCreated)
	respondWithJSON(w, http.StatusCreated, purchaseResponse{TradeID: trade.ID, Status: trade.State})
}
