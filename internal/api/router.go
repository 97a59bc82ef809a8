package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every endpoint. Mutating routes all go through the
// settlement engine; /metrics and /health sit outside the versioned prefix.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	v1.HandleFunc("/accounts/{id}/trades", h.ListAccountTradesHandler).Methods("GET")
	v1.HandleFunc("/accounts/{id}/deposits", h.DepositHandler).Methods("POST")
	v1.HandleFunc("/accounts/{id}/cart", h.AddCartItemHandler).Methods("POST")
	v1.HandleFunc("/accounts/{id}/cart/{listingID}", h.RemoveCartItemHandler).Methods("DELETE")

	v1.HandleFunc("/listings", h.CreateListingHandler).Methods("POST")
	v1.HandleFunc("/listings", h.ListListingsHandler).Methods("GET")
	v1.HandleFunc("/listings/{id}", h.GetListingHandler).Methods("GET")

	v1.HandleFunc("/purchases", h.PurchaseHandler).Methods("POST")
	v1.HandleFunc("/purchases/batch", h.BatchPurchaseHandler).Methods("POST")
	v1.HandleFunc("/instant-sells", h.InstantSellHandler).Methods("POST")

	v1.HandleFunc("/withdrawals", h.RequestWithdrawalHandler).Methods("POST")
	v1.HandleFunc("/withdrawals/{id}/approve", h.ApproveWithdrawalHandler).Methods("POST")
	v1.HandleFunc("/withdrawals/{id}/reject", h.RejectWithdrawalHandler).Methods("POST")

	v1.HandleFunc("/trades/{id}", h.GetTradeHandler).Methods("GET")
	v1.HandleFunc("/trades/{id}/reconcile", h.ReconcileHandler).Methods("POST")
	v1.HandleFunc("/trades/{id}/seller-sent", h.SellerSentHandler).Methods("POST")

	return r
}
