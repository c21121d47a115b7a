// Package handlers provides HTTP handlers for marketplace operations.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/modules/ledger"
	"github.com/parcelworld/parcel/internal/modules/marketplace"
)

// Handler handles marketplace HTTP requests
type Handler struct {
	service *marketplace.Service
	ledger  *ledger.Repository
	log     zerolog.Logger
}

// NewHandler creates a new marketplace handler
func NewHandler(service *marketplace.Service, ledgerRepo *ledger.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		ledger:  ledgerRepo,
		log:     log.With().Str("handler", "marketplace").Logger(),
	}
}

// HandleListListings handles GET /api/marketplace/listings
func (h *Handler) HandleListListings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	kind := domain.ListingKind(r.URL.Query().Get("kind"))

	listings, err := h.service.ListListings(kind, limit, offset)
	if err != nil {
		h.writeError(w, err, "Failed to list listings")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"listings": listings,
		"count":    len(listings),
	})
}

// HandleGetListing handles GET /api/marketplace/listings/{id}
func (h *Handler) HandleGetListing(w http.ResponseWriter, r *http.Request, id string) {
	listing, bids, err := h.service.GetListing(id)
	if err != nil {
		h.writeError(w, err, "Failed to get listing")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"listing": listing,
		"bids":    bids,
	})
}

// HandleCreateListing handles POST /api/marketplace/listings
func (h *Handler) HandleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LandID          string `json:"land_id"`
		Kind            string `json:"kind"`
		Price           int64  `json:"price"`
		BuyNowPrice     int64  `json:"buy_now_price"`
		DurationSeconds int64  `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}

	listing, err := h.service.CreateListing(
		auth.UserID(r.Context()),
		req.LandID,
		domain.ListingKind(req.Kind),
		req.Price,
		req.BuyNowPrice,
		time.Duration(req.DurationSeconds)*time.Second,
	)
	if err != nil {
		h.writeError(w, err, "Failed to create listing")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"listing": listing})
}

// HandleCancelListing handles DELETE /api/marketplace/listings/{id}
func (h *Handler) HandleCancelListing(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.service.CancelListing(auth.UserID(r.Context()), id); err != nil {
		h.writeError(w, err, "Failed to cancel listing")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
}

// HandlePlaceBid handles POST /api/marketplace/listings/{id}/bids
func (h *Handler) HandlePlaceBid(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}

	bid, err := h.service.PlaceBid(auth.UserID(r.Context()), id, req.Amount)
	if err != nil {
		h.writeError(w, err, "Failed to place bid")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"bid": bid})
}

// HandleBuyNow handles POST /api/marketplace/listings/{id}/buy-now
func (h *Handler) HandleBuyNow(w http.ResponseWriter, r *http.Request, id string) {
	txn, err := h.service.BuyNow(auth.UserID(r.Context()), id)
	if err != nil {
		h.writeError(w, err, "Failed to buy listing")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": txn})
}

// HandleAuditTrail handles GET /api/marketplace/transactions/audit-trail
func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	filter := ledger.AuditFilter{
		Kind:   domain.TransactionKind(r.URL.Query().Get("kind")),
		UserID: r.URL.Query().Get("user_id"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}

	txns, err := h.ledger.AuditTrail(filter)
	if err != nil {
		h.writeError(w, err, "Failed to query audit trail")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"count":        len(txns),
	})
}

// HandleSummary handles GET /api/marketplace/transactions/summary. Amounts
// are gross; fees are the burned portion.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	kinds := []domain.TransactionKind{
		domain.TxSale, domain.TxAuctionSale, domain.TxBiomeBuy, domain.TxBiomeSell,
	}

	summary := make(map[string]interface{}, len(kinds)+1)
	var totalFees int64
	for _, kind := range kinds {
		amount, fee, err := h.ledger.SumByKind(kind)
		if err != nil {
			h.writeError(w, err, "Failed to sum transactions")
			return
		}
		summary[string(kind)] = map[string]int64{"amount": amount, "fee": fee}
		totalFees += fee
	}
	summary["total_fees_burned"] = totalFees

	h.writeJSON(w, http.StatusOK, summary)
}

// writeJSON writes a JSON response in the standard envelope
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps a domain error to its HTTP status. Unclassified errors are
// logged and return 500 with a generic message.
func (h *Handler) writeError(w http.ResponseWriter, err error, logMsg string) {
	code := domain.CodeOf(err)
	if code == domain.CodeInternal && logMsg != "" {
		h.log.Error().Err(err).Msg(logMsg)
	}

	detail := "internal error"
	if de, ok := domain.AsError(err); ok {
		detail = de.Detail
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(domain.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":   string(code),
			"detail": detail,
		},
	})
}
