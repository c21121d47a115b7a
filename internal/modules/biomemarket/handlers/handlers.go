// Package handlers provides HTTP handlers for the biome markets.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/modules/biomemarket"
)

// Handler handles biome market HTTP requests
type Handler struct {
	service *biomemarket.Service
	log     zerolog.Logger
}

// NewHandler creates a new biome market handler
func NewHandler(service *biomemarket.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "biomemarket").Logger(),
	}
}

// HandleGetMarkets handles GET /api/biome-market/markets
func (h *Handler) HandleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.service.Markets()
	if err != nil {
		h.writeError(w, err, "Failed to list markets")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

// HandleGetMarket handles GET /api/biome-market/markets/{biome}
func (h *Handler) HandleGetMarket(w http.ResponseWriter, r *http.Request, biome string) {
	market, stats, err := h.service.Stats(domain.Biome(biome))
	if err != nil {
		h.writeError(w, err, "Failed to get market")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market": market,
		"stats":  stats,
	})
}

// HandleBuy handles POST /api/biome-market/buy
func (h *Handler) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Biome  string `json:"biome"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}

	txn, err := h.service.Buy(auth.UserID(r.Context()), domain.Biome(req.Biome), req.Amount)
	if err != nil {
		h.writeError(w, err, "Failed to buy shares")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": txn})
}

// HandleSell handles POST /api/biome-market/sell
func (h *Handler) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Biome  string  `json:"biome"`
		Shares float64 `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}

	txn, err := h.service.Sell(auth.UserID(r.Context()), domain.Biome(req.Biome), req.Shares)
	if err != nil {
		h.writeError(w, err, "Failed to sell shares")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": txn})
}

// HandleGetPortfolio handles GET /api/biome-market/portfolio
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	holdings, totalValue, err := h.service.Portfolio(auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err, "Failed to get portfolio")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"holdings":    holdings,
		"total_value": totalValue,
	})
}

// HandleTrackAttention handles POST /api/biome-market/track-attention
func (h *Handler) HandleTrackAttention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Biome  string  `json:"biome"`
		Weight float64 `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}
	if req.Weight == 0 {
		req.Weight = 1.0
	}

	if err := h.service.TrackAttention(auth.UserID(r.Context()), domain.Biome(req.Biome), req.Weight); err != nil {
		h.writeError(w, err, "Failed to track attention")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"tracked": true})
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

// writeError maps a domain error to its HTTP status.
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
