package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all biome market routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/biome-market", func(r chi.Router) {
		r.Get("/markets", h.HandleGetMarkets)
		r.Get("/markets/{biome}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetMarket(w, r, chi.URLParam(r, "biome"))
		})
		r.Post("/buy", h.HandleBuy)
		r.Post("/sell", h.HandleSell)
		r.Get("/portfolio", h.HandleGetPortfolio)
		r.Post("/track-attention", h.HandleTrackAttention)
	})
}
