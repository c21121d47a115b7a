package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all marketplace routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/marketplace", func(r chi.Router) {
		r.Get("/listings", h.HandleListListings)
		r.Post("/listings", h.HandleCreateListing)

		r.Route("/listings/{id}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetListing(w, r, chi.URLParam(r, "id"))
			})
			r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
				h.HandleCancelListing(w, r, chi.URLParam(r, "id"))
			})
			r.Post("/bids", func(w http.ResponseWriter, r *http.Request) {
				h.HandlePlaceBid(w, r, chi.URLParam(r, "id"))
			})
			r.Post("/buy-now", func(w http.ResponseWriter, r *http.Request) {
				h.HandleBuyNow(w, r, chi.URLParam(r, "id"))
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/audit-trail", h.HandleAuditTrail)
			r.Get("/summary", h.HandleSummary)
		})
	})
}
