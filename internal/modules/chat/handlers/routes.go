package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all chat routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Get("/sessions", h.HandleListSessions)
		r.Post("/sessions", h.HandleCreateSession)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/messages", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetMessages(w, r, chi.URLParam(r, "id"))
			})
			r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
				h.HandleSendMessage(w, r, chi.URLParam(r, "id"))
			})
			r.Post("/mark-read", func(w http.ResponseWriter, r *http.Request) {
				h.HandleMarkRead(w, r, chi.URLParam(r, "id"))
			})
		})

		r.Route("/land/{landID}", func(r chi.Router) {
			r.Get("/messages", func(w http.ResponseWriter, r *http.Request) {
				h.HandleLandMessages(w, r, chi.URLParam(r, "landID"))
			})
			r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
				h.HandleSendToLand(w, r, chi.URLParam(r, "landID"))
			})
		})

		r.Get("/unread-messages", h.HandleUnread)
		r.Delete("/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleDeleteMessage(w, r, chi.URLParam(r, "id"))
		})
	})
}
