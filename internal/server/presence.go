package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/domain"
)

// handlePresence handles GET /presence/{userID}.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	presence := s.hub.Presence()

	body := map[string]interface{}{
		"user_id": userID,
		"online":  presence.IsOnline(userID),
	}
	if x, y, ok := presence.Location(userID); ok {
		body["x"] = x
		body["y"] = y
	}

	s.writeJSON(w, http.StatusOK, body)
}

// handleNearby handles GET /presence/nearby?radius=. The radius caps at the
// configured default.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	radius := s.cfg.NearbyRadius
	if raw := r.URL.Query().Get("radius"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, domain.ErrValidation("radius must be a positive integer"))
			return
		}
		if parsed < radius {
			radius = parsed
		}
	}

	userID := auth.UserID(r.Context())
	nearby := s.hub.Presence().Nearby(userID, radius)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"radius": radius,
		"users":  nearby,
	})
}
