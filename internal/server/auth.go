package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/domain"
)

// authMiddleware resolves the bearer token and stores the user id on the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, domain.ErrAuthFailed("missing bearer token"))
			return
		}

		userID, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, domain.ErrAuthFailed("invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

// writeJSON writes a JSON response in the standard envelope
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps a domain error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	if code == domain.CodeInternal {
		s.log.Error().Err(err).Msg("Request failed")
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
