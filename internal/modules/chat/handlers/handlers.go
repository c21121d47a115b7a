// Package handlers provides HTTP handlers for chat operations.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/modules/chat"
)

// Handler handles chat HTTP requests
type Handler struct {
	service *chat.Service
	log     zerolog.Logger
}

// NewHandler creates a new chat handler
func NewHandler(service *chat.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "chat").Logger(),
	}
}

// HandleListSessions handles GET /api/chat/sessions
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.Sessions(auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err, "Failed to list sessions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// HandleCreateSession handles POST /api/chat/sessions
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind         string   `json:"kind"`
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}

	session, err := h.service.CreateSession(
		auth.UserID(r.Context()), domain.SessionKind(req.Kind), req.Participants)
	if err != nil {
		h.writeError(w, err, "Failed to create session")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"session": session})
}

// HandleGetMessages handles GET /api/chat/sessions/{id}/messages
func (h *Handler) HandleGetMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	limit, before := historyParams(r)

	messages, err := h.service.History(auth.UserID(r.Context()), sessionID, limit, before)
	if err != nil {
		h.writeError(w, err, "Failed to get messages")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

// HandleSendMessage handles POST /api/chat/sessions/{id}/messages
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}

	msg, err := h.service.SendMessage(auth.UserID(r.Context()), sessionID, req.Body)
	if err != nil {
		h.writeError(w, err, "Failed to send message")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

// HandleMarkRead handles POST /api/chat/sessions/{id}/mark-read
func (h *Handler) HandleMarkRead(w http.ResponseWriter, r *http.Request, sessionID string) {
	marked, err := h.service.MarkRead(auth.UserID(r.Context()), sessionID)
	if err != nil {
		h.writeError(w, err, "Failed to mark read")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"marked": marked})
}

// HandleLandMessages handles GET /api/chat/land/{land_id}/messages
func (h *Handler) HandleLandMessages(w http.ResponseWriter, r *http.Request, landID string) {
	limit, before := historyParams(r)

	messages, err := h.service.LandHistory(auth.UserID(r.Context()), landID, limit, before)
	if err != nil {
		h.writeError(w, err, "Failed to get land messages")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

// HandleSendToLand handles POST /api/chat/land/{land_id}/messages
func (h *Handler) HandleSendToLand(w http.ResponseWriter, r *http.Request, landID string) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body"), "")
		return
	}

	msg, err := h.service.SendToLand(auth.UserID(r.Context()), landID, req.Body)
	if err != nil {
		h.writeError(w, err, "Failed to send land message")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

// HandleUnread handles GET /api/chat/unread-messages
func (h *Handler) HandleUnread(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Unread(auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err, "Failed to count unread messages")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"unread": counts})
}

// HandleDeleteMessage handles DELETE /api/chat/messages/{id}
func (h *Handler) HandleDeleteMessage(w http.ResponseWriter, r *http.Request, messageID string) {
	if err := h.service.DeleteMessage(auth.UserID(r.Context()), messageID); err != nil {
		h.writeError(w, err, "Failed to delete message")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func historyParams(r *http.Request) (limit int, before int64) {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		if parsed, err := strconv.ParseInt(beforeStr, 10, 64); err == nil && parsed > 0 {
			before = parsed
		}
	}
	return limit, before
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
