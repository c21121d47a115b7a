package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/modules/chat"
	"github.com/parcelworld/parcel/internal/modules/lands"
)

// closeAuthFailed is the application close code for a rejected token.
const closeAuthFailed websocket.StatusCode = 4001

// Config holds the hub tunables.
type Config struct {
	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	SendQueueSize     int
	ValidationStrikes int
	StrikeWindow      time.Duration
	NearbyRadius      int
	CallRingTimeout   time.Duration
}

// AttentionTracker feeds the market engine's attention ledger. Implemented
// by the biome market service.
type AttentionTracker interface {
	TrackAttention(userID string, biome domain.Biome, weight float64) error
}

// Hub owns every websocket connection plus the registries built on them:
// rooms, presence, the live registry and the call registry.
type Hub struct {
	verifier  auth.Verifier
	rooms     *Rooms
	presence  *Presence
	chat      *chat.Service
	lands     *lands.Repository
	attention AttentionTracker
	events    *events.Manager
	cfg       Config
	log       zerolog.Logger

	mu          sync.Mutex
	conns       map[string]*Client
	byUser      map[string]map[*Client]bool
	graceTimers map[string]*time.Timer

	live  *liveRegistry
	calls *callRegistry
}

// New creates a hub and subscribes it to the market tick feed.
func New(
	verifier auth.Verifier,
	presence *Presence,
	chatSvc *chat.Service,
	landsRepo *lands.Repository,
	attention AttentionTracker,
	eventManager *events.Manager,
	cfg Config,
	log zerolog.Logger,
) *Hub {
	h := &Hub{
		verifier:    verifier,
		rooms:       NewRooms(),
		presence:    presence,
		chat:        chatSvc,
		lands:       landsRepo,
		attention:   attention,
		events:      eventManager,
		cfg:         cfg,
		log:         log.With().Str("component", "hub").Logger(),
		conns:       make(map[string]*Client),
		byUser:      make(map[string]map[*Client]bool),
		graceTimers: make(map[string]*time.Timer),
		live:        newLiveRegistry(),
	}
	h.calls = newCallRegistry(h, cfg.CallRingTimeout)

	// Market ticks relay into the biome broadcast rooms.
	eventManager.Bus().Subscribe(events.MarketTick, func(e *events.Event) {
		data, ok := e.GetTypedData().(*events.MarketTickData)
		if !ok {
			return
		}
		h.rooms.Broadcast(BiomeRoom(data.Biome), NewFrame(FrameBiomeMarketUpdate, data), nil)
	})

	return h
}

// Rooms exposes the room registry to the dispatcher and tests.
func (h *Hub) Rooms() *Rooms { return h.rooms }

// Presence exposes the presence tracker.
func (h *Hub) Presence() *Presence { return h.presence }

// HandleConnect is the HTTP handler for both websocket mounts. The token
// rides the query string because browsers cannot set headers on websocket
// upgrades.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket accept failed")
		return
	}

	userID, err := h.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		_ = conn.Close(closeAuthFailed, "authentication failed")
		return
	}

	c := newClient(userID, conn, h, h.log)
	h.register(c)

	c.Send(NewFrame(FrameConnected, map[string]interface{}{
		"conn_id":            c.ID,
		"user_id":            userID,
		"heartbeat_interval": h.cfg.HeartbeatInterval.Seconds(),
	}))

	go c.writePump(context.Background())
	c.readPump(r.Context())
}

// register adds the connection and flips presence online when it is the
// user's first.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.conns[c.ID] = c
	if h.byUser[c.UserID] == nil {
		h.byUser[c.UserID] = make(map[*Client]bool)
	}
	h.byUser[c.UserID][c] = true
	if timer, ok := h.graceTimers[c.UserID]; ok {
		timer.Stop()
		delete(h.graceTimers, c.UserID)
	}
	h.mu.Unlock()

	if h.presence.connAdded(c.UserID) {
		h.events.EmitTyped("hub", &events.UserOnlineData{UserID: c.UserID})
		h.broadcastPresence(c.UserID, true)
	}

	h.log.Debug().Str("conn_id", c.ID).Str("user_id", c.UserID).Msg("Connection registered")
}

// unregister tears down one connection. The user's presence survives a
// grace window in case another connection arrives.
func (h *Hub) unregister(c *Client) {
	c.close(websocket.StatusNormalClosure, "")

	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	if set, ok := h.byUser[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	h.mu.Unlock()

	// Connection-granular cleanup happens immediately.
	h.leaveAllRooms(c)
	h.live.dropClient(c, h)

	if !h.presence.connRemoved(c.UserID) {
		return
	}

	h.mu.Lock()
	h.graceTimers[c.UserID] = time.AfterFunc(h.cfg.OfflineGrace, func() {
		h.finalizeOffline(c.UserID)
	})
	h.mu.Unlock()
}

// finalizeOffline runs when the offline grace expires without a reconnect.
func (h *Hub) finalizeOffline(userID string) {
	h.mu.Lock()
	delete(h.graceTimers, userID)
	h.mu.Unlock()

	loc, ok := h.presence.setOffline(userID)
	if !ok {
		return
	}

	h.calls.endForUser(userID, "disconnected")
	h.broadcastPresence(userID, false)

	h.events.EmitTyped("hub", &events.UserOfflineData{UserID: userID, X: loc.x, Y: loc.y})
	h.log.Debug().Str("user_id", userID).Msg("User offline")
}

// leaveAllRooms removes the connection from its rooms, emitting user_left
// where this was the user's last connection in the room.
func (h *Hub) leaveAllRooms(c *Client) {
	for _, room := range h.rooms.LeaveAll(c) {
		if !h.userInRoom(room, c.UserID) {
			h.rooms.Broadcast(room, NewFrame(FrameUserLeft, map[string]string{
				"room":    room,
				"user_id": c.UserID,
			}), nil)
		}
	}
}

// userInRoom reports whether any of the user's connections remain in room.
func (h *Hub) userInRoom(room, userID string) bool {
	for _, id := range h.rooms.MemberUsers(room) {
		if id == userID {
			return true
		}
	}
	return false
}

// broadcastPresence announces an online/offline transition to the rooms
// the user occupies, falling back to the land room at their location.
func (h *Hub) broadcastPresence(userID string, online bool) {
	frame := NewFrame(FramePresenceUpdate, map[string]interface{}{
		"user_id": userID,
		"online":  online,
	})

	rooms := make(map[string]bool)
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		for _, room := range h.rooms.RoomsOf(c) {
			rooms[room] = true
		}
	}
	if len(rooms) == 0 {
		if x, y, ok := h.presence.Location(userID); ok {
			rooms[LandRoom(x, y)] = true
		}
	}

	for room := range rooms {
		h.rooms.BroadcastExcludingUser(room, frame, userID)
	}
}

// SendToUser delivers a frame to every connection of a user. Returns false
// when the user has none.
func (h *Hub) SendToUser(userID string, f *Frame) bool {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Send(f)
	}
	return len(clients) > 0
}

// MessageStored fans a stored chat message out to its session room and,
// for land sessions, the land room. Implements chat.Notifier.
func (h *Hub) MessageStored(session *domain.ChatSession, msg *domain.ChatMessage) {
	frame := NewFrame(FrameMessage, msg)
	h.rooms.Broadcast(session.ID, frame, nil)

	if session.Kind == domain.SessionLand && session.LandID != nil {
		land, err := h.lands.GetByID(*session.LandID)
		if err != nil || land == nil {
			return
		}
		h.rooms.Broadcast(LandRoom(land.X, land.Y), frame, nil)
	}
}

// ReadReceipt notifies a leave-message sender their message was read.
// Implements chat.Notifier.
func (h *Hub) ReadReceipt(recipientID, messageID, sessionID string) {
	h.SendToUser(recipientID, NewFrame(FrameReadReceipt, map[string]string{
		"message_id": messageID,
		"session_id": sessionID,
	}))
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}
