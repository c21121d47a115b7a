package hub

import (
	"encoding/json"
	"strings"

	"github.com/parcelworld/parcel/internal/domain"
)

type joinRoomData struct {
	Room string `json:"room"`
}

type sendMessageData struct {
	SessionID string `json:"session_id"`
	LandID    string `json:"land_id"`
	Body      string `json:"body"`
}

type updateLocationData struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type typingData struct {
	Room string `json:"room"`
}

type signalData struct {
	TargetUserID string `json:"target_user_id"`
}

// dispatch routes one inbound frame. Unknown types and bad payloads earn a
// validation strike.
func (h *Hub) dispatch(c *Client, f *Frame) {
	switch f.Type {
	case FramePing:
		c.Send(NewFrame(FramePong, nil).WithRef(f.Ref))
	case FrameJoinRoom:
		h.handleJoinRoom(c, f)
	case FrameLeaveRoom:
		h.handleLeaveRoom(c, f)
	case FrameSendMessage:
		h.handleSendMessage(c, f)
	case FrameUpdateLocation:
		h.handleUpdateLocation(c, f)
	case FrameTyping:
		h.handleTyping(c, f)
	case FrameLiveStart:
		h.live.handleStart(h, c, f)
	case FrameLiveStop:
		h.live.handleStop(h, c, f)
	case FrameLiveStatus:
		h.live.handleStatus(h, c, f)
	case FrameCallInitiate:
		h.calls.handleInitiate(c, f)
	case FrameCallAccept:
		h.calls.handleAccept(c, f)
	case FrameCallReject:
		h.calls.handleReject(c, f)
	case FrameCallHangup:
		h.calls.handleHangup(c, f)
	case FrameOffer, FrameAnswer, FrameICECandidate:
		h.handleSignal(c, f)
	default:
		if c.strike() {
			return
		}
		c.Send(ErrorFrame("VALIDATION", "unknown frame type", f.Ref))
	}
}

// decode unmarshals a frame payload, striking the client on failure.
// Returns false when the payload was rejected.
func (h *Hub) decode(c *Client, f *Frame, into interface{}) bool {
	if err := json.Unmarshal(f.Data, into); err != nil {
		if !c.strike() {
			c.Send(ErrorFrame("VALIDATION", "malformed payload", f.Ref))
		}
		return false
	}
	return true
}

// sendServiceError maps a service error onto an error frame.
func sendServiceError(c *Client, err error, ref string) {
	if de, ok := domain.AsError(err); ok {
		c.Send(ErrorFrame(string(de.Code), de.Detail, ref))
		return
	}
	c.Send(ErrorFrame("INTERNAL", "internal error", ref))
}

// validRoom accepts land rooms, biome rooms and chat session ids. Session
// rooms additionally require membership.
func (h *Hub) validRoom(userID, room string) bool {
	if strings.HasPrefix(room, "land_") {
		return true
	}
	if biome, ok := strings.CutPrefix(room, "biome_"); ok {
		return domain.ValidBiome(domain.Biome(biome))
	}
	ok, err := h.chat.IsMember(room, userID)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("Failed to check room membership")
		return false
	}
	return ok
}

func (h *Hub) handleJoinRoom(c *Client, f *Frame) {
	var data joinRoomData
	if !h.decode(c, f, &data) {
		return
	}
	if data.Room == "" || !h.validRoom(c.UserID, data.Room) {
		c.Send(ErrorFrame("PERMISSION_DENIED", "cannot join room", f.Ref))
		return
	}

	firstOfUser := !h.userInRoom(data.Room, c.UserID)
	if !h.rooms.Join(data.Room, c) {
		c.Send(ErrorFrame("CONFLICT", "already in room", f.Ref))
		return
	}

	c.Send(NewFrame(FrameJoinedRoom, map[string]interface{}{
		"room":    data.Room,
		"members": h.rooms.MemberUsers(data.Room),
	}).WithRef(f.Ref))

	if firstOfUser {
		h.rooms.BroadcastExcludingUser(data.Room, NewFrame(FrameUserJoined, map[string]string{
			"room":    data.Room,
			"user_id": c.UserID,
		}), c.UserID)
	}
}

func (h *Hub) handleLeaveRoom(c *Client, f *Frame) {
	var data joinRoomData
	if !h.decode(c, f, &data) {
		return
	}
	if !h.rooms.Leave(data.Room, c) {
		c.Send(ErrorFrame("NOT_FOUND", "not in room", f.Ref))
		return
	}

	c.Send(NewFrame(FrameLeftRoom, map[string]string{"room": data.Room}).WithRef(f.Ref))

	if !h.userInRoom(data.Room, c.UserID) {
		h.rooms.Broadcast(data.Room, NewFrame(FrameUserLeft, map[string]string{
			"room":    data.Room,
			"user_id": c.UserID,
		}), nil)
	}
}

// handleSendMessage persists via the chat service; fan-out rides the
// MessageStored callback so HTTP and websocket senders share one path.
func (h *Hub) handleSendMessage(c *Client, f *Frame) {
	var data sendMessageData
	if !h.decode(c, f, &data) {
		return
	}

	var (
		msg *domain.ChatMessage
		err error
	)
	switch {
	case data.LandID != "":
		msg, err = h.chat.SendToLand(c.UserID, data.LandID, data.Body)
	case data.SessionID != "":
		msg, err = h.chat.SendMessage(c.UserID, data.SessionID, data.Body)
	default:
		c.Send(ErrorFrame("VALIDATION", "session_id or land_id required", f.Ref))
		return
	}
	if err != nil {
		sendServiceError(c, err, f.Ref)
		return
	}

	c.Send(NewFrame(FrameMessage, msg).WithRef(f.Ref))
}

// handleUpdateLocation migrates the connection between land rooms, records
// presence and feeds biome attention at weight 1.
func (h *Hub) handleUpdateLocation(c *Client, f *Frame) {
	var data updateLocationData
	if !h.decode(c, f, &data) {
		return
	}

	newRoom := LandRoom(data.X, data.Y)
	for _, room := range h.rooms.RoomsOf(c) {
		if room == newRoom || !strings.HasPrefix(room, "land_") {
			continue
		}
		h.rooms.Leave(room, c)
		if !h.userInRoom(room, c.UserID) {
			h.rooms.Broadcast(room, NewFrame(FrameUserLeft, map[string]string{
				"room":    room,
				"user_id": c.UserID,
			}), nil)
		}
	}

	firstOfUser := !h.userInRoom(newRoom, c.UserID)
	joined := h.rooms.Join(newRoom, c)

	h.presence.SetLocation(c.UserID, data.X, data.Y)

	if land, err := h.lands.GetByCoords(data.X, data.Y); err == nil && land != nil {
		if err := h.attention.TrackAttention(c.UserID, land.Biome, 1.0); err != nil {
			h.log.Error().Err(err).Str("user_id", c.UserID).Msg("Failed to track attention")
		}
	}

	updateData := map[string]interface{}{
		"user_id": c.UserID,
		"x":       data.X,
		"y":       data.Y,
	}
	h.rooms.Broadcast(newRoom, NewFrame(FrameLocationUpdated, updateData), c)
	c.Send(NewFrame(FrameLocationUpdated, updateData).WithRef(f.Ref))

	if joined && firstOfUser {
		h.rooms.BroadcastExcludingUser(newRoom, NewFrame(FrameUserJoined, map[string]string{
			"room":    newRoom,
			"user_id": c.UserID,
		}), c.UserID)
	}
}

// handleTyping relays a typing indicator to the other members of a room the
// sender occupies. Not persisted.
func (h *Hub) handleTyping(c *Client, f *Frame) {
	var data typingData
	if !h.decode(c, f, &data) {
		return
	}

	inRoom := false
	for _, room := range h.rooms.RoomsOf(c) {
		if room == data.Room {
			inRoom = true
			break
		}
	}
	if !inRoom {
		c.Send(ErrorFrame("NOT_FOUND", "not in room", f.Ref))
		return
	}

	h.rooms.BroadcastExcludingUser(data.Room, NewFrame(FrameTyping, map[string]string{
		"room":    data.Room,
		"user_id": c.UserID,
	}), c.UserID)
}

// handleSignal relays an SDP offer/answer or ICE candidate to the target
// user, injecting the sender's identity.
func (h *Hub) handleSignal(c *Client, f *Frame) {
	var data signalData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.TargetUserID == "" {
		if !c.strike() {
			c.Send(ErrorFrame("VALIDATION", "target_user_id required", f.Ref))
		}
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		c.Send(ErrorFrame("VALIDATION", "malformed payload", f.Ref))
		return
	}
	delete(payload, "target_user_id")
	payload["from_user_id"] = c.UserID

	if !h.SendToUser(data.TargetUserID, NewFrame(f.Type, payload)) {
		c.Send(ErrorFrame("NOT_FOUND", "target user is offline", f.Ref))
	}
}
