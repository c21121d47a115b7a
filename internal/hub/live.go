package hub

import "sync"

// liveRegistry tracks which connections are broadcasting media in a room,
// and what kind of media each one carries. Live state is
// connection-granular: a dropped connection ends its own broadcast
// immediately, no offline grace.
type liveRegistry struct {
	mu     sync.Mutex
	rooms  map[string]map[*Client]string // client -> media type
	byConn map[*Client]map[string]bool
}

func newLiveRegistry() *liveRegistry {
	return &liveRegistry{
		rooms:  make(map[string]map[*Client]string),
		byConn: make(map[*Client]map[string]bool),
	}
}

type liveRoomData struct {
	Room string `json:"room"`
}

type liveStartData struct {
	Room  string `json:"room"`
	Media string `json:"media"`
}

func validMedia(media string) bool {
	return media == "audio" || media == "video"
}

// handleStart marks the connection live in a room it occupies and notifies
// the other room members of the media type it broadcasts.
func (l *liveRegistry) handleStart(h *Hub, c *Client, f *Frame) {
	var data liveStartData
	if !h.decode(c, f, &data) {
		return
	}
	if !validMedia(data.Media) {
		c.Send(ErrorFrame("VALIDATION", "media must be audio or video", f.Ref))
		return
	}
	if !l.inRoom(h, c, data.Room) {
		c.Send(ErrorFrame("PERMISSION_DENIED", "not in room", f.Ref))
		return
	}

	l.mu.Lock()
	if l.rooms[data.Room] == nil {
		l.rooms[data.Room] = make(map[*Client]string)
	}
	if _, live := l.rooms[data.Room][c]; live {
		l.mu.Unlock()
		c.Send(ErrorFrame("CONFLICT", "already live in room", f.Ref))
		return
	}
	l.rooms[data.Room][c] = data.Media
	if l.byConn[c] == nil {
		l.byConn[c] = make(map[string]bool)
	}
	l.byConn[c][data.Room] = true
	l.mu.Unlock()

	c.Send(NewFrame(FrameLivePeers, map[string]interface{}{
		"room":  data.Room,
		"peers": l.peers(data.Room, c),
	}).WithRef(f.Ref))

	h.rooms.Broadcast(data.Room, NewFrame(FrameLivePeerJoined, map[string]string{
		"room":    data.Room,
		"user_id": c.UserID,
		"conn_id": c.ID,
		"media":   data.Media,
	}), c)
}

// handleStop ends the connection's broadcast in a room.
func (l *liveRegistry) handleStop(h *Hub, c *Client, f *Frame) {
	var data liveRoomData
	if !h.decode(c, f, &data) {
		return
	}

	if !l.remove(c, data.Room) {
		c.Send(ErrorFrame("NOT_FOUND", "not live in room", f.Ref))
		return
	}

	h.rooms.Broadcast(data.Room, NewFrame(FrameLivePeerLeft, map[string]string{
		"room":    data.Room,
		"user_id": c.UserID,
		"conn_id": c.ID,
	}), c)
}

// handleStatus reports the live peers in a room, excluding the caller's own
// connections.
func (l *liveRegistry) handleStatus(h *Hub, c *Client, f *Frame) {
	var data liveRoomData
	if !h.decode(c, f, &data) {
		return
	}

	c.Send(NewFrame(FrameLivePeers, map[string]interface{}{
		"room":  data.Room,
		"peers": l.peers(data.Room, c),
	}).WithRef(f.Ref))
}

// dropClient ends every broadcast of a disconnecting connection, notifying
// each room.
func (l *liveRegistry) dropClient(c *Client, h *Hub) {
	l.mu.Lock()
	rooms := make([]string, 0, len(l.byConn[c]))
	for room := range l.byConn[c] {
		rooms = append(rooms, room)
	}
	l.mu.Unlock()

	for _, room := range rooms {
		if l.remove(c, room) {
			h.rooms.Broadcast(room, NewFrame(FrameLivePeerLeft, map[string]string{
				"room":    room,
				"user_id": c.UserID,
				"conn_id": c.ID,
			}), c)
		}
	}
}

func (l *liveRegistry) remove(c *Client, room string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.rooms[room]
	if !ok {
		return false
	}
	if _, live := members[c]; !live {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(l.rooms, room)
	}
	if joined, ok := l.byConn[c]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(l.byConn, c)
		}
	}
	return true
}

// peers snapshots the live connections in a room, excluding one client.
func (l *liveRegistry) peers(room string, exclude *Client) []map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	peers := make([]map[string]string, 0, len(l.rooms[room]))
	for c, media := range l.rooms[room] {
		if c == exclude {
			continue
		}
		peers = append(peers, map[string]string{
			"user_id": c.UserID,
			"conn_id": c.ID,
			"media":   media,
		})
	}
	return peers
}

func (l *liveRegistry) inRoom(h *Hub, c *Client, room string) bool {
	for _, r := range h.rooms.RoomsOf(c) {
		if r == room {
			return true
		}
	}
	return false
}
