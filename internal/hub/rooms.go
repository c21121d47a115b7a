package hub

import (
	"fmt"
	"sync"
)

// LandRoom returns the room key for a land coordinate.
func LandRoom(x, y int) string {
	return fmt.Sprintf("land_%d_%d", x, y)
}

// BiomeRoom returns the broadcast room key for a biome.
func BiomeRoom(biome string) string {
	return "biome_" + biome
}

// Rooms tracks connection-granular room membership.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]bool
	byConn map[*Client]map[string]bool
}

// NewRooms creates an empty room registry.
func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[*Client]bool),
		byConn: make(map[*Client]map[string]bool),
	}
}

// Join adds the connection to a room. Returns false when it was already a
// member.
func (r *Rooms) Join(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		r.rooms[room] = members
	}
	if members[c] {
		return false
	}
	members[c] = true

	joined, ok := r.byConn[c]
	if !ok {
		joined = make(map[string]bool)
		r.byConn[c] = joined
	}
	joined[room] = true
	return true
}

// Leave removes the connection from a room, deleting the room when it
// empties. Returns false when the connection was not a member.
func (r *Rooms) Leave(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, c)
}

func (r *Rooms) leaveLocked(room string, c *Client) bool {
	members, ok := r.rooms[room]
	if !ok || !members[c] {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined, ok := r.byConn[c]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, c)
		}
	}
	return true
}

// LeaveAll removes the connection from every room, returning the rooms it
// occupied.
func (r *Rooms) LeaveAll(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for room := range r.byConn[c] {
		if r.leaveLocked(room, c) {
			left = append(left, room)
		}
	}
	return left
}

// RoomsOf returns the rooms a connection occupies.
func (r *Rooms) RoomsOf(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.byConn[c]))
	for room := range r.byConn[c] {
		rooms = append(rooms, room)
	}
	return rooms
}

// MemberUsers returns the distinct user ids present in a room.
func (r *Rooms) MemberUsers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for c := range r.rooms[room] {
		if !seen[c.UserID] {
			seen[c.UserID] = true
			users = append(users, c.UserID)
		}
	}
	return users
}

// members snapshots a room's connections under RLock.
func (r *Rooms) members(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]*Client, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// Broadcast sends a frame to every connection in a room, optionally
// excluding one connection. Sends happen outside the registry lock via the
// per-client queues.
func (r *Rooms) Broadcast(room string, f *Frame, exclude *Client) {
	for _, c := range r.members(room) {
		if c == exclude {
			continue
		}
		c.Send(f)
	}
}

// BroadcastExcludingUser sends a frame to every connection in a room not
// owned by the given user.
func (r *Rooms) BroadcastExcludingUser(room string, f *Frame, userID string) {
	for _, c := range r.members(room) {
		if c.UserID == userID {
			continue
		}
		c.Send(f)
	}
}
