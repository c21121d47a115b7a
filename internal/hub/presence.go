package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/cache"
)

// NearbyUser is one entry in a proximity query result.
type NearbyUser struct {
	UserID string `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

type location struct {
	x, y int
}

// Presence tracks who is online and where. Live state is in-memory; the
// durable last_seen store answers location queries for offline users and
// survives restarts.
type Presence struct {
	mu        sync.RWMutex
	conns     map[string]int  // user id -> registered conn count
	graced    map[string]bool // user id -> in offline grace, still online
	locations map[string]location

	lastSeen *cache.LastSeenStore
	log      zerolog.Logger
}

// NewPresence creates a presence tracker.
func NewPresence(lastSeen *cache.LastSeenStore, log zerolog.Logger) *Presence {
	return &Presence{
		conns:     make(map[string]int),
		graced:    make(map[string]bool),
		locations: make(map[string]location),
		lastSeen:  lastSeen,
		log:       log.With().Str("component", "presence").Logger(),
	}
}

// connAdded records a registered connection. Returns true when this is the
// user's transition to online.
func (p *Presence) connAdded(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	wasOnline := p.conns[userID] > 0 || p.graced[userID]
	p.conns[userID]++
	delete(p.graced, userID)
	return !wasOnline
}

// connRemoved records an unregistered connection. Returns true when this
// was the user's last connection and the offline grace period should start.
func (p *Presence) connRemoved(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[userID] > 0 {
		p.conns[userID]--
	}
	if p.conns[userID] > 0 {
		return false
	}
	delete(p.conns, userID)
	p.graced[userID] = true
	return true
}

// setOffline finalizes an expired grace period. Returns the user's last
// location and false when the user reconnected meanwhile.
func (p *Presence) setOffline(userID string) (location, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[userID] > 0 || !p.graced[userID] {
		return location{}, false
	}
	delete(p.graced, userID)
	loc := p.locations[userID]
	delete(p.locations, userID)
	return loc, true
}

// IsOnline reports whether the user has a registered connection or is
// inside the offline grace window.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[userID] > 0 || p.graced[userID]
}

// SetLocation records a user's live location and refreshes the durable
// last-seen record.
func (p *Presence) SetLocation(userID string, x, y int) {
	p.mu.Lock()
	p.locations[userID] = location{x: x, y: y}
	p.mu.Unlock()

	if err := p.lastSeen.Upsert(userID, x, y); err != nil {
		p.log.Error().Err(err).Str("user_id", userID).Msg("Failed to persist last seen")
	}
}

// Location returns the user's position: live when online, otherwise the
// durable last-seen record.
func (p *Presence) Location(userID string) (int, int, bool) {
	p.mu.RLock()
	loc, ok := p.locations[userID]
	p.mu.RUnlock()
	if ok {
		return loc.x, loc.y, true
	}

	ls, err := p.lastSeen.Get(userID)
	if err != nil {
		p.log.Error().Err(err).Str("user_id", userID).Msg("Failed to read last seen")
		return 0, 0, false
	}
	if ls == nil {
		return 0, 0, false
	}
	return ls.X, ls.Y, true
}

// Nearby returns online users within Chebyshev distance radius of the
// given user's location, excluding the user.
func (p *Presence) Nearby(userID string, radius int) []NearbyUser {
	x, y, ok := p.Location(userID)
	if !ok {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var nearby []NearbyUser
	for other, loc := range p.locations {
		if other == userID {
			continue
		}
		if chebyshev(x, y, loc.x, loc.y) <= radius {
			nearby = append(nearby, NearbyUser{UserID: other, X: loc.x, Y: loc.y})
		}
	}
	return nearby
}

func chebyshev(x1, y1, x2, y2 int) int {
	dx := abs(x1 - x2)
	dy := abs(y1 - y2)
	if dx > dy {
		return dx
	}
	return dy
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
