package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LastSeen is the durable record of where a user was when their last
// connection dropped. Live location is served from the hub's in-memory
// presence; this survives restarts.
type LastSeen struct {
	UserID string
	X      int
	Y      int
	SeenAt time.Time
}

// LastSeenStore persists last-seen locations in the cache database.
type LastSeenStore struct {
	db *sql.DB
}

// NewLastSeenStore creates a new last-seen store.
func NewLastSeenStore(db *sql.DB) *LastSeenStore {
	return &LastSeenStore{db: db}
}

// Upsert records the user's location at the current time.
func (s *LastSeenStore) Upsert(userID string, x, y int) error {
	_, err := s.db.Exec(
		`INSERT INTO last_seen (user_id, x, y, seen_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET x = excluded.x, y = excluded.y,
		   seen_at = excluded.seen_at`,
		userID, x, y, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert last seen for %s: %w", userID, err)
	}
	return nil
}

// Get returns the last-seen record for a user, or nil if none exists.
func (s *LastSeenStore) Get(userID string) (*LastSeen, error) {
	var (
		ls     LastSeen
		seenAt int64
	)
	err := s.db.QueryRow(
		"SELECT user_id, x, y, seen_at FROM last_seen WHERE user_id = ?",
		userID,
	).Scan(&ls.UserID, &ls.X, &ls.Y, &seenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last seen for %s: %w", userID, err)
	}

	ls.SeenAt = time.Unix(seenAt, 0)
	return &ls, nil
}
