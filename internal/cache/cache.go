// Package cache provides the ephemeral data layer over cache.db: a TTL
// key-value store, the refresh-token store, and durable last-seen
// locations. Everything here can be deleted on disk and rebuilt at runtime.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache is a TTL key-value store. Values are msgpack blobs, so callers
// store and load typed structs without hand-rolled serialization.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a new cache over the cache database.
func New(db *sql.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
	}
}

// Store saves a value with expiration = now + ttl, upserting on key.
func (c *Cache) Store(key string, value interface{}, ttl time.Duration) error {
	blob, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	now := time.Now()
	_, err = c.db.Exec(
		`INSERT INTO kv_cache (cache_key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value,
		   expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, blob, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache key %s: %w", key, err)
	}

	return nil
}

// GetIfFresh loads the value for key into dest only if it has not expired.
// Returns false when the key is missing or stale.
func (c *Cache) GetIfFresh(key string, dest interface{}) (bool, error) {
	return c.get(key, dest, true)
}

// Get loads the value for key into dest regardless of expiration. Stale
// data is better than no data when the authoritative source is gone.
func (c *Cache) Get(key string, dest interface{}) (bool, error) {
	return c.get(key, dest, false)
}

func (c *Cache) get(key string, dest interface{}, freshOnly bool) (bool, error) {
	query := "SELECT value FROM kv_cache WHERE cache_key = ?"
	args := []interface{}{key}
	if freshOnly {
		query += " AND expires_at > ?"
		args = append(args, time.Now().Unix())
	}

	var blob []byte
	err := c.db.QueryRow(query, args...).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(blob, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value for %s: %w", key, err)
	}

	return true, nil
}

// Delete removes a key.
func (c *Cache) Delete(key string) error {
	if _, err := c.db.Exec("DELETE FROM kv_cache WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes all expired entries and returns the count.
func (c *Cache) DeleteExpired() (int64, error) {
	result, err := c.db.Exec("DELETE FROM kv_cache WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		c.log.Debug().Int64("deleted", deleted).Msg("Purged expired cache entries")
	}

	return deleted, nil
}
