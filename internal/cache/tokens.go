package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TokenStore persists refresh tokens. Only a SHA-256 hash of the token is
// stored, so a leaked cache database does not leak usable credentials.
type TokenStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTokenStore creates a new token store over the cache database.
func NewTokenStore(db *sql.DB, log zerolog.Logger) *TokenStore {
	return &TokenStore{
		db:  db,
		log: log.With().Str("component", "token_store").Logger(),
	}
}

// hashToken derives the storage key for a token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Save stores a token for a user with the given lifetime.
func (s *TokenStore) Save(userID, token string, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(token_hash) DO UPDATE SET user_id = excluded.user_id,
		   expires_at = excluded.expires_at`,
		hashToken(token), userID, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// Lookup resolves a token to its user id. Returns "" when the token is
// unknown or expired.
func (s *TokenStore) Lookup(token string) (string, error) {
	var userID string
	err := s.db.QueryRow(
		"SELECT user_id FROM refresh_tokens WHERE token_hash = ? AND expires_at > ?",
		hashToken(token), time.Now().Unix(),
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return userID, nil
}

// Revoke removes one token.
func (s *TokenStore) Revoke(token string) error {
	if _, err := s.db.Exec("DELETE FROM refresh_tokens WHERE token_hash = ?", hashToken(token)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForUser removes every token belonging to a user (logout
// everywhere, suspension).
func (s *TokenStore) RevokeAllForUser(userID string) error {
	if _, err := s.db.Exec("DELETE FROM refresh_tokens WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to revoke tokens for user %s: %w", userID, err)
	}
	return nil
}

// PurgeExpired removes expired tokens and returns the count.
func (s *TokenStore) PurgeExpired() (int64, error) {
	result, err := s.db.Exec("DELETE FROM refresh_tokens WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
