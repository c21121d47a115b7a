// Package chat implements sessions, messages, leave-messages and read
// receipts on the chat database.
package chat

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
)

const (
	sessionsColumns = `id, kind, land_id, created_by, created_at, last_message_at`
	messagesColumns = `id, session_id, sender_id, body, kind, deleted, read_at, created_at`
)

// Repository handles chat persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new chat repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "chat").Logger(),
	}
}

// CreateSession inserts a session and its initial participants.
func (r *Repository) CreateSession(s *domain.ChatSession, participants []string) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now()
	s.CreatedAt = now
	s.LastMessageAt = now

	var landID interface{}
	if s.LandID != nil {
		landID = *s.LandID
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO chat_sessions (`+sessionsColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, string(s.Kind), landID, s.CreatedBy, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for _, userID := range participants {
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO chat_participants (session_id, user_id, joined_at) VALUES (?, ?, ?)`,
			s.ID, userID, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to add participant %s: %w", userID, err)
		}
	}

	return tx.Commit()
}

// GetSession returns a session by id, or nil if not found.
func (r *Repository) GetSession(id string) (*domain.ChatSession, error) {
	row := r.db.QueryRow(`SELECT `+sessionsColumns+` FROM chat_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetLandSession returns the session for a land, or nil when none has been
// materialized yet.
func (r *Repository) GetLandSession(landID string) (*domain.ChatSession, error) {
	row := r.db.QueryRow(`SELECT `+sessionsColumns+` FROM chat_sessions WHERE land_id = ?`, landID)
	return scanSession(row)
}

// SessionsForUser returns the sessions a user participates in, most
// recently active first.
func (r *Repository) SessionsForUser(userID string) ([]domain.ChatSession, error) {
	rows, err := r.db.Query(
		`SELECT `+sessionPrefixed()+` FROM chat_sessions s
		 JOIN chat_participants p ON p.session_id = s.id
		 WHERE p.user_id = ?
		 ORDER BY s.last_message_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.ChatSession
	for rows.Next() {
		s, err := scanSessionFromRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func sessionPrefixed() string {
	return `s.id, s.kind, s.land_id, s.created_by, s.created_at, s.last_message_at`
}

// AddParticipant joins a user to a session, idempotently.
func (r *Repository) AddParticipant(sessionID, userID string) error {
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO chat_participants (session_id, user_id, joined_at) VALUES (?, ?, ?)`,
		sessionID, userID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// IsParticipant reports whether the user belongs to the session.
func (r *Repository) IsParticipant(sessionID, userID string) (bool, error) {
	var one int
	err := r.db.QueryRow(
		`SELECT 1 FROM chat_participants WHERE session_id = ? AND user_id = ?`,
		sessionID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return true, nil
}

// SetLastRead records the user's read mark for unread counting.
func (r *Repository) SetLastRead(sessionID, userID string, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE chat_participants SET last_read_at = ? WHERE session_id = ? AND user_id = ?`,
		at.Unix(), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set last read: %w", err)
	}
	return nil
}

// CreateMessage persists a message and bumps the session's activity time.
func (r *Repository) CreateMessage(m *domain.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Kind == "" {
		m.Kind = domain.MessageText
	}

	_, err := r.db.Exec(
		`INSERT INTO chat_messages (id, session_id, sender_id, body, kind, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.SenderID, m.Body, string(m.Kind), m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	_, err = r.db.Exec(
		`UPDATE chat_sessions SET last_message_at = ? WHERE id = ?`,
		m.CreatedAt.Unix(), m.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to bump session activity: %w", err)
	}
	return nil
}

// GetMessage returns a message by id, or nil if not found.
func (r *Repository) GetMessage(id string) (*domain.ChatMessage, error) {
	row := r.db.QueryRow(`SELECT `+messagesColumns+` FROM chat_messages WHERE id = ?`, id)
	return scanMessage(row)
}

// History returns messages in reverse chronological order. before is an
// exclusive Unix-seconds cursor; zero means newest.
func (r *Repository) History(sessionID string, limit int, before int64) ([]domain.ChatMessage, error) {
	query := `SELECT ` + messagesColumns + ` FROM chat_messages WHERE session_id = ?`
	args := []interface{}{sessionID}

	if before > 0 {
		query += ` AND created_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessageFromRows(rows)
		if err != nil {
			return nil, err
		}
		// Tombstones keep their row for pagination but render empty.
		if m.Deleted {
			m.Body = ""
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// MarkRead sets read_at on an unread leave-message. Returns true when this
// call performed the transition; false when already read (idempotent).
func (r *Repository) MarkRead(messageID string, at time.Time) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE chat_messages SET read_at = ? WHERE id = ? AND kind = ? AND read_at IS NULL`,
		at.Unix(), messageID, string(domain.MessageLeave),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkSessionRead marks all unread leave-messages in a session not sent by
// the reader. Returns the ids that transitioned, for receipt fan-out.
func (r *Repository) MarkSessionRead(sessionID, readerID string, at time.Time) ([]string, error) {
	rows, err := r.db.Query(
		`SELECT id FROM chat_messages
		 WHERE session_id = ? AND kind = ? AND read_at IS NULL AND sender_id != ?`,
		sessionID, string(domain.MessageLeave), readerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread leave messages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate message ids: %w", err)
	}
	rows.Close()

	marked := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := r.MarkRead(id, at)
		if err != nil {
			return nil, err
		}
		if ok {
			marked = append(marked, id)
		}
	}
	return marked, nil
}

// UnreadCount is one session's unread tally for a user.
type UnreadCount struct {
	SessionID string `json:"session_id"`
	Count     int64  `json:"count"`
}

// UnreadLeaveMessages counts unread leave-messages per land session for
// lands the given user owns. landIDs come from the world database.
func (r *Repository) UnreadLeaveMessages(landIDs []string) ([]UnreadCount, error) {
	if len(landIDs) == 0 {
		return nil, nil
	}

	query := `SELECT m.session_id, COUNT(*)
	          FROM chat_messages m
	          JOIN chat_sessions s ON s.id = m.session_id
	          WHERE m.kind = ? AND m.read_at IS NULL AND s.land_id IN (`
	args := []interface{}{string(domain.MessageLeave)}
	for i, id := range landIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += `) GROUP BY m.session_id`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread leave messages: %w", err)
	}
	defer rows.Close()

	return scanUnreadCounts(rows)
}

// UnreadSince counts messages after each participant read mark in the
// user's dm/group sessions, excluding the user's own messages.
func (r *Repository) UnreadSince(userID string) ([]UnreadCount, error) {
	rows, err := r.db.Query(
		`SELECT m.session_id, COUNT(*)
		 FROM chat_messages m
		 JOIN chat_participants p ON p.session_id = m.session_id AND p.user_id = ?
		 JOIN chat_sessions s ON s.id = m.session_id
		 WHERE s.kind != 'land' AND m.sender_id != ? AND m.created_at > p.last_read_at AND m.deleted = 0
		 GROUP BY m.session_id`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	defer rows.Close()

	return scanUnreadCounts(rows)
}

// Tombstone marks a message deleted; the row survives until retention.
func (r *Repository) Tombstone(messageID string) error {
	result, err := r.db.Exec(
		`UPDATE chat_messages SET deleted = 1 WHERE id = ?`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to tombstone message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("message %s not found", messageID)
	}
	return nil
}

// Purge deletes messages older than retention and hard-deletes tombstones
// older than tombstoneAge. Returns rows removed.
func (r *Repository) Purge(retention, tombstoneAge time.Duration) (int64, error) {
	now := time.Now()

	res, err := r.db.Exec(`DELETE FROM chat_messages WHERE created_at < ?`, now.Add(-retention).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge old messages: %w", err)
	}
	purged, _ := res.RowsAffected()

	res, err = r.db.Exec(
		`DELETE FROM chat_messages WHERE deleted = 1 AND created_at < ?`,
		now.Add(-tombstoneAge).Unix(),
	)
	if err != nil {
		return purged, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	tombstones, _ := res.RowsAffected()

	return purged + tombstones, nil
}

func scanUnreadCounts(rows *sql.Rows) ([]UnreadCount, error) {
	var counts []UnreadCount
	for rows.Next() {
		var c UnreadCount
		if err := rows.Scan(&c.SessionID, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unread counts: %w", err)
	}
	return counts, nil
}

func scanSession(row *sql.Row) (*domain.ChatSession, error) {
	var (
		s                        domain.ChatSession
		kind                     string
		landID                   sql.NullString
		createdAt, lastMessageAt int64
	)
	err := row.Scan(&s.ID, &kind, &landID, &s.CreatedBy, &createdAt, &lastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.Kind = domain.SessionKind(kind)
	if landID.Valid {
		s.LandID = &landID.String
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.LastMessageAt = time.Unix(lastMessageAt, 0)
	return &s, nil
}

func scanSessionFromRows(rows *sql.Rows) (*domain.ChatSession, error) {
	var (
		s                        domain.ChatSession
		kind                     string
		landID                   sql.NullString
		createdAt, lastMessageAt int64
	)
	if err := rows.Scan(&s.ID, &kind, &landID, &s.CreatedBy, &createdAt, &lastMessageAt); err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	s.Kind = domain.SessionKind(kind)
	if landID.Valid {
		s.LandID = &landID.String
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.LastMessageAt = time.Unix(lastMessageAt, 0)
	return &s, nil
}

func scanMessage(row *sql.Row) (*domain.ChatMessage, error) {
	var (
		m         domain.ChatMessage
		kind      string
		deleted   int
		readAt    sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Body, &kind, &deleted, &readAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Kind = domain.MessageKind(kind)
	m.Deleted = deleted != 0
	if readAt.Valid {
		t := time.Unix(readAt.Int64, 0)
		m.ReadAt = &t
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

func scanMessageFromRows(rows *sql.Rows) (*domain.ChatMessage, error) {
	var (
		m         domain.ChatMessage
		kind      string
		deleted   int
		readAt    sql.NullInt64
		createdAt int64
	)
	if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Body, &kind, &deleted, &readAt, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}
	m.Kind = domain.MessageKind(kind)
	m.Deleted = deleted != 0
	if readAt.Valid {
		t := time.Unix(readAt.Int64, 0)
		m.ReadAt = &t
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}
