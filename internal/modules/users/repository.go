// Package users provides persistence for platform accounts.
package users

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
)

// usersColumns is the canonical column list for scanning users.
const usersColumns = `id, username, balance, suspended, created_at, updated_at`

// Repository handles user persistence in the world database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new user repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "users").Logger(),
	}
}

// Create inserts a new user. A fresh id is minted when empty.
func (r *Repository) Create(user *domain.User) error {
	if user.Username == "" {
		return fmt.Errorf("username is required")
	}
	if user.Balance < 0 {
		return fmt.Errorf("balance cannot be negative: %d", user.Balance)
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.db.Exec(
		`INSERT INTO users (`+usersColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Balance, boolToInt(user.Suspended),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByID returns a user by id, or nil if not found.
func (r *Repository) GetByID(id string) (*domain.User, error) {
	row := r.db.QueryRow(`SELECT `+usersColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetByUsername returns a user by username, or nil if not found.
func (r *Repository) GetByUsername(username string) (*domain.User, error) {
	row := r.db.QueryRow(`SELECT `+usersColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetTx reads a user inside a transaction. With the world database's
// immediate transactions this read is the row lock: callers must read
// participants in ascending id order (see wallet.LockBalances).
func (r *Repository) GetTx(tx *sql.Tx, id string) (*domain.User, error) {
	row := tx.QueryRow(`SELECT `+usersColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// AddBalanceTx applies a signed delta to a user's balance inside a
// transaction. The schema CHECK rejects negative results; callers validate
// funds first so violations here indicate a bug.
func (r *Repository) AddBalanceTx(tx *sql.Tx, id string, delta int64) error {
	result, err := tx.Exec(
		`UPDATE users SET balance = balance + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance for %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %s not found", id)
	}

	return nil
}

// SetSuspended toggles account suspension.
func (r *Repository) SetSuspended(id string, suspended bool) error {
	result, err := r.db.Exec(
		`UPDATE users SET suspended = ?, updated_at = ? WHERE id = ?`,
		boolToInt(suspended), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set suspended for %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %s not found", id)
	}

	return nil
}

// scanUser scans a single user row, mapping sql.ErrNoRows to (nil, nil).
func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u                    domain.User
		suspended            int
		createdAt, updatedAt int64
	)

	err := row.Scan(&u.ID, &u.Username, &u.Balance, &suspended, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	u.Suspended = suspended != 0
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
