// Package lands provides persistence for land parcels.
package lands

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
)

const landsColumns = `id, owner_id, x, y, biome, fenced, name, created_at, updated_at`

// Repository handles land persistence in the world database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new land repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "lands").Logger(),
	}
}

// Create inserts a new land parcel. Coordinates are unique per parcel.
func (r *Repository) Create(land *domain.Land) error {
	if !domain.ValidBiome(land.Biome) {
		return fmt.Errorf("invalid biome: %s", land.Biome)
	}
	if land.ID == "" {
		land.ID = uuid.New().String()
	}

	now := time.Now()
	land.CreatedAt = now
	land.UpdatedAt = now

	_, err := r.db.Exec(
		`INSERT INTO lands (`+landsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		land.ID, nullString(land.OwnerID), land.X, land.Y, string(land.Biome),
		boolToInt(land.Fenced), land.Name, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create land: %w", err)
	}

	return nil
}

// GetByID returns a land by id, or nil if not found.
func (r *Repository) GetByID(id string) (*domain.Land, error) {
	row := r.db.QueryRow(`SELECT `+landsColumns+` FROM lands WHERE id = ?`, id)
	return scanLand(row)
}

// GetByCoords returns the land at (x, y), or nil if none exists there.
func (r *Repository) GetByCoords(x, y int) (*domain.Land, error) {
	row := r.db.QueryRow(`SELECT `+landsColumns+` FROM lands WHERE x = ? AND y = ?`, x, y)
	return scanLand(row)
}

// GetByOwner returns all lands owned by a user.
func (r *Repository) GetByOwner(ownerID string) ([]domain.Land, error) {
	rows, err := r.db.Query(
		`SELECT `+landsColumns+` FROM lands WHERE owner_id = ? ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lands by owner: %w", err)
	}
	defer rows.Close()

	return scanLands(rows)
}

// GetTx reads a land inside a transaction (the engine's row lock read).
func (r *Repository) GetTx(tx *sql.Tx, id string) (*domain.Land, error) {
	row := tx.QueryRow(`SELECT `+landsColumns+` FROM lands WHERE id = ?`, id)
	return scanLand(row)
}

// TransferOwnershipTx moves a land to a new owner inside a transaction.
func (r *Repository) TransferOwnershipTx(tx *sql.Tx, landID, newOwnerID string) error {
	result, err := tx.Exec(
		`UPDATE lands SET owner_id = ?, updated_at = ? WHERE id = ?`,
		newOwnerID, time.Now().Unix(), landID,
	)
	if err != nil {
		return fmt.Errorf("failed to transfer land %s: %w", landID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("land %s not found", landID)
	}

	return nil
}

// SetFenced toggles the fenced flag, which blocks listing the land.
func (r *Repository) SetFenced(id string, fenced bool) error {
	result, err := r.db.Exec(
		`UPDATE lands SET fenced = ?, updated_at = ? WHERE id = ?`,
		boolToInt(fenced), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set fenced for %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("land %s not found", id)
	}

	return nil
}

func scanLand(row *sql.Row) (*domain.Land, error) {
	var (
		l                    domain.Land
		ownerID              sql.NullString
		biome                string
		fenced               int
		createdAt, updatedAt int64
	)

	err := row.Scan(&l.ID, &ownerID, &l.X, &l.Y, &biome, &fenced, &l.Name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan land: %w", err)
	}

	if ownerID.Valid {
		l.OwnerID = &ownerID.String
	}
	l.Biome = domain.Biome(biome)
	l.Fenced = fenced != 0
	l.CreatedAt = time.Unix(createdAt, 0)
	l.UpdatedAt = time.Unix(updatedAt, 0)
	return &l, nil
}

func scanLands(rows *sql.Rows) ([]domain.Land, error) {
	var lands []domain.Land
	for rows.Next() {
		var (
			l                    domain.Land
			ownerID              sql.NullString
			biome                string
			fenced               int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&l.ID, &ownerID, &l.X, &l.Y, &biome, &fenced, &l.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan land row: %w", err)
		}
		if ownerID.Valid {
			l.OwnerID = &ownerID.String
		}
		l.Biome = domain.Biome(biome)
		l.Fenced = fenced != 0
		l.CreatedAt = time.Unix(createdAt, 0)
		l.UpdatedAt = time.Unix(updatedAt, 0)
		lands = append(lands, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate land rows: %w", err)
	}
	return lands, nil
}

func nullString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
