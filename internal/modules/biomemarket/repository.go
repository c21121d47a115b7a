// Package biomemarket implements the biome share markets: user buy/sell
// against per-biome pools and the attention-driven redistribution engine.
package biomemarket

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
)

const marketsColumns = `biome, pool, total_shares, price, updated_at`

// Repository handles biome market persistence in the world database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new biome market repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "biomemarket").Logger(),
	}
}

// Seed inserts missing market rows so all seven biomes exist. Existing rows
// are left untouched, making this safe to run on every startup.
func (r *Repository) Seed(initialPool int64, initialShares float64, initialPrice int64) error {
	now := time.Now().Unix()
	for _, biome := range domain.Biomes {
		_, err := r.db.Exec(
			`INSERT INTO biome_markets (`+marketsColumns+`) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(biome) DO NOTHING`,
			string(biome), initialPool, initialShares, initialPrice, now,
		)
		if err != nil {
			return fmt.Errorf("failed to seed market %s: %w", biome, err)
		}
	}
	return nil
}

// GetAll returns all markets in canonical biome order.
func (r *Repository) GetAll() ([]domain.Market, error) {
	return r.getAll(r.db.Query)
}

// GetAllTx returns all markets in canonical biome order inside tx.
func (r *Repository) GetAllTx(tx *sql.Tx) ([]domain.Market, error) {
	return r.getAll(tx.Query)
}

func (r *Repository) getAll(query func(string, ...interface{}) (*sql.Rows, error)) ([]domain.Market, error) {
	rows, err := query(`SELECT ` + marketsColumns + ` FROM biome_markets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()

	byBiome := make(map[domain.Biome]domain.Market, len(domain.Biomes))
	for rows.Next() {
		var (
			m         domain.Market
			biome     string
			updatedAt int64
		)
		if err := rows.Scan(&biome, &m.Pool, &m.TotalShares, &m.Price, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan market row: %w", err)
		}
		m.Biome = domain.Biome(biome)
		m.UpdatedAt = time.Unix(updatedAt, 0)
		byBiome[m.Biome] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate market rows: %w", err)
	}

	markets := make([]domain.Market, 0, len(byBiome))
	for _, biome := range domain.Biomes {
		if m, ok := byBiome[biome]; ok {
			markets = append(markets, m)
		}
	}
	return markets, nil
}

// Get returns one market, or nil if the biome has no market row.
func (r *Repository) Get(biome domain.Biome) (*domain.Market, error) {
	row := r.db.QueryRow(`SELECT `+marketsColumns+` FROM biome_markets WHERE biome = ?`, string(biome))
	return scanMarket(row)
}

// GetTx reads one market inside a transaction.
func (r *Repository) GetTx(tx *sql.Tx, biome domain.Biome) (*domain.Market, error) {
	row := tx.QueryRow(`SELECT `+marketsColumns+` FROM biome_markets WHERE biome = ?`, string(biome))
	return scanMarket(row)
}

// UpdateTx persists a market's pool, shares and price inside a transaction.
func (r *Repository) UpdateTx(tx *sql.Tx, m *domain.Market) error {
	result, err := tx.Exec(
		`UPDATE biome_markets SET pool = ?, total_shares = ?, price = ?, updated_at = ? WHERE biome = ?`,
		m.Pool, m.TotalShares, m.Price, time.Now().Unix(), string(m.Biome),
	)
	if err != nil {
		return fmt.Errorf("failed to update market %s: %w", m.Biome, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("market %s not found", m.Biome)
	}
	return nil
}

// GetHoldingTx reads a user's share position inside a transaction. Returns
// zero shares when no row exists.
func (r *Repository) GetHoldingTx(tx *sql.Tx, userID string, biome domain.Biome) (float64, error) {
	var shares float64
	err := tx.QueryRow(
		`SELECT shares FROM holdings WHERE user_id = ? AND biome = ?`,
		userID, string(biome),
	).Scan(&shares)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query holding: %w", err)
	}
	return shares, nil
}

// SetHoldingTx writes a user's share position inside a transaction. Zero
// positions are deleted rather than stored.
func (r *Repository) SetHoldingTx(tx *sql.Tx, userID string, biome domain.Biome, shares float64) error {
	if shares <= 0 {
		_, err := tx.Exec(
			`DELETE FROM holdings WHERE user_id = ? AND biome = ?`,
			userID, string(biome),
		)
		if err != nil {
			return fmt.Errorf("failed to delete holding: %w", err)
		}
		return nil
	}

	_, err := tx.Exec(
		`INSERT INTO holdings (user_id, biome, shares, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, biome) DO UPDATE SET shares = excluded.shares, updated_at = excluded.updated_at`,
		userID, string(biome), shares, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert holding: %w", err)
	}
	return nil
}

// Portfolio returns all of a user's positions.
func (r *Repository) Portfolio(userID string) ([]domain.Holding, error) {
	rows, err := r.db.Query(
		`SELECT user_id, biome, shares, updated_at FROM holdings WHERE user_id = ? ORDER BY biome`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var (
			h         domain.Holding
			biome     string
			updatedAt int64
		)
		if err := rows.Scan(&h.UserID, &biome, &h.Shares, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding row: %w", err)
		}
		h.Biome = domain.Biome(biome)
		h.UpdatedAt = time.Unix(updatedAt, 0)
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate holding rows: %w", err)
	}
	return holdings, nil
}

// RecordAttention appends one attention event for a biome.
func (r *Repository) RecordAttention(userID string, biome domain.Biome, weight float64) error {
	if weight <= 0 {
		return fmt.Errorf("attention weight must be positive, got %f", weight)
	}

	_, err := r.db.Exec(
		`INSERT INTO attention_events (biome, user_id, weight, created_at) VALUES (?, ?, ?, ?)`,
		string(biome), userID, weight, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attention: %w", err)
	}
	return nil
}

// ConsumeAttentionTx aggregates and deletes all pending attention events
// inside a transaction, returning total weight per biome. The delete uses
// the max consumed rowid so events landing after the read survive.
func (r *Repository) ConsumeAttentionTx(tx *sql.Tx) (map[domain.Biome]float64, error) {
	rows, err := tx.Query(`SELECT id, biome, weight FROM attention_events`)
	if err != nil {
		return nil, fmt.Errorf("failed to query attention events: %w", err)
	}

	weights := make(map[domain.Biome]float64)
	var maxID int64
	for rows.Next() {
		var (
			id     int64
			biome  string
			weight float64
		)
		if err := rows.Scan(&id, &biome, &weight); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan attention row: %w", err)
		}
		weights[domain.Biome(biome)] += weight
		if id > maxID {
			maxID = id
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate attention rows: %w", err)
	}
	rows.Close()

	if maxID > 0 {
		if _, err := tx.Exec(`DELETE FROM attention_events WHERE id <= ?`, maxID); err != nil {
			return nil, fmt.Errorf("failed to consume attention events: %w", err)
		}
	}

	return weights, nil
}

// PurgeStaleAttention deletes attention rows older than cutoff. Safety net
// for rows orphaned while the engine was down.
func (r *Repository) PurgeStaleAttention(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM attention_events WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale attention: %w", err)
	}
	return result.RowsAffected()
}

func scanMarket(row *sql.Row) (*domain.Market, error) {
	var (
		m         domain.Market
		biome     string
		updatedAt int64
	)
	err := row.Scan(&biome, &m.Pool, &m.TotalShares, &m.Price, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan market: %w", err)
	}
	m.Biome = domain.Biome(biome)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}
