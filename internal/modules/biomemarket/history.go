package biomemarket

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/database"
)

// historyDepth bounds the stored points per biome.
const historyDepth = 1024

// PricePoint is one recorded tick for a biome.
type PricePoint struct {
	Price int64 `json:"price"`
	Pool  int64 `json:"pool"`
	AtMs  int64 `json:"at"`
}

// History persists the per-biome price ring in the cache database. The ring
// feeds the market stats endpoint; losing it costs stats warm-up, nothing
// else, so it lives with the other rebuildable data.
type History struct {
	db  *database.DB
	log zerolog.Logger
}

// NewHistory creates a price history store.
func NewHistory(db *database.DB, log zerolog.Logger) *History {
	return &History{
		db:  db,
		log: log.With().Str("component", "price_history").Logger(),
	}
}

// Record appends one point for a biome and prunes the ring to depth.
func (h *History) Record(biome string, price, pool, atMs int64) error {
	_, err := h.db.Exec(
		`INSERT INTO price_history (biome, price, pool, at_ms) VALUES (?, ?, ?, ?)`,
		biome, price, pool, atMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record price point: %w", err)
	}

	_, err = h.db.Exec(
		`DELETE FROM price_history WHERE biome = ? AND id NOT IN (
		     SELECT id FROM price_history WHERE biome = ? ORDER BY id DESC LIMIT ?
		 )`,
		biome, biome, historyDepth,
	)
	if err != nil {
		return fmt.Errorf("failed to prune price history: %w", err)
	}
	return nil
}

// Points returns up to limit newest points for a biome in chronological
// order, oldest first, ready for indicator computation.
func (h *History) Points(biome string, limit int) ([]PricePoint, error) {
	if limit <= 0 || limit > historyDepth {
		limit = historyDepth
	}

	rows, err := h.db.Query(
		`SELECT price, pool, at_ms FROM price_history WHERE biome = ? ORDER BY id DESC LIMIT ?`,
		biome, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.Price, &p.Pool, &p.AtMs); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate price points: %w", err)
	}

	// Newest-first from the query; reverse to chronological.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}
