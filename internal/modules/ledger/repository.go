// Package ledger provides the append-only transaction ledger. Rows are
// written inside the engine's money transactions and never updated or
// deleted afterwards.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
)

const transactionsColumns = `id, kind, buyer_id, seller_id, land_id, biome, amount, fee, shares, created_at`

// Repository handles transaction ledger persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new ledger repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// CreateTx appends a ledger entry inside the money transaction that caused
// it, so the entry commits or rolls back with the balance changes.
func (r *Repository) CreateTx(tx *sql.Tx, txn *domain.Transaction) error {
	if txn.Amount < 0 || txn.Fee < 0 {
		return fmt.Errorf("ledger amounts cannot be negative: amount=%d fee=%d", txn.Amount, txn.Fee)
	}
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}

	var biome interface{}
	if txn.Biome != nil {
		biome = string(*txn.Biome)
	}

	_, err := tx.Exec(
		`INSERT INTO transactions (`+transactionsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, string(txn.Kind), txn.BuyerID, nullString(txn.SellerID),
		nullString(txn.LandID), biome, txn.Amount, txn.Fee,
		nullFloat64Ptr(txn.Shares), txn.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// AuditFilter narrows the audit trail query. Zero values mean "no filter".
type AuditFilter struct {
	Kind   domain.TransactionKind
	UserID string // matches buyer or seller
	Limit  int
	Offset int
}

// maxAuditLimit caps one audit page.
const maxAuditLimit = 200

// AuditTrail returns ledger entries in reverse chronological order.
func (r *Repository) AuditTrail(filter AuditFilter) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionsColumns + ` FROM transactions WHERE 1=1`
	args := []interface{}{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.UserID != "" {
		query += " AND (buyer_id = ? OR seller_id = ?)"
		args = append(args, filter.UserID, filter.UserID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// SumByKind returns total amount and fee across all entries of a kind.
// Used by conservation checks and the ops surface.
func (r *Repository) SumByKind(kind domain.TransactionKind) (amount int64, fee int64, err error) {
	err = r.db.QueryRow(
		`SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(fee), 0) FROM transactions WHERE kind = ?`,
		string(kind),
	).Scan(&amount, &fee)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return amount, fee, nil
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	for rows.Next() {
		var (
			t         domain.Transaction
			kind      string
			sellerID  sql.NullString
			landID    sql.NullString
			biome     sql.NullString
			shares    sql.NullFloat64
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &kind, &t.BuyerID, &sellerID, &landID, &biome,
			&t.Amount, &t.Fee, &shares, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}

		t.Kind = domain.TransactionKind(kind)
		if sellerID.Valid {
			t.SellerID = &sellerID.String
		}
		if landID.Valid {
			t.LandID = &landID.String
		}
		if biome.Valid {
			b := domain.Biome(biome.String)
			t.Biome = &b
		}
		if shares.Valid {
			t.Shares = &shares.Float64
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transaction rows: %w", err)
	}
	return txns, nil
}

func nullString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullFloat64Ptr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
