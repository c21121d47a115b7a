// Package marketplace implements land listings, auctions and sales.
package marketplace

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
)

const listingsColumns = `id, land_id, seller_id, kind, price, buy_now_price, status, highest_bid, highest_bidder_id, ends_at, created_at, updated_at`
const bidsColumns = `id, listing_id, bidder_id, amount, status, created_at`

// Repository handles listing and bid persistence in the world database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new marketplace repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "marketplace").Logger(),
	}
}

// CreateListingTx inserts a new listing inside a transaction.
func (r *Repository) CreateListingTx(tx *sql.Tx, l *domain.Listing) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.Status == "" {
		l.Status = domain.ListingActive
	}

	var endsAt interface{}
	if l.EndsAt != nil {
		endsAt = l.EndsAt.Unix()
	}

	_, err := tx.Exec(
		`INSERT INTO listings (`+listingsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LandID, l.SellerID, string(l.Kind), l.Price, nullInt64Ptr(l.BuyNowPrice),
		string(l.Status), nullInt64Ptr(l.HighestBid), nullString(l.HighestBidderID), endsAt,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}

	return nil
}

// GetListing returns a listing by id, or nil if not found.
func (r *Repository) GetListing(id string) (*domain.Listing, error) {
	row := r.db.QueryRow(`SELECT `+listingsColumns+` FROM listings WHERE id = ?`, id)
	return scanListing(row)
}

// GetListingTx reads a listing inside a transaction (the engine's row lock
// read).
func (r *Repository) GetListingTx(tx *sql.Tx, id string) (*domain.Listing, error) {
	row := tx.QueryRow(`SELECT `+listingsColumns+` FROM listings WHERE id = ?`, id)
	return scanListing(row)
}

// ActiveListingForLandTx returns the active listing for a land inside a
// transaction, or nil. At most one active listing per land exists.
func (r *Repository) ActiveListingForLandTx(tx *sql.Tx, landID string) (*domain.Listing, error) {
	row := tx.QueryRow(
		`SELECT `+listingsColumns+` FROM listings WHERE land_id = ? AND status = 'active'`,
		landID,
	)
	return scanListing(row)
}

// ListActive returns active listings, newest first.
func (r *Repository) ListActive(kind domain.ListingKind, limit, offset int) ([]domain.Listing, error) {
	query := `SELECT ` + listingsColumns + ` FROM listings WHERE status = 'active'`
	args := []interface{}{}

	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active listings: %w", err)
	}
	defer rows.Close()

	return scanListings(rows)
}

// ExpiredAuctionIDs returns ids of active auctions whose deadline has
// passed. Consumed by the auction sweep job.
func (r *Repository) ExpiredAuctionIDs(now time.Time) ([]string, error) {
	rows, err := r.db.Query(
		`SELECT id FROM listings
		 WHERE status = 'active' AND kind IN ('auction', 'auction_with_buynow')
		   AND ends_at IS NOT NULL AND ends_at <= ?
		 ORDER BY ends_at`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired auctions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired auction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired auction ids: %w", err)
	}
	return ids, nil
}

// UpdateListingStatusTx transitions a listing to a terminal status.
func (r *Repository) UpdateListingStatusTx(tx *sql.Tx, id string, status domain.ListingStatus) error {
	result, err := tx.Exec(
		`UPDATE listings SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing %s status: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("listing %s not found", id)
	}

	return nil
}

// SetHighestBidTx records the current auction leader and, when extended, the
// new deadline.
func (r *Repository) SetHighestBidTx(tx *sql.Tx, listingID string, amount int64, bidderID string, endsAt *time.Time) error {
	query := `UPDATE listings SET highest_bid = ?, highest_bidder_id = ?, updated_at = ?`
	args := []interface{}{amount, bidderID, time.Now().Unix()}

	if endsAt != nil {
		query += `, ends_at = ?`
		args = append(args, endsAt.Unix())
	}
	query += ` WHERE id = ?`
	args = append(args, listingID)

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to set highest bid on %s: %w", listingID, err)
	}
	return nil
}

// CreateBidTx inserts a bid inside a transaction.
func (r *Repository) CreateBidTx(tx *sql.Tx, b *domain.Bid) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = domain.BidActive
	}
	b.CreatedAt = time.Now()

	_, err := tx.Exec(
		`INSERT INTO bids (`+bidsColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.ListingID, b.BidderID, b.Amount, string(b.Status), b.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create bid: %w", err)
	}

	return nil
}

// ActiveBidTx returns the single active (escrowed) bid for a listing inside
// a transaction, or nil. Only the current leader's bid stays active; losing
// bids flip to refunded at outbid time.
func (r *Repository) ActiveBidTx(tx *sql.Tx, listingID string) (*domain.Bid, error) {
	row := tx.QueryRow(
		`SELECT `+bidsColumns+` FROM bids WHERE listing_id = ? AND status = 'active'
		 ORDER BY amount DESC, created_at DESC LIMIT 1`,
		listingID,
	)
	return scanBid(row)
}

// UpdateBidStatusTx transitions a bid's escrow state.
func (r *Repository) UpdateBidStatusTx(tx *sql.Tx, id string, status domain.BidStatus) error {
	result, err := tx.Exec(`UPDATE bids SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update bid %s status: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("bid %s not found", id)
	}

	return nil
}

// BidsForListing returns all bids on a listing, highest first.
func (r *Repository) BidsForListing(listingID string) ([]domain.Bid, error) {
	rows, err := r.db.Query(
		`SELECT `+bidsColumns+` FROM bids WHERE listing_id = ? ORDER BY amount DESC, created_at DESC`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		b, err := scanBidFromRows(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bid rows: %w", err)
	}
	return bids, nil
}

func scanListing(row *sql.Row) (*domain.Listing, error) {
	var (
		l                    domain.Listing
		kind, status         string
		buyNowPrice          sql.NullInt64
		highestBid           sql.NullInt64
		highestBidderID      sql.NullString
		endsAt               sql.NullInt64
		createdAt, updatedAt int64
	)

	err := row.Scan(&l.ID, &l.LandID, &l.SellerID, &kind, &l.Price, &buyNowPrice, &status,
		&highestBid, &highestBidderID, &endsAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing: %w", err)
	}

	l.Kind = domain.ListingKind(kind)
	l.Status = domain.ListingStatus(status)
	if buyNowPrice.Valid {
		l.BuyNowPrice = &buyNowPrice.Int64
	}
	if highestBid.Valid {
		l.HighestBid = &highestBid.Int64
	}
	if highestBidderID.Valid {
		l.HighestBidderID = &highestBidderID.String
	}
	if endsAt.Valid {
		t := time.Unix(endsAt.Int64, 0)
		l.EndsAt = &t
	}
	l.CreatedAt = time.Unix(createdAt, 0)
	l.UpdatedAt = time.Unix(updatedAt, 0)
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]domain.Listing, error) {
	var listings []domain.Listing
	for rows.Next() {
		var (
			l                    domain.Listing
			kind, status         string
			buyNowPrice          sql.NullInt64
			highestBid           sql.NullInt64
			highestBidderID      sql.NullString
			endsAt               sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&l.ID, &l.LandID, &l.SellerID, &kind, &l.Price, &buyNowPrice, &status,
			&highestBid, &highestBidderID, &endsAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan listing row: %w", err)
		}

		l.Kind = domain.ListingKind(kind)
		l.Status = domain.ListingStatus(status)
		if buyNowPrice.Valid {
			l.BuyNowPrice = &buyNowPrice.Int64
		}
		if highestBid.Valid {
			l.HighestBid = &highestBid.Int64
		}
		if highestBidderID.Valid {
			l.HighestBidderID = &highestBidderID.String
		}
		if endsAt.Valid {
			t := time.Unix(endsAt.Int64, 0)
			l.EndsAt = &t
		}
		l.CreatedAt = time.Unix(createdAt, 0)
		l.UpdatedAt = time.Unix(updatedAt, 0)
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listing rows: %w", err)
	}
	return listings, nil
}

func scanBid(row *sql.Row) (*domain.Bid, error) {
	var (
		b         domain.Bid
		status    string
		createdAt int64
	)

	err := row.Scan(&b.ID, &b.ListingID, &b.BidderID, &b.Amount, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bid: %w", err)
	}

	b.Status = domain.BidStatus(status)
	b.CreatedAt = time.Unix(createdAt, 0)
	return &b, nil
}

func scanBidFromRows(rows *sql.Rows) (*domain.Bid, error) {
	var (
		b         domain.Bid
		status    string
		createdAt int64
	)
	if err := rows.Scan(&b.ID, &b.ListingID, &b.BidderID, &b.Amount, &status, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan bid row: %w", err)
	}
	b.Status = domain.BidStatus(status)
	b.CreatedAt = time.Unix(createdAt, 0)
	return &b, nil
}

func nullString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullInt64Ptr(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
