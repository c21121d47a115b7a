// Package domain provides core domain models and types.
package domain

import "time"

// Biome identifies one of the seven world biomes.
type Biome string

const (
	BiomeOcean    Biome = "ocean"
	BiomeBeach    Biome = "beach"
	BiomePlains   Biome = "plains"
	BiomeForest   Biome = "forest"
	BiomeDesert   Biome = "desert"
	BiomeMountain Biome = "mountain"
	BiomeSnow     Biome = "snow"
)

// Biomes is the canonical biome order, used for iteration, market seeding
// and redistribution so results are deterministic.
var Biomes = []Biome{
	BiomeOcean,
	BiomeBeach,
	BiomePlains,
	BiomeForest,
	BiomeDesert,
	BiomeMountain,
	BiomeSnow,
}

// ValidBiome reports whether b is one of the seven biomes.
func ValidBiome(b Biome) bool {
	for _, known := range Biomes {
		if b == known {
			return true
		}
	}
	return false
}

// User represents a platform account. Balance is in integer currency units
// and is never negative.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Balance   int64     `json:"balance"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Land represents a land parcel at unique (x, y) world coordinates.
type Land struct {
	ID        string    `json:"id"`
	OwnerID   *string   `json:"owner_id,omitempty"` // nil means unclaimed
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Biome     Biome     `json:"biome"`
	Fenced    bool      `json:"fenced"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListingKind distinguishes fixed-price sales from auctions.
type ListingKind string

const (
	ListingFixedPrice    ListingKind = "fixed_price"
	ListingAuction       ListingKind = "auction"
	ListingAuctionBuyNow ListingKind = "auction_with_buynow"
)

// ListingStatus is the lifecycle state of a marketplace listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
	ListingExpired   ListingStatus = "expired"
)

// Listing represents a marketplace listing for a land parcel.
// For auctions, Price is the minimum bid and EndsAt the deadline;
// HighestBid/HighestBidderID track the current leader whose amount is held
// in escrow. BuyNowPrice is set only on auction_with_buynow listings: any
// buyer (or a bid at or above it) closes the auction immediately at that
// price.
type Listing struct {
	ID              string        `json:"id"`
	LandID          string        `json:"land_id"`
	SellerID        string        `json:"seller_id"`
	Kind            ListingKind   `json:"kind"`
	Price           int64         `json:"price"`
	BuyNowPrice     *int64        `json:"buy_now_price,omitempty"`
	Status          ListingStatus `json:"status"`
	HighestBid      *int64        `json:"highest_bid,omitempty"`
	HighestBidderID *string       `json:"highest_bidder_id,omitempty"`
	EndsAt          *time.Time    `json:"ends_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// BidStatus is the lifecycle state of an auction bid.
type BidStatus string

const (
	BidActive   BidStatus = "active"
	BidRefunded BidStatus = "refunded"
	BidWon      BidStatus = "won"
)

// Bid represents an auction bid. The amount is debited from the bidder on
// placement (escrow) and refunded when outbid.
type Bid struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listing_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	Status    BidStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionKind classifies ledger entries.
type TransactionKind string

const (
	TxSale        TransactionKind = "sale"
	TxAuctionSale TransactionKind = "auction_sale"
	TxBiomeBuy    TransactionKind = "biome_buy"
	TxBiomeSell   TransactionKind = "biome_sell"
)

// Transaction is an append-only ledger entry recording a completed money
// movement. Fees are burned (removed from circulation), so for land sales
// amount = seller credit + fee.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      TransactionKind `json:"kind"`
	BuyerID   string          `json:"buyer_id"`
	SellerID  *string         `json:"seller_id,omitempty"`
	LandID    *string         `json:"land_id,omitempty"`
	Biome     *Biome          `json:"biome,omitempty"`
	Amount    int64           `json:"amount"`
	Fee       int64           `json:"fee"`
	Shares    *float64        `json:"shares,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Market is the state of one biome share market. Pool is integer currency
// units; Price is derived as max(1, round(pool/total_shares)) and clamped
// per tick.
type Market struct {
	Biome       Biome     `json:"biome"`
	Pool        int64     `json:"pool"`
	TotalShares float64   `json:"total_shares"`
	Price       int64     `json:"price"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Holding is a user's share position in one biome market.
type Holding struct {
	UserID    string    `json:"user_id"`
	Biome     Biome     `json:"biome"`
	Shares    float64   `json:"shares"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionKind classifies chat sessions.
type SessionKind string

const (
	SessionDM    SessionKind = "dm"
	SessionGroup SessionKind = "group"
	SessionLand  SessionKind = "land"
)

// ChatSession represents a conversation. Land sessions are materialized
// lazily on first message and are unique per land.
type ChatSession struct {
	ID            string      `json:"id"`
	Kind          SessionKind `json:"kind"`
	LandID        *string     `json:"land_id,omitempty"`
	CreatedBy     string      `json:"created_by"`
	CreatedAt     time.Time   `json:"created_at"`
	LastMessageAt time.Time   `json:"last_message_at"`
}

// MessageKind distinguishes regular messages from leave-messages, which are
// the only messages that carry read receipts.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageLeave MessageKind = "leave_message"
)

// ChatMessage is one stored chat message. Deleted messages are tombstoned:
// the row survives until retention but renders with an empty body.
type ChatMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	SenderID  string      `json:"sender_id"`
	Body      string      `json:"body"`
	Kind      MessageKind `json:"kind"`
	Deleted   bool        `json:"deleted"`
	ReadAt    *time.Time  `json:"read_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
