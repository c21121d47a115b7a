package marketplace

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/modules/lands"
	"github.com/parcelworld/parcel/internal/modules/ledger"
	"github.com/parcelworld/parcel/internal/modules/wallet"
)

// Config holds the marketplace tunables.
type Config struct {
	Fee             float64       // platform fee fraction on sales (0.05)
	MinBidIncrement int64         // minimum raise over the current top bid, in currency units
	Extend          time.Duration // deadline extension applied by a late bid
	ExtendWindow    time.Duration // window before the deadline that triggers extension
}

// Service executes the land half of the transaction engine: listings, bids
// with escrow, buy-now and auction settlement. Every operation is one
// world-database transaction.
type Service struct {
	worldDB *database.DB
	repo    *Repository
	lands   *lands.Repository
	wallet  *wallet.Service
	ledger  *ledger.Repository
	events  *events.Manager
	cfg     Config
	log     zerolog.Logger
}

// NewService creates a marketplace service.
func NewService(
	worldDB *database.DB,
	repo *Repository,
	landsRepo *lands.Repository,
	walletSvc *wallet.Service,
	ledgerRepo *ledger.Repository,
	eventManager *events.Manager,
	cfg Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		worldDB: worldDB,
		repo:    repo,
		lands:   landsRepo,
		wallet:  walletSvc,
		ledger:  ledgerRepo,
		events:  eventManager,
		cfg:     cfg,
		log:     log.With().Str("service", "marketplace").Logger(),
	}
}

// fee computes the platform fee for a sale amount, rounded down.
func (s *Service) fee(amount int64) int64 {
	return int64(float64(amount) * s.cfg.Fee)
}

// minimumBid computes the lowest acceptable bid given the current state. A
// first bid must meet the listing's price; a raise must equal or exceed the
// current top plus the configured increment (at least one unit). A bid at
// exactly top+increment is accepted, one unit below is rejected.
func (s *Service) minimumBid(l *domain.Listing) int64 {
	if l.HighestBid == nil {
		return l.Price
	}
	increment := s.cfg.MinBidIncrement
	if increment < 1 {
		increment = 1
	}
	return *l.HighestBid + increment
}

// isAuctionKind reports whether the kind takes bids.
func isAuctionKind(kind domain.ListingKind) bool {
	return kind == domain.ListingAuction || kind == domain.ListingAuctionBuyNow
}

// CreateListing lists a land for sale. Auctions carry a deadline; fixed
// price listings stay up until bought or cancelled. buyNowPrice applies only
// to auction_with_buynow listings and must exceed the starting price.
func (s *Service) CreateListing(sellerID, landID string, kind domain.ListingKind, price, buyNowPrice int64, duration time.Duration) (*domain.Listing, error) {
	if price < 1 {
		return nil, domain.ErrValidation("price must be at least 1, got %d", price)
	}
	if kind != domain.ListingFixedPrice && !isAuctionKind(kind) {
		return nil, domain.ErrValidation("unknown listing kind %q", kind)
	}
	if isAuctionKind(kind) && duration < time.Minute {
		return nil, domain.ErrValidation("auction duration must be at least one minute")
	}
	if kind == domain.ListingAuctionBuyNow && buyNowPrice <= price {
		return nil, domain.ErrValidation(
			"buy-now price %d must exceed the starting price %d", buyNowPrice, price)
	}
	if kind != domain.ListingAuctionBuyNow && buyNowPrice != 0 {
		return nil, domain.ErrValidation("buy_now_price requires an auction_with_buynow listing")
	}

	listing := &domain.Listing{
		LandID:   landID,
		SellerID: sellerID,
		Kind:     kind,
		Price:    price,
	}
	if kind == domain.ListingAuctionBuyNow {
		listing.BuyNowPrice = &buyNowPrice
	}
	if isAuctionKind(kind) {
		endsAt := time.Now().Add(duration)
		listing.EndsAt = &endsAt
	}

	err := database.WithTransaction(s.worldDB.Conn(), func(tx *sql.Tx) error {
		land, err := s.lands.GetTx(tx, landID)
		if err != nil {
			return err
		}
		if land == nil {
			return domain.ErrNotFound("land %s not found", landID)
		}
		if land.OwnerID == nil || *land.OwnerID != sellerID {
			return domain.ErrPermissionDenied("land %s is not owned by seller", landID)
		}
		if land.Fenced {
			return domain.ErrConflict("fenced land cannot be listed")
		}

		existing, err := s.repo.ActiveListingForLandTx(tx, landID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrConflict("land %s already has an active listing", landID)
		}

		return s.repo.CreateListingTx(tx, listing)
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(events.ListingCreated, "marketplace", map[string]interface{}{
		"listing_id": listing.ID,
		"land_id":    landID,
		"seller_id":  sellerID,
		"kind":       string(kind),
		"price":      price,
	})

	return listing, nil
}

// PlaceBid escrows a bid on an active auction, refunding the previous top
// bidder in the same transaction. A bid landing inside the final extend
// window pushes the deadline out, so snipers always leave room for a reply.
// On an auction_with_buynow listing, a bid at or above the buy-now price
// closes the auction immediately at that price.
func (s *Service) PlaceBid(bidderID, listingID string, amount int64) (*domain.Bid, error) {
	if amount < 1 {
		return nil, domain.ErrValidation("bid amount must be at least 1, got %d", amount)
	}

	bid := &domain.Bid{ListingID: listingID, BidderID: bidderID, Amount: amount}
	var settled *domain.Transaction

	err := database.WithTransaction(s.worldDB.Conn(), func(tx *sql.Tx) error {
		listing, err := s.repo.GetListingTx(tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return domain.ErrNotFound("listing %s not found", listingID)
		}
		if !isAuctionKind(listing.Kind) {
			return domain.ErrValidation("listing %s is not an auction", listingID)
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrConflict("listing %s is %s", listingID, listing.Status)
		}
		now := time.Now()
		if listing.EndsAt != nil && !now.Before(*listing.EndsAt) {
			return domain.ErrConflict("auction %s has ended", listingID)
		}
		if bidderID == listing.SellerID {
			return domain.ErrValidation("seller cannot bid on own auction")
		}
		if minimum := s.minimumBid(listing); amount < minimum {
			return domain.ErrConflict("bid %d below minimum %d", amount, minimum)
		}

		// A bid meeting the buy-now threshold converts into an immediate
		// purchase at the buy-now price instead of an escrowed bid.
		if listing.Kind == domain.ListingAuctionBuyNow &&
			listing.BuyNowPrice != nil && amount >= *listing.BuyNowPrice {
			bid.Amount = *listing.BuyNowPrice
			bid.Status = domain.BidWon
			if err := s.repo.CreateBidTx(tx, bid); err != nil {
				return err
			}
			settled, err = s.settleSaleTx(tx, listing, bidderID, *listing.BuyNowPrice)
			return err
		}

		// Lock every balance this bid touches in one ordered pass.
		ids := []string{bidderID}
		if listing.HighestBidderID != nil {
			ids = append(ids, *listing.HighestBidderID)
		}
		locked, err := s.wallet.LockBalances(tx, ids...)
		if err != nil {
			return err
		}

		if err := s.wallet.Debit(tx, locked[bidderID], amount); err != nil {
			return err
		}

		// Release the previous leader's escrow.
		if listing.HighestBidderID != nil {
			prev, err := s.repo.ActiveBidTx(tx, listingID)
			if err != nil {
				return err
			}
			if prev != nil {
				if err := s.wallet.Credit(tx, locked[prev.BidderID], prev.Amount); err != nil {
					return err
				}
				if err := s.repo.UpdateBidStatusTx(tx, prev.ID, domain.BidRefunded); err != nil {
					return err
				}
			}
		}

		if err := s.repo.CreateBidTx(tx, bid); err != nil {
			return err
		}

		var newEndsAt *time.Time
		if listing.EndsAt != nil && listing.EndsAt.Sub(now) <= s.cfg.ExtendWindow {
			extended := listing.EndsAt.Add(s.cfg.Extend)
			newEndsAt = &extended
		}

		return s.repo.SetHighestBidTx(tx, listingID, amount, bidderID, newEndsAt)
	})
	if err != nil {
		return nil, err
	}

	if settled != nil {
		s.emitTrade(settled)
		s.log.Info().
			Str("listing_id", listingID).
			Str("buyer_id", bidderID).
			Int64("amount", settled.Amount).
			Msg("Buy-now bid closed auction")
		return bid, nil
	}

	s.log.Info().
		Str("listing_id", listingID).
		Str("bidder_id", bidderID).
		Int64("amount", amount).
		Msg("Bid placed")

	return bid, nil
}

// BuyNow executes an immediate purchase: the listing price for a fixed-price
// sale, the buy-now price for an auction_with_buynow. The seller receives the
// price minus fee, an escrowed auction leader is refunded, and the land
// changes hands.
func (s *Service) BuyNow(buyerID, listingID string) (*domain.Transaction, error) {
	var txn *domain.Transaction

	err := database.WithTransaction(s.worldDB.Conn(), func(tx *sql.Tx) error {
		listing, err := s.repo.GetListingTx(tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return domain.ErrNotFound("listing %s not found", listingID)
		}
		if listing.Kind != domain.ListingFixedPrice && listing.Kind != domain.ListingAuctionBuyNow {
			return domain.ErrValidation("listing %s has no buy-now price", listingID)
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrConflict("listing %s is %s", listingID, listing.Status)
		}
		if buyerID == listing.SellerID {
			return domain.ErrValidation("buyer cannot purchase own listing")
		}

		price := listing.Price
		if listing.Kind == domain.ListingAuctionBuyNow {
			if listing.EndsAt != nil && !time.Now().Before(*listing.EndsAt) {
				return domain.ErrConflict("auction %s has ended", listingID)
			}
			price = *listing.BuyNowPrice
		}

		txn, err = s.settleSaleTx(tx, listing, buyerID, price)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitTrade(txn)
	return txn, nil
}

// settleSaleTx closes a listing at price: the escrowed leader (if any) is
// refunded, the buyer pays the seller minus fee, the land transfers and a
// ledger row is appended. Callers have already validated listing state.
func (s *Service) settleSaleTx(tx *sql.Tx, listing *domain.Listing, buyerID string, price int64) (*domain.Transaction, error) {
	ids := []string{buyerID, listing.SellerID}
	if listing.HighestBidderID != nil {
		ids = append(ids, *listing.HighestBidderID)
	}
	locked, err := s.wallet.LockBalances(tx, ids...)
	if err != nil {
		return nil, err
	}

	// Release the leader's escrow before charging the buyer, so a leader
	// buying out their own auction funds the purchase with the refund.
	if listing.HighestBidderID != nil {
		prev, err := s.repo.ActiveBidTx(tx, listing.ID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if err := s.wallet.Credit(tx, locked[prev.BidderID], prev.Amount); err != nil {
				return nil, err
			}
			if err := s.repo.UpdateBidStatusTx(tx, prev.ID, domain.BidRefunded); err != nil {
				return nil, err
			}
		}
	}

	fee := s.fee(price)
	if err := s.wallet.Transfer(tx, locked[buyerID], locked[listing.SellerID], price, fee); err != nil {
		return nil, err
	}

	if err := s.lands.TransferOwnershipTx(tx, listing.LandID, buyerID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateListingStatusTx(tx, listing.ID, domain.ListingSold); err != nil {
		return nil, err
	}

	sellerID := listing.SellerID
	landID := listing.LandID
	txn := &domain.Transaction{
		Kind:     domain.TxSale,
		BuyerID:  buyerID,
		SellerID: &sellerID,
		LandID:   &landID,
		Amount:   price,
		Fee:      fee,
	}
	return txn, s.ledger.CreateTx(tx, txn)
}

// CompleteAuction settles an auction past its deadline. Without bids the
// listing expires; with a leader, their escrow becomes the payment.
// Invoked by the auction sweep job, so it tolerates races: a listing that
// already left the active state is a no-op conflict.
func (s *Service) CompleteAuction(listingID string) (*domain.Transaction, error) {
	var txn *domain.Transaction

	err := database.WithTransaction(s.worldDB.Conn(), func(tx *sql.Tx) error {
		listing, err := s.repo.GetListingTx(tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return domain.ErrNotFound("listing %s not found", listingID)
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrConflict("listing %s already settled (%s)", listingID, listing.Status)
		}
		if !isAuctionKind(listing.Kind) {
			return domain.ErrValidation("listing %s is not an auction", listingID)
		}

		// No bids: nothing to settle.
		if listing.HighestBidderID == nil || listing.HighestBid == nil {
			return s.repo.UpdateListingStatusTx(tx, listingID, domain.ListingExpired)
		}

		winnerID := *listing.HighestBidderID
		price := *listing.HighestBid

		locked, err := s.wallet.LockBalances(tx, listing.SellerID)
		if err != nil {
			return err
		}

		// The winner already paid at bid time (escrow); only the seller
		// side moves now.
		fee := s.fee(price)
		if err := s.wallet.Credit(tx, locked[listing.SellerID], price-fee); err != nil {
			return err
		}

		winningBid, err := s.repo.ActiveBidTx(tx, listingID)
		if err != nil {
			return err
		}
		if winningBid != nil {
			if err := s.repo.UpdateBidStatusTx(tx, winningBid.ID, domain.BidWon); err != nil {
				return err
			}
		}

		if err := s.lands.TransferOwnershipTx(tx, listing.LandID, winnerID); err != nil {
			return err
		}
		if err := s.repo.UpdateListingStatusTx(tx, listingID, domain.ListingSold); err != nil {
			return err
		}

		sellerID := listing.SellerID
		landID := listing.LandID
		txn = &domain.Transaction{
			Kind:     domain.TxAuctionSale,
			BuyerID:  winnerID,
			SellerID: &sellerID,
			LandID:   &landID,
			Amount:   price,
			Fee:      fee,
		}
		return s.ledger.CreateTx(tx, txn)
	})
	if err != nil {
		return nil, err
	}

	if txn != nil {
		s.emitTrade(txn)
		s.events.Emit(events.AuctionCompleted, "marketplace", map[string]interface{}{
			"listing_id": listingID,
			"winner_id":  txn.BuyerID,
			"amount":     txn.Amount,
		})
	}
	return txn, nil
}

// CancelListing withdraws a listing. Only the seller may cancel, and a
// leading bidder gets their escrow back.
func (s *Service) CancelListing(sellerID, listingID string) error {
	return database.WithTransaction(s.worldDB.Conn(), func(tx *sql.Tx) error {
		listing, err := s.repo.GetListingTx(tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return domain.ErrNotFound("listing %s not found", listingID)
		}
		if listing.SellerID != sellerID {
			return domain.ErrPermissionDenied("only the seller can cancel a listing")
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrConflict("listing %s is %s", listingID, listing.Status)
		}

		if listing.HighestBidderID != nil {
			bid, err := s.repo.ActiveBidTx(tx, listingID)
			if err != nil {
				return err
			}
			if bid != nil {
				locked, err := s.wallet.LockBalances(tx, bid.BidderID)
				if err != nil {
					return err
				}
				if err := s.wallet.Credit(tx, locked[bid.BidderID], bid.Amount); err != nil {
					return err
				}
				if err := s.repo.UpdateBidStatusTx(tx, bid.ID, domain.BidRefunded); err != nil {
					return err
				}
			}
		}

		return s.repo.UpdateListingStatusTx(tx, listingID, domain.ListingCancelled)
	})
}

// SweepExpired settles every auction past its deadline. Returns the number
// settled; individual failures are logged and do not stop the sweep.
func (s *Service) SweepExpired() (int, error) {
	ids, err := s.repo.ExpiredAuctionIDs(time.Now())
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, id := range ids {
		if _, err := s.CompleteAuction(id); err != nil {
			if de, ok := domain.AsError(err); ok && de.Code == domain.CodeConflict {
				continue // settled by a concurrent caller
			}
			s.log.Error().Err(err).Str("listing_id", id).Msg("Failed to complete auction")
			continue
		}
		settled++
	}

	return settled, nil
}

// ListListings returns active listings for browsing.
func (s *Service) ListListings(kind domain.ListingKind, limit, offset int) ([]domain.Listing, error) {
	return s.repo.ListActive(kind, limit, offset)
}

// GetListing returns one listing with its bids.
func (s *Service) GetListing(id string) (*domain.Listing, []domain.Bid, error) {
	listing, err := s.repo.GetListing(id)
	if err != nil {
		return nil, nil, err
	}
	if listing == nil {
		return nil, nil, domain.ErrNotFound("listing %s not found", id)
	}

	bids, err := s.repo.BidsForListing(id)
	if err != nil {
		return nil, nil, err
	}
	return listing, bids, nil
}

func (s *Service) emitTrade(txn *domain.Transaction) {
	data := &events.TradeExecutedData{
		Kind:    string(txn.Kind),
		BuyerID: txn.BuyerID,
		Amount:  txn.Amount,
		Fee:     txn.Fee,
	}
	if txn.SellerID != nil {
		data.SellerID = *txn.SellerID
	}
	if txn.LandID != nil {
		data.LandID = *txn.LandID
	}
	s.events.EmitTyped("marketplace", data)
}
