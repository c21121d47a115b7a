package marketplace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/modules/lands"
	"github.com/parcelworld/parcel/internal/modules/ledger"
	"github.com/parcelworld/parcel/internal/modules/users"
	"github.com/parcelworld/parcel/internal/modules/wallet"
	ptesting "github.com/parcelworld/parcel/internal/testing"
)

func setupService(t *testing.T) (*Service, *database.DB) {
	t.Helper()

	db := ptesting.NewTestDB(t, "world")
	log := ptesting.SilentLogger()

	usersRepo := users.NewRepository(db.Conn(), log)
	landsRepo := lands.NewRepository(db.Conn(), log)
	ledgerRepo := ledger.NewRepository(db.Conn(), log)
	marketRepo := NewRepository(db.Conn(), log)
	walletSvc := wallet.NewService(usersRepo, log)
	eventMgr := events.NewManager(events.NewBus(log), log)

	svc := NewService(db, marketRepo, landsRepo, walletSvc, ledgerRepo, eventMgr, Config{
		Fee:             0.05,
		MinBidIncrement: 5,
		Extend:          120 * time.Second,
		ExtendWindow:    60 * time.Second,
	}, log)

	return svc, db
}

func TestBuyNowTransfersLandAndFunds(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	buyer := ptesting.CreateUser(t, db, "buyer", 1000)
	land := ptesting.CreateLand(t, db, seller.ID, 3, 4, domain.BiomeForest)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingFixedPrice, 100, 0, 0)
	require.NoError(t, err)

	txn, err := svc.BuyNow(buyer.ID, listing.ID)
	require.NoError(t, err)

	// Fee is 5 of 100; seller receives 95, buyer pays the full price.
	assert.Equal(t, int64(100), txn.Amount)
	assert.Equal(t, int64(5), txn.Fee)

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotBuyer, err := usersRepo.GetByID(buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), gotBuyer.Balance)

	gotSeller, err := usersRepo.GetByID(seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(95), gotSeller.Balance)

	landsRepo := lands.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotLand, err := landsRepo.GetByID(land.ID)
	require.NoError(t, err)
	require.NotNil(t, gotLand.OwnerID)
	assert.Equal(t, buyer.ID, *gotLand.OwnerID)

	gotListing, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, gotListing.Status)
}

func TestBuyNowInsufficientFundsRollsBack(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	buyer := ptesting.CreateUser(t, db, "buyer", 50)
	land := ptesting.CreateLand(t, db, seller.ID, 1, 1, domain.BiomePlains)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingFixedPrice, 100, 0, 0)
	require.NoError(t, err)

	_, err = svc.BuyNow(buyer.ID, listing.ID)
	require.Error(t, err)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeInsufficientFunds, de.Code)

	// Nothing moved: the whole transaction rolled back.
	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotBuyer, err := usersRepo.GetByID(buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), gotBuyer.Balance)

	landsRepo := lands.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotLand, err := landsRepo.GetByID(land.ID)
	require.NoError(t, err)
	assert.Equal(t, seller.ID, *gotLand.OwnerID)

	gotListing, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, gotListing.Status)
}

func TestCreateListingRejectsNonOwnerAndDoubleList(t *testing.T) {
	svc, db := setupService(t)

	owner := ptesting.CreateUser(t, db, "owner", 0)
	other := ptesting.CreateUser(t, db, "other", 0)
	land := ptesting.CreateLand(t, db, owner.ID, 2, 2, domain.BiomeDesert)

	_, err := svc.CreateListing(other.ID, land.ID, domain.ListingFixedPrice, 100, 0, 0)
	require.Error(t, err)
	assert.Equal(t, domain.CodePermissionDenied, domain.CodeOf(err))

	_, err = svc.CreateListing(owner.ID, land.ID, domain.ListingFixedPrice, 100, 0, 0)
	require.NoError(t, err)

	_, err = svc.CreateListing(owner.ID, land.ID, domain.ListingAuction, 50, 0, time.Hour)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestPlaceBidEscrowsAndRefundsPrevious(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	alice := ptesting.CreateUser(t, db, "alice", 500)
	bob := ptesting.CreateUser(t, db, "bob", 500)
	land := ptesting.CreateLand(t, db, seller.ID, 5, 5, domain.BiomeMountain)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuction, 100, 0, time.Hour)
	require.NoError(t, err)

	_, err = svc.PlaceBid(alice.ID, listing.ID, 100)
	require.NoError(t, err)

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotAlice, err := usersRepo.GetByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), gotAlice.Balance, "bid amount is held in escrow")

	// Bob must raise by the increment of 5: 104 is too low, 105 is the floor.
	_, err = svc.PlaceBid(bob.ID, listing.ID, 104)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))

	_, err = svc.PlaceBid(bob.ID, listing.ID, 105)
	require.NoError(t, err)

	gotAlice, err = usersRepo.GetByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), gotAlice.Balance, "outbid escrow is refunded")

	gotBob, err := usersRepo.GetByID(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(395), gotBob.Balance)
}

func TestPlaceBidRejectsSellerAndBelowMinimum(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 1000)
	bidder := ptesting.CreateUser(t, db, "bidder", 1000)
	land := ptesting.CreateLand(t, db, seller.ID, 6, 6, domain.BiomeSnow)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuction, 100, 0, time.Hour)
	require.NoError(t, err)

	_, err = svc.PlaceBid(seller.ID, listing.ID, 100)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	_, err = svc.PlaceBid(bidder.ID, listing.ID, 99)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestLateBidExtendsDeadline(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	bidder := ptesting.CreateUser(t, db, "bidder", 1000)
	land := ptesting.CreateLand(t, db, seller.ID, 7, 7, domain.BiomeBeach)

	// Auction ending in 90 seconds: first check a bid outside the window
	// leaves the deadline alone.
	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuction, 100, 0, 90*time.Second)
	require.NoError(t, err)
	originalEnd := *listing.EndsAt

	_, err = svc.PlaceBid(bidder.ID, listing.ID, 100)
	require.NoError(t, err)

	got, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, originalEnd.Unix(), got.EndsAt.Unix())

	// A second auction inside the final-minute window extends by 120s.
	land2 := ptesting.CreateLand(t, db, seller.ID, 8, 8, domain.BiomeBeach)
	listing2, err := svc.CreateListing(seller.ID, land2.ID, domain.ListingAuction, 100, 0, time.Minute)
	require.NoError(t, err)
	originalEnd2 := *listing2.EndsAt

	_, err = svc.PlaceBid(bidder.ID, listing2.ID, 100)
	require.NoError(t, err)

	got2, err := svc.repo.GetListing(listing2.ID)
	require.NoError(t, err)
	assert.Equal(t, originalEnd2.Add(120*time.Second).Unix(), got2.EndsAt.Unix())
}

func TestCompleteAuctionSettlesWinner(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	winner := ptesting.CreateUser(t, db, "winner", 1000)
	land := ptesting.CreateLand(t, db, seller.ID, 9, 9, domain.BiomeOcean)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuction, 200, 0, time.Hour)
	require.NoError(t, err)

	_, err = svc.PlaceBid(winner.ID, listing.ID, 200)
	require.NoError(t, err)

	txn, err := svc.CompleteAuction(listing.ID)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, domain.TxAuctionSale, txn.Kind)
	assert.Equal(t, int64(200), txn.Amount)
	assert.Equal(t, int64(10), txn.Fee)

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotSeller, err := usersRepo.GetByID(seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(190), gotSeller.Balance)

	// The winner paid at bid time; settlement must not debit again.
	gotWinner, err := usersRepo.GetByID(winner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(800), gotWinner.Balance)

	landsRepo := lands.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotLand, err := landsRepo.GetByID(land.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, *gotLand.OwnerID)

	// Second completion is a conflict, not a double payout.
	_, err = svc.CompleteAuction(listing.ID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
	gotSeller, err = usersRepo.GetByID(seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(190), gotSeller.Balance)
}

func TestCompleteAuctionWithoutBidsExpires(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	land := ptesting.CreateLand(t, db, seller.ID, 10, 10, domain.BiomePlains)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuction, 100, 0, time.Hour)
	require.NoError(t, err)

	txn, err := svc.CompleteAuction(listing.ID)
	require.NoError(t, err)
	assert.Nil(t, txn)

	got, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingExpired, got.Status)
	assert.Equal(t, seller.ID, *mustLand(t, db, land.ID).OwnerID)
}

func TestCancelListingRefundsLeader(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	bidder := ptesting.CreateUser(t, db, "bidder", 300)
	land := ptesting.CreateLand(t, db, seller.ID, 11, 11, domain.BiomeForest)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuction, 100, 0, time.Hour)
	require.NoError(t, err)

	_, err = svc.PlaceBid(bidder.ID, listing.ID, 150)
	require.NoError(t, err)

	err = svc.CancelListing(bidder.ID, listing.ID)
	require.Error(t, err, "only the seller can cancel")

	err = svc.CancelListing(seller.ID, listing.ID)
	require.NoError(t, err)

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotBidder, err := usersRepo.GetByID(bidder.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), gotBidder.Balance)

	got, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingCancelled, got.Status)
}

func TestSweepExpiredSettlesOnlyPastDeadline(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	bidder := ptesting.CreateUser(t, db, "bidder", 1000)

	// One auction already past its deadline, one still open.
	expired := ptesting.CreateLand(t, db, seller.ID, 12, 12, domain.BiomeDesert)
	open := ptesting.CreateLand(t, db, seller.ID, 13, 13, domain.BiomeDesert)

	expiredListing, err := svc.CreateListing(seller.ID, expired.ID, domain.ListingAuction, 100, 0, time.Minute)
	require.NoError(t, err)
	_, err = svc.PlaceBid(bidder.ID, expiredListing.ID, 100)
	require.NoError(t, err)

	// Force the deadline into the past.
	_, err = db.Exec(`UPDATE listings SET ends_at = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).Unix(), expiredListing.ID)
	require.NoError(t, err)

	openListing, err := svc.CreateListing(seller.ID, open.ID, domain.ListingAuction, 100, 0, time.Hour)
	require.NoError(t, err)

	settled, err := svc.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	gotExpired, err := svc.repo.GetListing(expiredListing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, gotExpired.Status)

	gotOpen, err := svc.repo.GetListing(openListing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, gotOpen.Status)
}

func TestCreateListingAuctionBuyNowValidation(t *testing.T) {
	svc, db := setupService(t)

	owner := ptesting.CreateUser(t, db, "owner", 0)
	land := ptesting.CreateLand(t, db, owner.ID, 14, 14, domain.BiomeForest)

	// The buy-now price must exceed the starting price.
	_, err := svc.CreateListing(owner.ID, land.ID, domain.ListingAuctionBuyNow, 100, 100, time.Hour)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	// A buy-now price on a plain auction is rejected.
	_, err = svc.CreateListing(owner.ID, land.ID, domain.ListingAuction, 100, 300, time.Hour)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	listing, err := svc.CreateListing(owner.ID, land.ID, domain.ListingAuctionBuyNow, 100, 300, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, listing.EndsAt)

	got, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BuyNowPrice)
	assert.Equal(t, int64(300), *got.BuyNowPrice)
}

func TestBuyNowClosesAuctionAndRefundsLeader(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	alice := ptesting.CreateUser(t, db, "alice", 500)
	buyer := ptesting.CreateUser(t, db, "buyer", 500)
	land := ptesting.CreateLand(t, db, seller.ID, 15, 15, domain.BiomeDesert)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuctionBuyNow, 100, 300, time.Hour)
	require.NoError(t, err)

	_, err = svc.PlaceBid(alice.ID, listing.ID, 150)
	require.NoError(t, err)

	txn, err := svc.BuyNow(buyer.ID, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), txn.Amount)
	assert.Equal(t, int64(15), txn.Fee)

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotAlice, err := usersRepo.GetByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), gotAlice.Balance, "leader's escrow is refunded")

	gotBuyer, err := usersRepo.GetByID(buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), gotBuyer.Balance)

	gotSeller, err := usersRepo.GetByID(seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(285), gotSeller.Balance)

	assert.Equal(t, buyer.ID, *mustLand(t, db, land.ID).OwnerID)

	got, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, got.Status)

	bids, err := svc.repo.BidsForListing(listing.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, domain.BidRefunded, bids[0].Status)
}

func TestBidAtBuyNowThresholdClosesAuction(t *testing.T) {
	svc, db := setupService(t)

	seller := ptesting.CreateUser(t, db, "seller", 0)
	alice := ptesting.CreateUser(t, db, "alice", 500)
	bob := ptesting.CreateUser(t, db, "bob", 500)
	land := ptesting.CreateLand(t, db, seller.ID, 16, 16, domain.BiomeMountain)

	listing, err := svc.CreateListing(seller.ID, land.ID, domain.ListingAuctionBuyNow, 100, 300, time.Hour)
	require.NoError(t, err)

	// Below the threshold a bid escrows like any auction bid.
	_, err = svc.PlaceBid(alice.ID, listing.ID, 150)
	require.NoError(t, err)
	got, err := svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, got.Status)

	// At or above the threshold the bid becomes an immediate purchase.
	bid, err := svc.PlaceBid(bob.ID, listing.ID, 320)
	require.NoError(t, err)
	assert.Equal(t, domain.BidWon, bid.Status)
	assert.Equal(t, int64(300), bid.Amount, "charged the buy-now price, not the raw bid")

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	gotBob, err := usersRepo.GetByID(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), gotBob.Balance)

	gotAlice, err := usersRepo.GetByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), gotAlice.Balance, "outbid escrow is refunded")

	gotSeller, err := usersRepo.GetByID(seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(285), gotSeller.Balance)

	got, err = svc.repo.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, got.Status)
	assert.Equal(t, bob.ID, *mustLand(t, db, land.ID).OwnerID)
}

func mustLand(t *testing.T, db *database.DB, id string) *domain.Land {
	t.Helper()
	land, err := lands.NewRepository(db.Conn(), ptesting.SilentLogger()).GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, land)
	return land
}
