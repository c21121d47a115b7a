package biomemarket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/modules/ledger"
	"github.com/parcelworld/parcel/internal/modules/users"
	"github.com/parcelworld/parcel/internal/modules/wallet"
	ptesting "github.com/parcelworld/parcel/internal/testing"
)

func setupService(t *testing.T) (*Service, *database.DB) {
	t.Helper()

	worldDB := ptesting.NewTestDB(t, "world")
	cacheDB := ptesting.NewTestDB(t, "cache")
	log := ptesting.SilentLogger()

	usersRepo := users.NewRepository(worldDB.Conn(), log)
	repo := NewRepository(worldDB.Conn(), log)
	history := NewHistory(cacheDB, log)
	walletSvc := wallet.NewService(usersRepo, log)
	ledgerRepo := ledger.NewRepository(worldDB.Conn(), log)
	eventMgr := events.NewManager(events.NewBus(log), log)

	svc := NewService(worldDB, repo, history, walletSvc, ledgerRepo, eventMgr, Config{
		Fee:         0.02,
		MaxSingleTx: 0.10,
	}, log)

	return svc, worldDB
}

func TestBuyMintsSharesAndMovesPool(t *testing.T) {
	svc, db := setupService(t)

	user := ptesting.CreateUser(t, db, "trader", 1000)
	ptesting.SeedMarket(t, db, domain.BiomeForest, 1000, 10, 100)

	txn, err := svc.Buy(user.ID, domain.BiomeForest, 100)
	require.NoError(t, err)

	// Fee 2 burns; net 98 enters the pool and mints 0.98 shares at 100.
	assert.Equal(t, int64(100), txn.Amount)
	assert.Equal(t, int64(2), txn.Fee)
	require.NotNil(t, txn.Shares)
	assert.InDelta(t, 0.98, *txn.Shares, 1e-9)

	market, err := svc.repo.Get(domain.BiomeForest)
	require.NoError(t, err)
	assert.Equal(t, int64(1098), market.Pool)
	assert.InDelta(t, 10.98, market.TotalShares, 1e-9)
	assert.Equal(t, int64(100), market.Price)

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	got, err := usersRepo.GetByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.Balance)
}

func TestBuySafeguardLimitsSingleTransaction(t *testing.T) {
	svc, db := setupService(t)

	user := ptesting.CreateUser(t, db, "whale", 10000)
	ptesting.SeedMarket(t, db, domain.BiomeOcean, 1000, 10, 100)

	// Limit is floor(1000 * 0.10) = 100: the boundary passes, one over fails.
	_, err := svc.Buy(user.ID, domain.BiomeOcean, 101)
	require.Error(t, err)
	assert.Equal(t, domain.CodeSafeguard, domain.CodeOf(err))

	_, err = svc.Buy(user.ID, domain.BiomeOcean, 100)
	require.NoError(t, err)
}

func TestBuyInsufficientFunds(t *testing.T) {
	svc, db := setupService(t)

	user := ptesting.CreateUser(t, db, "broke", 10)
	ptesting.SeedMarket(t, db, domain.BiomeDesert, 1000, 10, 100)

	_, err := svc.Buy(user.ID, domain.BiomeDesert, 50)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInsufficientFunds, domain.CodeOf(err))
}

func TestSellRedeemsSharesMinusFee(t *testing.T) {
	svc, db := setupService(t)

	user := ptesting.CreateUser(t, db, "trader", 1000)
	ptesting.SeedMarket(t, db, domain.BiomePlains, 1000, 10, 100)

	_, err := svc.Buy(user.ID, domain.BiomePlains, 100)
	require.NoError(t, err)

	txn, err := svc.Sell(user.ID, domain.BiomePlains, 0.5)
	require.NoError(t, err)

	// Gross floor(0.5 * 100) = 50, fee 1, user credited 49.
	assert.Equal(t, int64(50), txn.Amount)
	assert.Equal(t, int64(1), txn.Fee)

	usersRepo := users.NewRepository(db.Conn(), ptesting.SilentLogger())
	got, err := usersRepo.GetByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(949), got.Balance)

	market, err := svc.repo.Get(domain.BiomePlains)
	require.NoError(t, err)
	assert.Equal(t, int64(1048), market.Pool)
	assert.InDelta(t, 10.48, market.TotalShares, 1e-9)
}

func TestSellRejectsOversoldPosition(t *testing.T) {
	svc, db := setupService(t)

	user := ptesting.CreateUser(t, db, "trader", 1000)
	ptesting.SeedMarket(t, db, domain.BiomeSnow, 1000, 10, 100)

	_, err := svc.Sell(user.ID, domain.BiomeSnow, 1)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestPortfolioValuesHoldingsAtCurrentPrice(t *testing.T) {
	svc, db := setupService(t)

	user := ptesting.CreateUser(t, db, "trader", 1000)
	ptesting.SeedMarket(t, db, domain.BiomeForest, 1000, 10, 100)
	ptesting.SeedMarket(t, db, domain.BiomeBeach, 500, 5, 100)

	_, err := svc.Buy(user.ID, domain.BiomeForest, 100)
	require.NoError(t, err)
	_, err = svc.Buy(user.ID, domain.BiomeBeach, 50)
	require.NoError(t, err)

	holdings, totalValue, err := svc.Portfolio(user.ID)
	require.NoError(t, err)
	assert.Len(t, holdings, 2)
	assert.Greater(t, totalValue, int64(0))
}

func TestTrackAttentionValidatesBiome(t *testing.T) {
	svc, db := setupService(t)
	user := ptesting.CreateUser(t, db, "walker", 0)

	err := svc.TrackAttention(user.ID, "void", 1.0)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	err = svc.TrackAttention(user.ID, domain.BiomeForest, 1.0)
	require.NoError(t, err)
}
