package biomemarket

import (
	"database/sql"
	"math"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/modules/ledger"
	"github.com/parcelworld/parcel/internal/modules/wallet"
)

// Config holds the biome market tunables.
type Config struct {
	Fee         float64 // fee fraction on buys and sells (0.02)
	MaxSingleTx float64 // single-transaction pool fraction safeguard (0.10)
}

// Indicator periods for the stats surface.
const (
	smaPeriod = 20
	emaPeriod = 20
	rsiPeriod = 14
)

// Service executes biome share trades and serves market state. Trades run
// inside one world-database transaction like the rest of the engine.
type Service struct {
	worldDB *database.DB
	repo    *Repository
	history *History
	wallet  *wallet.Service
	ledger  *ledger.Repository
	events  *events.Manager
	cfg     Config
	log     zerolog.Logger
}

// NewService creates a biome market service.
func NewService(
	worldDB *database.DB,
	repo *Repository,
	history *History,
	walletSvc *wallet.Service,
	ledgerRepo *ledger.Repository,
	eventManager *events.Manager,
	cfg Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		worldDB: worldDB,
		repo:    repo,
		history: history,
		wallet:  walletSvc,
		ledger:  ledgerRepo,
		events:  eventManager,
		cfg:     cfg,
		log:     log.With().Str("service", "biomemarket").Logger(),
	}
}

// maxSingleTx is the largest amount one transaction may move against a
// pool, never below 1 so tiny pools stay tradable.
func (s *Service) maxSingleTx(pool int64) int64 {
	limit := int64(float64(pool) * s.cfg.MaxSingleTx)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// derivePrice recomputes a market's display price from its pool.
func derivePrice(pool int64, totalShares float64) int64 {
	if totalShares <= 0 {
		return 1
	}
	price := int64(math.Round(float64(pool) / totalShares))
	if price < 1 {
		price = 1
	}
	return price
}

// Buy purchases biome shares for amount currency. The net of fee enters the
// pool and mints shares at the pre-trade price.
func (s *Service) Buy(userID string, biome domain.Biome, amount int64) (*domain.Transaction, error) {
	if !domain.ValidBiome(biome) {
		return nil, domain.ErrValidation("unknown biome %q", biome)
	}
	if amount < 1 {
		return nil, domain.ErrValidation("amount must be at least 1, got %d", amount)
	}

	var txn *domain.Transaction

	err := database.WithTransaction(s.worldDB.Conn(), func(tx *sql.Tx) error {
		market, err := s.repo.GetTx(tx, biome)
		if err != nil {
			return err
		}
		if market == nil {
			return domain.ErrNotFound("market %s not found", biome)
		}

		if limit := s.maxSingleTx(market.Pool); amount > limit {
			return domain.ErrSafeguard(
				"amount %d exceeds single-transaction limit %d for %s", amount, limit, biome)
		}

		locked, err := s.wallet.LockBalances(tx, userID)
		if err != nil {
			return err
		}
		if err := s.wallet.Debit(tx, locked[userID], amount); err != nil {
			return err
		}

		fee := int64(float64(amount) * s.cfg.Fee)
		net := amount - fee
		minted := float64(net) / float64(market.Price)

		holding, err := s.repo.GetHoldingTx(tx, userID, biome)
		if err != nil {
			return err
		}
		if err := s.repo.SetHoldingTx(tx, userID, biome, holding+minted); err != nil {
			return err
		}

		market.Pool += net
		market.TotalShares += minted
		market.Price = derivePrice(market.Pool, market.TotalShares)
		if err := s.repo.UpdateTx(tx, market); err != nil {
			return err
		}

		b := biome
		txn = &domain.Transaction{
			Kind:    domain.TxBiomeBuy,
			BuyerID: userID,
			Biome:   &b,
			Amount:  amount,
			Fee:     fee,
			Shares:  &minted,
		}
		return s.ledger.CreateTx(tx, txn)
	})
	if err != nil {
		return nil, err
	}

	s.emitTrade(txn)
	return txn, nil
}

// Sell redeems biome shares at the current price. The gross payout leaves
// the pool; the user receives it minus fee.
func (s *Service) Sell(userID string, biome domain.Biome, shares float64) (*domain.Transaction, error) {
	if !domain.ValidBiome(biome) {
		return nil, domain.ErrValidation("unknown biome %q", biome)
	}
	if shares <= 0 {
		return nil, domain.ErrValidation("shares must be positive, got %f", shares)
	}

	var txn *domain.Transaction

	err := database.WithTransaction(s.worldDB.Conn(), func(tx *sql.Tx) error {
		market, err := s.repo.GetTx(tx, biome)
		if err != nil {
			return err
		}
		if market == nil {
			return domain.ErrNotFound("market %s not found", biome)
		}

		holding, err := s.repo.GetHoldingTx(tx, userID, biome)
		if err != nil {
			return err
		}
		if shares > holding {
			return domain.ErrConflict("holding %f is less than %f shares", holding, shares)
		}

		gross := int64(shares * float64(market.Price))
		if gross < 1 {
			return domain.ErrValidation("payout for %f shares rounds to zero", shares)
		}
		if limit := s.maxSingleTx(market.Pool); gross > limit {
			return domain.ErrSafeguard(
				"payout %d exceeds single-transaction limit %d for %s", gross, limit, biome)
		}

		locked, err := s.wallet.LockBalances(tx, userID)
		if err != nil {
			return err
		}

		fee := int64(float64(gross) * s.cfg.Fee)
		if err := s.wallet.Credit(tx, locked[userID], gross-fee); err != nil {
			return err
		}
		if err := s.repo.SetHoldingTx(tx, userID, biome, holding-shares); err != nil {
			return err
		}

		market.Pool -= gross
		market.TotalShares -= shares
		if market.TotalShares < 0 {
			market.TotalShares = 0
		}
		market.Price = derivePrice(market.Pool, market.TotalShares)
		if err := s.repo.UpdateTx(tx, market); err != nil {
			return err
		}

		b := biome
		sold := shares
		txn = &domain.Transaction{
			Kind:    domain.TxBiomeSell,
			BuyerID: userID,
			Biome:   &b,
			Amount:  gross,
			Fee:     fee,
			Shares:  &sold,
		}
		return s.ledger.CreateTx(tx, txn)
	})
	if err != nil {
		return nil, err
	}

	s.emitTrade(txn)
	return txn, nil
}

// TrackAttention appends an attention event consumed by the next market
// tick. Weight defaults to 1.0 upstream.
func (s *Service) TrackAttention(userID string, biome domain.Biome, weight float64) error {
	if !domain.ValidBiome(biome) {
		return domain.ErrValidation("unknown biome %q", biome)
	}
	if weight <= 0 {
		return domain.ErrValidation("weight must be positive, got %f", weight)
	}
	return s.repo.RecordAttention(userID, biome, weight)
}

// Markets returns all seven markets.
func (s *Service) Markets() ([]domain.Market, error) {
	return s.repo.GetAll()
}

// Portfolio returns the user's positions with current market value.
func (s *Service) Portfolio(userID string) ([]domain.Holding, int64, error) {
	holdings, err := s.repo.Portfolio(userID)
	if err != nil {
		return nil, 0, err
	}

	markets, err := s.repo.GetAll()
	if err != nil {
		return nil, 0, err
	}
	prices := make(map[domain.Biome]int64, len(markets))
	for _, m := range markets {
		prices[m.Biome] = m.Price
	}

	var totalValue int64
	for _, h := range holdings {
		totalValue += int64(h.Shares * float64(prices[h.Biome]))
	}
	return holdings, totalValue, nil
}

// MarketStats are derived indicators over a biome's price history. Pointer
// fields are nil while history is shorter than the indicator period.
type MarketStats struct {
	Points int      `json:"points"`
	Mean   float64  `json:"mean"`
	StdDev float64  `json:"std_dev"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	SMA    *float64 `json:"sma_20,omitempty"`
	EMA    *float64 `json:"ema_20,omitempty"`
	RSI    *float64 `json:"rsi_14,omitempty"`
}

// Stats returns the market plus indicators for one biome.
func (s *Service) Stats(biome domain.Biome) (*domain.Market, *MarketStats, error) {
	if !domain.ValidBiome(biome) {
		return nil, nil, domain.ErrValidation("unknown biome %q", biome)
	}

	market, err := s.repo.Get(biome)
	if err != nil {
		return nil, nil, err
	}
	if market == nil {
		return nil, nil, domain.ErrNotFound("market %s not found", biome)
	}

	points, err := s.history.Points(string(biome), 0)
	if err != nil {
		return nil, nil, err
	}

	stats := &MarketStats{Points: len(points)}
	if len(points) == 0 {
		return market, stats, nil
	}

	closes := make([]float64, len(points))
	for i, p := range points {
		closes[i] = float64(p.Price)
	}

	stats.Mean = stat.Mean(closes, nil)
	if len(closes) > 1 {
		stats.StdDev = stat.StdDev(closes, nil)
	}
	stats.Min = floats.Min(closes)
	stats.Max = floats.Max(closes)

	if len(closes) >= smaPeriod {
		sma := talib.Sma(closes, smaPeriod)
		v := sma[len(sma)-1]
		stats.SMA = &v
	}
	if len(closes) >= emaPeriod {
		ema := talib.Ema(closes, emaPeriod)
		v := ema[len(ema)-1]
		stats.EMA = &v
	}
	if len(closes) > rsiPeriod {
		rsi := talib.Rsi(closes, rsiPeriod)
		v := rsi[len(rsi)-1]
		stats.RSI = &v
	}

	return market, stats, nil
}

func (s *Service) emitTrade(txn *domain.Transaction) {
	data := &events.TradeExecutedData{
		Kind:    string(txn.Kind),
		BuyerID: txn.BuyerID,
		Amount:  txn.Amount,
		Fee:     txn.Fee,
	}
	if txn.Biome != nil {
		data.Biome = string(*txn.Biome)
	}
	if txn.Shares != nil {
		data.Shares = *txn.Shares
	}
	s.events.EmitTyped("biomemarket", data)
}
