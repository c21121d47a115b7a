package biomemarket

import (
	"database/sql"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
)

// EngineConfig holds the redistribution tick tunables.
type EngineConfig struct {
	Tick              time.Duration // base tick period (500ms)
	Jitter            time.Duration // uniform jitter applied per tick (±50ms)
	RedistribFraction float64       // pool fraction withdrawn per tick (0.25)
	MaxPriceMove      float64       // per-tick price clamp (0.05)
}

// Engine runs the attention-driven market redistribution loop. Each tick
// withdraws a fraction of every pool into a purse and redeposits it
// proportionally to the attention accumulated since the previous tick. The
// purse is conserved exactly: integer allocation by largest remainder.
type Engine struct {
	worldDB *database.DB
	repo    *Repository
	history *History
	events  *events.Manager
	cfg     EngineConfig
	log     zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a market engine.
func NewEngine(
	worldDB *database.DB,
	repo *Repository,
	history *History,
	eventManager *events.Manager,
	cfg EngineConfig,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		worldDB: worldDB,
		repo:    repo,
		history: history,
		events:  eventManager,
		cfg:     cfg,
		log:     log.With().Str("component", "market_engine").Logger(),
	}
}

// Start starts the tick loop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started && !e.stopped {
		e.log.Warn().Msg("Market engine already started, ignoring")
		return
	}
	if e.stopped {
		e.stopped = false
	}
	e.stop = make(chan struct{})
	e.started = true

	e.wg.Add(1)
	go e.loop()

	e.log.Info().
		Dur("tick", e.cfg.Tick).
		Dur("jitter", e.cfg.Jitter).
		Msg("Market engine started")
}

// Stop stops the loop and waits for the in-flight tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info().Msg("Market engine stopped")
}

// loop ticks with per-iteration jitter so market updates don't land on a
// fixed cadence clients could front-run.
func (e *Engine) loop() {
	defer e.wg.Done()

	timer := time.NewTimer(e.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-timer.C:
			if err := e.Tick(); err != nil {
				e.log.Error().Err(err).Msg("Market tick failed")
			}
			timer.Reset(e.nextInterval())
		}
	}
}

// nextInterval returns the tick period with uniform jitter in [-J, +J].
func (e *Engine) nextInterval() time.Duration {
	if e.cfg.Jitter <= 0 {
		return e.cfg.Tick
	}
	jitter := time.Duration(rand.Int63n(int64(2*e.cfg.Jitter))) - e.cfg.Jitter
	interval := e.cfg.Tick + jitter
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

// tickResult carries one biome's post-tick state out of the transaction so
// events and history writes happen after commit.
type tickResult struct {
	biome       domain.Biome
	price       int64
	pool        int64
	totalShares float64
	pctChange   float64
}

// Tick executes one redistribution round in a single world transaction and
// publishes the per-biome MARKET_TICK envelopes afterwards.
func (e *Engine) Tick() error {
	var results []tickResult

	err := database.WithTransaction(e.worldDB.Conn(), func(tx *sql.Tx) error {
		markets, err := e.repo.GetAllTx(tx)
		if err != nil {
			return err
		}
		if len(markets) == 0 {
			return nil
		}

		attention, err := e.repo.ConsumeAttentionTx(tx)
		if err != nil {
			return err
		}

		// Withdrawal: every pool contributes its fraction to the purse.
		var purse int64
		withdrawn := make([]int64, len(markets))
		for i := range markets {
			w := int64(float64(markets[i].Pool) * e.cfg.RedistribFraction)
			withdrawn[i] = w
			markets[i].Pool -= w
			purse += w
		}

		deposits := allocatePurse(purse, markets, attention)

		results = results[:0]
		for i := range markets {
			m := &markets[i]
			m.Pool += deposits[i]

			prev := m.Price
			m.Price = clampPrice(derivePrice(m.Pool, m.TotalShares), prev, e.cfg.MaxPriceMove)

			pctChange := 0.0
			if prev > 0 {
				pctChange = (float64(m.Price) - float64(prev)) / float64(prev) * 100
			}

			if err := e.repo.UpdateTx(tx, m); err != nil {
				return err
			}
			results = append(results, tickResult{
				biome:       m.Biome,
				price:       m.Price,
				pool:        m.Pool,
				totalShares: m.TotalShares,
				pctChange:   pctChange,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	atMs := time.Now().UnixMilli()
	for _, r := range results {
		e.events.EmitTyped("biomemarket", &events.MarketTickData{
			Biome:       string(r.biome),
			Price:       r.price,
			Pool:        r.pool,
			TotalShares: r.totalShares,
			PctChange:   r.pctChange,
			At:          atMs,
		})

		if err := e.history.Record(string(r.biome), r.price, r.pool, atMs); err != nil {
			e.log.Error().Err(err).Str("biome", string(r.biome)).Msg("Failed to record price history")
		}
	}

	return nil
}

// allocatePurse splits purse across markets proportionally to attention
// weight, by largest remainder so the integer purse is conserved exactly.
// Zero total attention returns the purse uniformly. Ties resolve in
// canonical biome order (the markets slice order).
func allocatePurse(purse int64, markets []domain.Market, attention map[domain.Biome]float64) []int64 {
	n := len(markets)
	deposits := make([]int64, n)
	if purse <= 0 || n == 0 {
		return deposits
	}

	weights := make([]float64, n)
	var total float64
	for i, m := range markets {
		weights[i] = attention[m.Biome]
		total += weights[i]
	}
	if total <= 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(n)
	}

	type remainder struct {
		index int
		frac  float64
	}
	remainders := make([]remainder, n)

	var allocated int64
	for i := range markets {
		exact := float64(purse) * weights[i] / total
		base := int64(math.Floor(exact))
		deposits[i] = base
		allocated += base
		remainders[i] = remainder{index: i, frac: exact - float64(base)}
	}

	sort.SliceStable(remainders, func(a, b int) bool {
		return remainders[a].frac > remainders[b].frac
	})

	for leftover := purse - allocated; leftover > 0; leftover-- {
		deposits[remainders[0].index]++
		remainders = append(remainders[1:], remainders[0])
	}

	return deposits
}

// clampPrice bounds price to ±move of prev, rounding the bounds toward
// prev so the clamp never exceeds the allowed fraction.
func clampPrice(price, prev int64, move float64) int64 {
	if prev <= 0 {
		return price
	}

	upper := int64(math.Floor(float64(prev) * (1 + move)))
	lower := int64(math.Ceil(float64(prev) * (1 - move)))
	if lower < 1 {
		lower = 1
	}

	if price > upper {
		return upper
	}
	if price < lower {
		return lower
	}
	return price
}
