// Package di wires the application graph: databases, repositories,
// services, the websocket hub, the market engine and the background jobs.
package di

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/cache"
	"github.com/parcelworld/parcel/internal/config"
	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/hub"
	"github.com/parcelworld/parcel/internal/modules/biomemarket"
	biomemarkethandlers "github.com/parcelworld/parcel/internal/modules/biomemarket/handlers"
	"github.com/parcelworld/parcel/internal/modules/chat"
	chathandlers "github.com/parcelworld/parcel/internal/modules/chat/handlers"
	"github.com/parcelworld/parcel/internal/modules/lands"
	"github.com/parcelworld/parcel/internal/modules/ledger"
	"github.com/parcelworld/parcel/internal/modules/marketplace"
	marketplacehandlers "github.com/parcelworld/parcel/internal/modules/marketplace/handlers"
	"github.com/parcelworld/parcel/internal/modules/users"
	"github.com/parcelworld/parcel/internal/modules/wallet"
	"github.com/parcelworld/parcel/internal/reliability"
	"github.com/parcelworld/parcel/internal/scheduler"
)

// ErrStorage marks database open or migration failures so main can exit
// with a distinct code.
var ErrStorage = errors.New("storage unavailable")

// Market seeding defaults for a fresh world database.
const (
	seedPool   int64   = 1000
	seedShares float64 = 10
	seedPrice  int64   = 100
)

// Container holds every wired dependency.
type Container struct {
	Cfg *config.Config
	Log zerolog.Logger

	WorldDB *database.DB
	ChatDB  *database.DB
	CacheDB *database.DB

	EventManager *events.Manager
	Cache        *cache.Cache
	TokenStore   *cache.TokenStore
	LastSeen     *cache.LastSeenStore

	UsersRepo       *users.Repository
	LandsRepo       *lands.Repository
	LedgerRepo      *ledger.Repository
	BiomeMarketRepo *biomemarket.Repository

	Verifier           auth.Verifier
	WalletService      *wallet.Service
	ChatService        *chat.Service
	MarketplaceService *marketplace.Service
	BiomeMarketService *biomemarket.Service

	MarketEngine *biomemarket.Engine
	Hub          *hub.Hub
	Presence     *hub.Presence

	ChatHandlers        *chathandlers.Handler
	MarketplaceHandlers *marketplacehandlers.Handler
	BiomeMarketHandlers *biomemarkethandlers.Handler

	BackupService *reliability.BackupService
	Scheduler     *scheduler.Scheduler
}

// New builds the container. Databases are opened and migrated; the biome
// markets are seeded on first run.
func New(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Cfg: cfg, Log: log}

	if err := c.initDatabases(); err != nil {
		return nil, err
	}
	c.initCache()
	c.initRepositories()
	if err := c.initServices(); err != nil {
		c.Close()
		return nil, err
	}
	c.initHub()
	if err := c.initJobs(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) initDatabases() error {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		{"world", database.ProfileLedger, &c.WorldDB},
		{"chat", database.ProfileStandard, &c.ChatDB},
		{"cache", database.ProfileCache, &c.CacheDB},
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Name:    spec.name,
			Path:    filepath.Join(c.Cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
		})
		if err != nil {
			c.Close()
			return fmt.Errorf("%w: failed to open %s database: %v", ErrStorage, spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			c.Close()
			return fmt.Errorf("%w: failed to migrate %s database: %v", ErrStorage, spec.name, err)
		}
		*spec.target = db
	}
	return nil
}

func (c *Container) initCache() {
	c.EventManager = events.NewManager(events.NewBus(c.Log), c.Log)
	c.Cache = cache.New(c.CacheDB.Conn(), c.Log)
	c.TokenStore = cache.NewTokenStore(c.CacheDB.Conn(), c.Log)
	c.LastSeen = cache.NewLastSeenStore(c.CacheDB.Conn())
}

func (c *Container) initRepositories() {
	c.UsersRepo = users.NewRepository(c.WorldDB.Conn(), c.Log)
	c.LandsRepo = lands.NewRepository(c.WorldDB.Conn(), c.Log)
	c.LedgerRepo = ledger.NewRepository(c.WorldDB.Conn(), c.Log)
	c.BiomeMarketRepo = biomemarket.NewRepository(c.WorldDB.Conn(), c.Log)
}

func (c *Container) initServices() error {
	cfg := c.Cfg

	c.Verifier = auth.NewService(cfg.TokenSecret, cfg.TokenVerifyURL, c.TokenStore, c.Log)
	c.WalletService = wallet.NewService(c.UsersRepo, c.Log)

	if err := c.BiomeMarketRepo.Seed(seedPool, seedShares, seedPrice); err != nil {
		return fmt.Errorf("failed to seed biome markets: %w", err)
	}

	history := biomemarket.NewHistory(c.CacheDB, c.Log)
	c.BiomeMarketService = biomemarket.NewService(
		c.WorldDB,
		c.BiomeMarketRepo,
		history,
		c.WalletService,
		c.LedgerRepo,
		c.EventManager,
		biomemarket.Config{
			Fee:         cfg.BiomeFee,
			MaxSingleTx: cfg.MaxSingleTx,
		},
		c.Log,
	)
	c.MarketEngine = biomemarket.NewEngine(
		c.WorldDB,
		c.BiomeMarketRepo,
		history,
		c.EventManager,
		biomemarket.EngineConfig{
			Tick:              cfg.MarketTick,
			Jitter:            cfg.MarketTickJitter,
			RedistribFraction: cfg.RedistribFraction,
			MaxPriceMove:      cfg.MaxPriceMove,
		},
		c.Log,
	)

	c.MarketplaceService = marketplace.NewService(
		c.WorldDB,
		marketplace.NewRepository(c.WorldDB.Conn(), c.Log),
		c.LandsRepo,
		c.WalletService,
		c.LedgerRepo,
		c.EventManager,
		marketplace.Config{
			Fee:             cfg.MarketplaceFee,
			MinBidIncrement: cfg.MinBidIncrement,
			Extend:          cfg.AuctionExtend,
			ExtendWindow:    cfg.AuctionExtendWindow,
		},
		c.Log,
	)

	c.Presence = hub.NewPresence(c.LastSeen, c.Log)
	c.ChatService = chat.NewService(
		chat.NewRepository(c.ChatDB.Conn(), c.Log),
		c.LandsRepo,
		c.Presence,
		c.EventManager,
		chat.Config{
			HistoryLimit: cfg.HistoryLimit,
			Retention:    cfg.ChatRetention,
			TombstoneAge: 48 * time.Hour,
		},
		c.Log,
	)

	return nil
}

func (c *Container) initHub() {
	c.Hub = hub.New(
		c.Verifier,
		c.Presence,
		c.ChatService,
		c.LandsRepo,
		c.BiomeMarketService,
		c.EventManager,
		hub.Config{
			HeartbeatInterval: c.Cfg.HeartbeatInterval,
			OfflineGrace:      c.Cfg.OfflineGrace,
			SendQueueSize:     c.Cfg.SendQueueSize,
			ValidationStrikes: c.Cfg.ValidationStrikes,
			StrikeWindow:      c.Cfg.StrikeWindow,
			NearbyRadius:      c.Cfg.NearbyRadius,
			CallRingTimeout:   c.Cfg.CallRingTimeout,
		},
		c.Log,
	)
	c.ChatService.SetNotifier(c.Hub)

	c.ChatHandlers = chathandlers.NewHandler(c.ChatService, c.Log)
	c.MarketplaceHandlers = marketplacehandlers.NewHandler(c.MarketplaceService, c.LedgerRepo, c.Log)
	c.BiomeMarketHandlers = biomemarkethandlers.NewHandler(c.BiomeMarketService, c.Log)
}

func (c *Container) initJobs() error {
	c.Scheduler = scheduler.New(c.Log)
	databases := []*database.DB{c.WorldDB, c.ChatDB, c.CacheDB}

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"*/5 * * * * *", scheduler.NewAuctionSweepJob(c.MarketplaceService, c.Log)},
		{"@hourly", scheduler.NewChatRetentionJob(c.ChatService, c.Log)},
		{"0 */5 * * * *", scheduler.NewCacheCleanupJob(c.Cache, c.TokenStore, c.BiomeMarketRepo, c.Log)},
		{"@hourly", scheduler.NewWALCheckpointJob(databases, c.Log)},
	}

	if c.Cfg.BackupsEnabled() {
		s3Client, err := reliability.NewS3Client(
			c.Cfg.S3Endpoint,
			c.Cfg.S3Region,
			c.Cfg.S3AccessKey,
			c.Cfg.S3SecretKey,
			c.Cfg.S3Bucket,
			c.Log,
		)
		if err != nil {
			return fmt.Errorf("failed to create s3 client: %w", err)
		}
		c.BackupService = reliability.NewBackupService(
			s3Client,
			databases,
			c.Cfg.DataDir,
			c.Cfg.BackupRetentionDays,
			c.EventManager,
			c.Log,
		)
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"@daily", scheduler.NewCloudBackupJob(c.BackupService, c.Log)})
	}

	for _, entry := range jobs {
		if err := c.Scheduler.AddJob(entry.schedule, entry.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", entry.job.Name(), err)
		}
	}
	return nil
}

// Start starts the market engine and the scheduler.
func (c *Container) Start() {
	c.MarketEngine.Start()
	c.Scheduler.Start()
}

// Stop stops background work in reverse order.
func (c *Container) Stop() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.MarketEngine != nil {
		c.MarketEngine.Stop()
	}
}

// Close closes the databases.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.CacheDB, c.ChatDB, c.WorldDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.Log.Error().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}
