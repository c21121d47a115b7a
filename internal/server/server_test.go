package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	ptesting "github.com/parcelworld/parcel/internal/testing"
)

const testSecret = "test-secret"

func setupServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()

	worldDB := ptesting.NewTestDB(t, "world")
	chatDB := ptesting.NewTestDB(t, "chat")
	cacheDB := ptesting.NewTestDB(t, "cache")
	log := ptesting.SilentLogger()

	eventManager := events.NewManager(events.NewBus(log), log)
	landsRepo := lands.NewRepository(worldDB.Conn(), log)
	ledgerRepo := ledger.NewRepository(worldDB.Conn(), log)
	walletSvc := wallet.NewService(users.NewRepository(worldDB.Conn(), log), log)
	presence := hub.NewPresence(cache.NewLastSeenStore(cacheDB.Conn()), log)

	chatSvc := chat.NewService(
		chat.NewRepository(chatDB.Conn(), log),
		landsRepo,
		presence,
		eventManager,
		chat.Config{HistoryLimit: 100, Retention: 720 * time.Hour, TombstoneAge: 48 * time.Hour},
		log,
	)

	marketRepo := biomemarket.NewRepository(worldDB.Conn(), log)
	require.NoError(t, marketRepo.Seed(1000, 10, 100))
	biomeSvc := biomemarket.NewService(
		worldDB,
		marketRepo,
		biomemarket.NewHistory(cacheDB, log),
		walletSvc,
		ledgerRepo,
		eventManager,
		biomemarket.Config{Fee: 0.02, MaxSingleTx: 0.10},
		log,
	)

	marketplaceSvc := marketplace.NewService(
		worldDB,
		marketplace.NewRepository(worldDB.Conn(), log),
		landsRepo,
		walletSvc,
		ledgerRepo,
		eventManager,
		marketplace.Config{
			Fee:             0.05,
			MinBidIncrement: 50,
			Extend:          2 * time.Minute,
			ExtendWindow:    time.Minute,
		},
		log,
	)

	verifier := auth.NewService(testSecret, "", nil, log)
	h := hub.New(verifier, presence, chatSvc, landsRepo, biomeSvc, eventManager, hub.Config{
		HeartbeatInterval: 30 * time.Second,
		OfflineGrace:      time.Second,
		SendQueueSize:     64,
		ValidationStrikes: 10,
		StrikeWindow:      time.Minute,
		NearbyRadius:      5,
		CallRingTimeout:   time.Minute,
	}, log)
	chatSvc.SetNotifier(h)

	srv := New(Config{
		Log:                 log,
		Cfg:                 &config.Config{Port: 0, NearbyRadius: 5},
		Verifier:            verifier,
		Hub:                 h,
		WorldDB:             worldDB,
		ChatDB:              chatDB,
		CacheDB:             cacheDB,
		ChatHandlers:        chathandlers.NewHandler(chatSvc, log),
		MarketplaceHandlers: marketplacehandlers.NewHandler(marketplaceSvc, ledgerRepo, log),
		BiomeMarketHandlers: biomemarkethandlers.NewHandler(biomeSvc, log),
	})

	return srv, worldDB
}

func get(t *testing.T, srv *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := setupServer(t)

	rec := get(t, srv, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestSystemDatabasesReportsAllThree(t *testing.T) {
	srv, _ := setupServer(t)

	rec := get(t, srv, "/api/system/databases", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	for _, name := range []string{"world", "chat", "cache"} {
		assert.Contains(t, rec.Body.String(), name)
	}
}

func TestAuthMiddlewareGuardsAPI(t *testing.T) {
	srv, _ := setupServer(t)

	rec := get(t, srv, "/biome-market/markets", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, srv, "/biome-market/markets", "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := auth.MintToken(testSecret, "alice", time.Minute)
	rec = get(t, srv, "/biome-market/markets", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forest")
}

func TestPresenceEndpoints(t *testing.T) {
	srv, _ := setupServer(t)
	token := auth.MintToken(testSecret, "alice", time.Minute)

	rec := get(t, srv, "/presence/bob", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"online":false`)

	rec = get(t, srv, "/presence/nearby?radius=3", token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, srv, "/presence/nearby?radius=-1", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminBackupUnconfigured(t *testing.T) {
	srv, _ := setupServer(t)
	token := auth.MintToken(testSecret, "alice", time.Minute)

	rec := get(t, srv, "/admin/backups", token)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
