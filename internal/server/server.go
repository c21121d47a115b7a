// Package server provides the HTTP server and routing for Parcel.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/auth"
	"github.com/parcelworld/parcel/internal/config"
	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/hub"
	"github.com/parcelworld/parcel/internal/reliability"

	biomemarkethandlers "github.com/parcelworld/parcel/internal/modules/biomemarket/handlers"
	chathandlers "github.com/parcelworld/parcel/internal/modules/chat/handlers"
	marketplacehandlers "github.com/parcelworld/parcel/internal/modules/marketplace/handlers"
)

// Config holds everything the HTTP surface needs.
type Config struct {
	Log      zerolog.Logger
	Cfg      *config.Config
	Verifier auth.Verifier
	Hub      *hub.Hub

	WorldDB *database.DB
	ChatDB  *database.DB
	CacheDB *database.DB

	ChatHandlers        *chathandlers.Handler
	MarketplaceHandlers *marketplacehandlers.Handler
	BiomeMarketHandlers *biomemarkethandlers.Handler

	// Backup is nil when S3 is not configured; the admin endpoints then
	// report 503.
	Backup *reliability.BackupService
}

// Server is the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	cfg      *config.Config
	verifier auth.Verifier
	hub      *hub.Hub

	system *systemHandlers
	admin  *adminHandlers

	chatHandlers        *chathandlers.Handler
	marketplaceHandlers *marketplacehandlers.Handler
	biomeMarketHandlers *biomemarkethandlers.Handler
}

// New creates the server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:              chi.NewRouter(),
		log:                 cfg.Log.With().Str("component", "server").Logger(),
		cfg:                 cfg.Cfg,
		verifier:            cfg.Verifier,
		hub:                 cfg.Hub,
		system:              newSystemHandlers([]*database.DB{cfg.WorldDB, cfg.ChatDB, cfg.CacheDB}, cfg.Log),
		admin:               newAdminHandlers(cfg.Backup, cfg.Log),
		chatHandlers:        cfg.ChatHandlers,
		marketplaceHandlers: cfg.MarketplaceHandlers,
		biomeMarketHandlers: cfg.BiomeMarketHandlers,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	allowedOrigins := s.cfg.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes wires the REST and websocket surfaces. The websocket mounts
// authenticate via ?token= inside the hub because browsers cannot set
// headers on upgrade requests; everything else under auth takes a bearer
// token. Health and status stay open for probes.
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.system.handleHealth)
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.system.handleStatus)
			r.Get("/databases", s.system.handleDatabases)
		})
	})

	s.router.Get("/ws/connect", s.hub.HandleConnect)
	s.router.Get("/webrtc/signal", s.hub.HandleConnect)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Websocket timeouts are per-read inside the hub; everything else
		// gets the blanket request timeout.
		r.Use(middleware.Timeout(60 * time.Second))

		s.chatHandlers.RegisterRoutes(r)
		s.marketplaceHandlers.RegisterRoutes(r)
		s.biomeMarketHandlers.RegisterRoutes(r)

		r.Route("/presence", func(r chi.Router) {
			r.Get("/nearby", s.handleNearby)
			r.Get("/{userID}", s.handlePresence)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/backup", s.admin.handleTriggerBackup)
			r.Get("/backups", s.admin.handleListBackups)
		})
	})
}

// Start starts the HTTP server. Blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.hub.Shutdown()
	return s.server.Shutdown(ctx)
}

// Router exposes the route tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
