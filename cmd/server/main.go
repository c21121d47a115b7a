// Package main is the entry point for the Parcel world server: the
// persistence layer, transaction engine, market engine, websocket hub and
// HTTP API behind the browser world client.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parcelworld/parcel/internal/config"
	"github.com/parcelworld/parcel/internal/di"
	"github.com/parcelworld/parcel/internal/server"
	"github.com/parcelworld/parcel/internal/version"
	"github.com/parcelworld/parcel/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().
		Str("version", version.Version).
		Str("data_dir", cfg.DataDir).
		Msg("Starting Parcel")

	container, err := di.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		if errors.Is(err, di.ErrStorage) {
			return 2
		}
		return 1
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:                 log,
		Cfg:                 cfg,
		Verifier:            container.Verifier,
		Hub:                 container.Hub,
		WorldDB:             container.WorldDB,
		ChatDB:              container.ChatDB,
		CacheDB:             container.CacheDB,
		ChatHandlers:        container.ChatHandlers,
		MarketplaceHandlers: container.MarketplaceHandlers,
		BiomeMarketHandlers: container.BiomeMarketHandlers,
		Backup:              container.BackupService,
	})

	container.Start()
	defer container.Stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
		return 1
	}

	log.Info().Msg("Shutdown complete")
	return 0
}
