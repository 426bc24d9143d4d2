// relayhub relays ESP32 telemetry to dashboards and pump commands to devices.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/relayhub/internal/config"
	"github.com/markus-barta/relayhub/internal/hub"
	"github.com/markus-barta/relayhub/internal/keepalive"
	"github.com/markus-barta/relayhub/internal/server"
	"github.com/markus-barta/relayhub/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := hub.Options{
		DeviceTimeout: cfg.DeviceTimeout,
		SweepInterval: cfg.SweepInterval,
		LogThrottle:   cfg.LogThrottle,
	}

	// Presence store
	var st *store.Store
	if cfg.DatabasePath != "" {
		st, err = store.Open(cfg.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open presence store")
		}
		defer func() { _ = st.Close() }()

		// Mark all devices offline on startup - they'll go online when they reconnect
		if n, err := st.ResetOnline(); err != nil {
			log.Warn().Err(err).Msg("failed to reset device status on startup")
		} else if n > 0 {
			log.Info().Int64("count", n).Msg("marked devices offline on startup (will reconnect)")
		}
		opts.Store = st
	}

	h := hub.New(log, opts)
	hubDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(hubDone)
	}()

	if cfg.KeepaliveEnabled() {
		go keepalive.New(cfg.ServerURL, cfg.KeepaliveMin, cfg.KeepaliveMax, log).Run(ctx)
	}

	srv, err := server.New(cfg, h, st, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
		stop()
	}

	<-hubDone
	log.Info().Msg("shut down")
}
