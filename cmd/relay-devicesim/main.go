// relay-devicesim connects a simulated pump controller to a relayhub.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-barta/relayhub/internal/device"
	"github.com/rs/zerolog"
)

func main() {
	url := flag.String("url", envOr("RELAY_URL", "ws://localhost:3000/"), "relay WebSocket URL")
	id := flag.String("id", envOr("DEVICE_ID", "esp32-sim"), "device identifier")
	interval := flag.Duration("interval", 5*time.Second, "telemetry interval")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relay-devicesim [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *interval <= 0 {
		log.Fatal().Dur("interval", *interval).Msg("interval must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := device.New(device.Config{RelayURL: *url, DeviceID: *id, Interval: *interval}, log)
	if err := sim.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("simulator failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
