// Package main implements relayd, the credential relay daemon. It
// hosts the relay side of the credential exchange protocol: it accepts
// secure channel handshakes from permitted client origins and serves
// their credential requests from the local encrypted store.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/config"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/credfold/relayd.yaml", "Path to configuration file")
	transportName := flag.String("transport", "", "Transport: nats or conn (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	devMode := flag.Bool("dev-mode", false, "Run stream transport over TCP instead of vsock")
	nonceHash := flag.String("nonce-hash", "", "Primed nonce hash for stream-transport sessions")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("Credential relay daemon starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *transportName != "" {
		cfg.Transport = *transportName
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *devMode {
		cfg.Conn.DevMode = true
	}

	daemon, err := NewDaemon(cfg, *nonceHash)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create daemon")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Daemon error")
	}

	log.Info().Msg("Daemon shutdown complete")
}
