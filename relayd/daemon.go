package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/channel"
	"github.com/credfold/relay/config"
	"github.com/credfold/relay/provider"
	"github.com/credfold/relay/storage"
	"github.com/credfold/relay/transport"
	"github.com/credfold/relay/wire"
)

// Daemon serves relay sessions over the configured transport.
type Daemon struct {
	cfg       *config.Config
	store     *storage.Store
	nonceHash string
}

// NewDaemon opens the credential store and prepares the daemon.
func NewDaemon(cfg *config.Config, nonceHash string) (*Daemon, error) {
	if len(cfg.PermittedOrigins) == 0 {
		return nil, fmt.Errorf("no permitted origins configured")
	}

	key, err := cfg.SealingKey()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.Path, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	return &Daemon{cfg: cfg, store: store, nonceHash: nonceHash}, nil
}

// Run serves sessions until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.store.Close()

	switch d.cfg.Transport {
	case "nats":
		return d.runNATS(ctx)
	case "conn":
		return d.runConn(ctx)
	default:
		return fmt.Errorf("unknown transport %q", d.cfg.Transport)
	}
}

func (d *Daemon) runNATS(ctx context.Context) error {
	conn, err := transport.ConnectNATS(d.cfg.NATS, "credfold-relayd")
	if err != nil {
		return err
	}
	defer conn.Close()

	announceSubject := d.cfg.NATS.SubjectPrefix + ".announce"
	announcements := make(chan *nats.Msg, 16)
	sub, err := conn.ChanSubscribe(announceSubject, announcements)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", announceSubject, err)
	}
	defer sub.Unsubscribe()

	log.Info().Str("subject", announceSubject).Msg("Serving brokered relay sessions")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-announcements:
			// The nonce hash primes the handshake; the broker's subject
			// authorization is what makes the announced origin trustworthy.
			var ann transport.Announcement
			if err := json.Unmarshal(msg.Data, &ann); err != nil {
				log.Debug().Err(err).Msg("Ignoring malformed announcement")
				continue
			}
			if ann.SessionID == "" || ann.NonceHash == "" {
				log.Debug().Msg("Ignoring incomplete announcement")
				continue
			}
			go d.serveNATSSession(ctx, conn, ann)
		}
	}
}

func (d *Daemon) serveNATSSession(ctx context.Context, conn *nats.Conn, ann transport.Announcement) {
	logger := log.With().Str("session", ann.SessionID).Str("origin", ann.Origin).Logger()

	gw, err := transport.NewNATSBoundary(conn, d.cfg.NATS, ann.SessionID, transport.SideRelay, ann.Origin)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to join session")
		return
	}
	defer gw.Close()

	d.serveSession(ctx, gw, ann.NonceHash, ann.Origin, logger)
}

func (d *Daemon) runConn(ctx context.Context) error {
	if d.nonceHash == "" {
		return fmt.Errorf("stream transport requires a primed nonce hash")
	}

	ln, err := transport.Listen(d.cfg.Conn)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	// The stream peer's identity is pinned from configuration; the
	// handshake still requires proof of the primed nonce.
	peerOrigin := d.cfg.PermittedOrigins[0]
	log.Info().Str("peer_origin", peerOrigin).Msg("Serving stream relay sessions")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go d.serveConnSession(ctx, conn, peerOrigin)
	}
}

func (d *Daemon) serveConnSession(ctx context.Context, conn net.Conn, peerOrigin string) {
	logger := log.With().Str("remote", conn.RemoteAddr().String()).Str("origin", peerOrigin).Logger()

	gw := transport.NewConnBoundary(transport.NewConnPort(conn), peerOrigin)
	defer gw.Close()

	d.serveSession(ctx, gw, d.nonceHash, peerOrigin, logger)
}

// serveSession runs one session end to end: post readiness, complete
// the handshake, then let the engine arbitrate until the channel dies.
func (d *Daemon) serveSession(ctx context.Context, gw channel.Gateway, nonceHash, clientDomain string, logger zerolog.Logger) {
	if err := gw.Post(channel.BoundaryMessage{Type: wire.KindReadyForConnect, Data: nonceHash}); err != nil {
		logger.Error().Err(err).Msg("Failed to post ready signal")
		return
	}

	ch, err := channel.ProviderConnect(ctx, gw, d.cfg.PermittedOrigins, nonceHash,
		d.cfg.HandshakeTimeout(), channel.WithAckTimeout(d.cfg.AckTimeout()))
	if err != nil {
		logger.Warn().Err(err).Msg("Handshake failed")
		return
	}
	defer ch.Dispose()

	engine := provider.New(ch, provider.Config{
		ClientDomain:    clientDomain,
		AllowDirectAuth: d.cfg.AllowDirectAuth,
		Affiliations:    provider.StaticAffiliations(d.cfg.Affiliations),
		Clients:         provider.StaticClientConfigs{Configs: d.cfg.Clients, Default: d.cfg.DefaultClient},
		Store:           d.store,
		Interaction:     newAutoSurface(),
		State:           d.store,
	})
	defer engine.Dispose()

	logger.Info().Msg("Secure channel established")

	select {
	case <-ctx.Done():
	case <-ch.Done():
	}
	logger.Info().Msg("Session ended")
}
