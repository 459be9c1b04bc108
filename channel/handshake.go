package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/wire"
)

// DefaultHandshakeTimeout bounds channel establishment end to end.
const DefaultHandshakeTimeout = 10 * time.Second

// NewNonce returns a fresh handshake nonce.
func NewNonce() string {
	return uuid.NewString()
}

// NonceHash returns the hex-encoded SHA-256 of a nonce, the value the
// relay is primed with out of band and the client proves knowledge of.
func NonceHash(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// ClientConnect establishes a secure channel from the client side.
//
// It waits for a ready-for-connect signal whose payload equals
// nonceHash, creates a port pair, posts a channel-connect message
// carrying the plaintext nonce with the far port transferred, and then
// waits on the retained port for a channel-ready envelope whose payload
// equals nonceHash. All other boundary traffic is ignored. Fails with
// an establish-timeout error when the exchange does not complete within
// timeout (or ctx is done first).
func ClientConnect(ctx context.Context, gw Gateway, nonce, nonceHash string, timeout time.Duration, opts ...Option) (*Channel, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	timedOut := wire.NewError(wire.CodeEstablishChannelTimeout, "secure channel not established within %v", timeout)

	// Phase 1: the relay signals readiness by echoing the nonce hash.
	for {
		var msg BoundaryMessage
		select {
		case <-ctx.Done():
			return nil, wire.NewError(wire.CodeOperationCanceled, "connect aborted")
		case <-deadline.C:
			return nil, timedOut
		case m, ok := <-gw.Incoming():
			if !ok {
				return nil, ErrPortClosed
			}
			msg = m
		}
		if msg.Type == wire.KindReadyForConnect && msg.Data == nonceHash {
			break
		}
		log.Debug().Str("type", string(msg.Type)).Msg("Ignoring boundary message while awaiting ready signal")
	}

	// Phase 2: create the transport and hand one end across, proving
	// knowledge of the nonce behind the primed hash.
	local, remote, err := gw.NewPipe()
	if err != nil {
		return nil, err
	}
	if err := gw.Post(BoundaryMessage{Type: wire.KindChannelConnect, Data: nonce, Port: remote}); err != nil {
		local.Close()
		return nil, err
	}

	// Phase 3: the relay confirms over the new transport.
	for {
		select {
		case <-ctx.Done():
			local.Close()
			return nil, wire.NewError(wire.CodeOperationCanceled, "connect aborted")
		case <-deadline.C:
			local.Close()
			return nil, timedOut
		case raw, ok := <-local.Receive():
			if !ok {
				return nil, ErrPortClosed
			}
			env, err := wire.Decode(raw)
			if err != nil {
				continue
			}
			var hash string
			if env.Type == wire.KindChannelReady && unmarshalString(env.Data.Args, &hash) && hash == nonceHash {
				return New(local, opts...), nil
			}
		}
	}
}

// ProviderConnect establishes a secure channel from the relay side.
//
// Channel-connect attempts from origins outside permittedOrigins fail
// the connect with an untrusted-origin error; attempts from permitted
// origins whose nonce does not hash to expectedNonceHash are treated as
// noise and ignored. On a matching attempt the transferred port is
// wrapped and a channel-ready message carrying the expected hash is
// sent back over it to complete the client side.
func ProviderConnect(ctx context.Context, gw Gateway, permittedOrigins []string, expectedNonceHash string, timeout time.Duration, opts ...Option) (*Channel, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	permitted := make(map[string]bool, len(permittedOrigins))
	for _, origin := range permittedOrigins {
		permitted[origin] = true
	}

	for {
		var msg BoundaryMessage
		select {
		case <-ctx.Done():
			return nil, wire.NewError(wire.CodeOperationCanceled, "connect aborted")
		case <-deadline.C:
			return nil, wire.NewError(wire.CodeEstablishChannelTimeout, "no trusted connect within %v", timeout)
		case m, ok := <-gw.Incoming():
			if !ok {
				return nil, ErrPortClosed
			}
			msg = m
		}

		if msg.Type != wire.KindChannelConnect {
			continue
		}
		if !permitted[msg.Origin] {
			// Silent toward the remote end; the endpoint's existence is
			// never acknowledged to untrusted origins.
			log.Warn().Str("origin", msg.Origin).Msg("Connect attempt from untrusted origin")
			return nil, wire.UntrustedOrigin(msg.Origin)
		}
		if NonceHash(msg.Data) != expectedNonceHash {
			log.Debug().Str("origin", msg.Origin).Msg("Ignoring connect with mismatched nonce hash")
			continue
		}
		if msg.Port == nil {
			log.Debug().Str("origin", msg.Origin).Msg("Ignoring connect without transferred port")
			continue
		}

		ch := New(msg.Port, opts...)
		ready := wire.MustEnvelope(wire.KindChannelReady, uuid.NewString(), expectedNonceHash)
		if err := ch.Send(ready); err != nil {
			ch.Dispose()
			return nil, err
		}
		return ch, nil
	}
}

func unmarshalString(raw []byte, out *string) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
