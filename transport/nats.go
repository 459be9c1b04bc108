package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/channel"
	"github.com/credfold/relay/wire"
)

// NATSConfig configures the brokered session transport.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	SubjectPrefix   string `yaml:"subject_prefix"`
}

// DefaultNATSConfig returns the defaults for a local broker.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		ReconnectWait: 2000,
		MaxReconnects: 10,
		SubjectPrefix: "credfold.relay",
	}
}

// ConnectNATS connects to the broker with reconnect handling.
func ConnectNATS(cfg NATSConfig, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Announcement is a client's session offer on the announce subject.
type Announcement struct {
	SessionID string `json:"sessionId"`
	Origin    string `json:"origin"`
	NonceHash string `json:"nonceHash"`
}

// Announce publishes a session offer for a relay to pick up.
func Announce(conn *nats.Conn, cfg NATSConfig, ann Announcement) error {
	data, err := json.Marshal(ann)
	if err != nil {
		return err
	}
	return conn.Publish(cfg.SubjectPrefix+".announce", data)
}

// Boundary sides within a session's subject space.
const (
	SideClient = "client"
	SideRelay  = "relay"
)

// natsFrame is a handshake message on a boundary subject. PortID names
// the transferred subject-pair port on channel-connect frames.
type natsFrame struct {
	Type   wire.Kind `json:"type"`
	Data   string    `json:"data"`
	PortID string    `json:"portId,omitempty"`
}

// natsBoundary is a handshake gateway over a brokered session. Each
// session owns a subject space under prefix; the two sides post
// handshake frames to each other's boundary subject, and ports are
// pairs of session subjects named by a port id carried in the
// channel-connect frame. Origin is pinned per boundary: subject-space
// access is granted by broker authorization, so a frame arriving on the
// session's far-side subject is attributable to the configured peer.
type natsBoundary struct {
	conn       *nats.Conn
	prefix     string
	side       string
	peerSide   string
	peerOrigin string

	inbox chan channel.BoundaryMessage
	sub   *nats.Subscription

	mu     sync.Mutex
	closed bool
}

// NewNATSBoundary joins one side of a brokered session. sessionID names
// the session's subject space; side is this endpoint's role and
// peerOrigin the verified identity of the other side.
func NewNATSBoundary(conn *nats.Conn, cfg NATSConfig, sessionID, side, peerOrigin string) (channel.Gateway, error) {
	peerSide := SideRelay
	if side == SideRelay {
		peerSide = SideClient
	}
	b := &natsBoundary{
		conn:       conn,
		prefix:     fmt.Sprintf("%s.session.%s", cfg.SubjectPrefix, sessionID),
		side:       side,
		peerSide:   peerSide,
		peerOrigin: peerOrigin,
		inbox:      make(chan channel.BoundaryMessage, 16),
	}

	sub, err := conn.Subscribe(b.prefix+".boundary."+side, b.onFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to boundary subject: %w", err)
	}
	b.sub = sub
	return b, nil
}

func (b *natsBoundary) onFrame(msg *nats.Msg) {
	var frame natsFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		log.Debug().Err(err).Msg("Ignoring malformed boundary frame")
		return
	}
	bm := channel.BoundaryMessage{Type: frame.Type, Data: frame.Data, Origin: b.peerOrigin}
	if frame.PortID != "" {
		port, err := b.openPort(frame.PortID, b.side)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open transferred port")
			return
		}
		bm.Port = port
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.inbox <- bm:
	default:
		log.Warn().Str("type", string(frame.Type)).Msg("Handshake inbox full, dropping message")
	}
}

func (b *natsBoundary) Post(msg channel.BoundaryMessage) error {
	frame := natsFrame{Type: msg.Type, Data: msg.Data}
	if np, ok := msg.Port.(*natsPort); ok {
		frame.PortID = np.id
		// The remote end handed to Post is only a name; release its
		// subscription, the far side builds its own end from the id.
		np.Close()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.prefix+".boundary."+b.peerSide, data)
}

func (b *natsBoundary) Incoming() <-chan channel.BoundaryMessage {
	return b.inbox
}

// NewPipe allocates a subject-pair port. The local end belongs to this
// side; the remote end exists to carry the port id through Post.
func (b *natsBoundary) NewPipe() (channel.Port, channel.Port, error) {
	id := uuid.NewString()
	local, err := b.openPort(id, b.side)
	if err != nil {
		return nil, nil, err
	}
	remote, err := b.openPort(id, b.peerSide)
	if err != nil {
		local.Close()
		return nil, nil, err
	}
	return local, remote, nil
}

func (b *natsBoundary) Close() error {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.inbox)
	return nil
}

// openPort builds the side-owned end of the subject-pair port id.
func (b *natsBoundary) openPort(id, side string) (*natsPort, error) {
	peerSide := SideRelay
	if side == SideRelay {
		peerSide = SideClient
	}
	p := &natsPort{
		conn: b.conn,
		id:   id,
		send: fmt.Sprintf("%s.port.%s.%s", b.prefix, id, peerSide),
		recv: make(chan []byte, 64),
	}
	sub, err := b.conn.Subscribe(fmt.Sprintf("%s.port.%s.%s", b.prefix, id, side), func(msg *nats.Msg) {
		select {
		case p.recv <- msg.Data:
		default:
			log.Warn().Str("port", id).Msg("Port queue full, dropping message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to port subject: %w", err)
	}
	p.sub = sub
	return p, nil
}

// natsPort is one end of a subject-pair port.
type natsPort struct {
	conn *nats.Conn
	id   string
	send string
	recv chan []byte
	sub  *nats.Subscription
}

func (p *natsPort) Send(data []byte) error {
	return p.conn.Publish(p.send, data)
}

func (p *natsPort) Receive() <-chan []byte {
	return p.recv
}

func (p *natsPort) Close() error {
	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil && !p.conn.IsClosed() {
			return err
		}
		p.sub = nil
	}
	return nil
}
