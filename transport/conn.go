// Package transport provides real transports behind the channel
// abstractions: length-prefixed framing over stream sockets (TCP in
// development, vsock between host and isolated guest) and a NATS-backed
// boundary for brokered sessions.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/channel"
	"github.com/credfold/relay/wire"
)

// maxFrameSize caps a single frame at 10MB.
const maxFrameSize = 10 * 1024 * 1024

// ConnConfig selects the stream transport. DevMode uses TCP at Addr;
// otherwise vsock with ContextID and Port.
type ConnConfig struct {
	DevMode   bool   `yaml:"dev_mode"`
	Addr      string `yaml:"addr"`
	ContextID uint32 `yaml:"context_id"`
	Port      uint32 `yaml:"port"`
}

// Dial connects to the far side per cfg.
func Dial(cfg ConnConfig) (net.Conn, error) {
	if cfg.DevMode {
		conn, err := net.Dial("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
		}
		log.Info().Str("addr", cfg.Addr).Msg("Connected via TCP")
		return conn, nil
	}
	conn, err := vsock.Dial(cfg.ContextID, cfg.Port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CID %d port %d: %w", cfg.ContextID, cfg.Port, err)
	}
	log.Info().Uint32("cid", cfg.ContextID).Uint32("port", cfg.Port).Msg("Connected via vsock")
	return conn, nil
}

// Listen opens the accepting side per cfg.
func Listen(cfg ConnConfig) (net.Listener, error) {
	if cfg.DevMode {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
		}
		return ln, nil
	}
	ln, err := vsock.Listen(cfg.Port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on vsock port %d: %w", cfg.Port, err)
	}
	return ln, nil
}

// ConnPort frames a stream connection into the message port the channel
// layer expects: each message is a 4-byte big-endian length followed by
// the payload.
type ConnPort struct {
	conn net.Conn

	writeMu sync.Mutex
	recv    chan []byte

	closeOnce sync.Once
}

// NewConnPort wraps conn and starts its read loop. The port owns the
// connection; closing the port closes the connection.
func NewConnPort(conn net.Conn) *ConnPort {
	p := &ConnPort{conn: conn, recv: make(chan []byte, 64)}
	go p.readLoop()
	return p
}

func (p *ConnPort) Send(data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := binary.Write(p.conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (p *ConnPort) Receive() <-chan []byte {
	return p.recv
}

func (p *ConnPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	return err
}

func (p *ConnPort) readLoop() {
	defer close(p.recv)
	for {
		var length uint32
		if err := binary.Read(p.conn, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("Frame read ended")
			}
			return
		}
		if length > maxFrameSize {
			log.Error().Uint32("length", length).Msg("Dropping connection: frame too large")
			p.Close()
			return
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(p.conn, data); err != nil {
			log.Debug().Err(err).Msg("Frame body read failed")
			return
		}
		p.recv <- data
	}
}

// handshakeFrame carries a boundary message inside the stream. The
// distinct top-level key keeps it apart from channel envelopes sharing
// the same byte stream.
type handshakeFrame struct {
	Handshake *struct {
		Type wire.Kind `json:"type"`
		Data string    `json:"data"`
	} `json:"handshake"`
}

// connBoundary adapts one framed connection to the handshake gateway.
// There is no port to transfer over a socket: both channel ends are
// views of the same stream, so channel-connect is signalled in-band and
// the far side constructs its view on receipt. The peer's origin is
// pinned at connect time from transport-level knowledge, not taken from
// the stream.
type connBoundary struct {
	port       *ConnPort
	peerOrigin string

	inbox     chan channel.BoundaryMessage
	inboxOnce sync.Once

	mu   sync.Mutex
	view *connView
}

// NewConnBoundary wraps a framed connection as a handshake gateway.
// peerOrigin is the verified identity of the far side of the stream.
func NewConnBoundary(port *ConnPort, peerOrigin string) channel.Gateway {
	b := &connBoundary{
		port:       port,
		peerOrigin: peerOrigin,
		inbox:      make(chan channel.BoundaryMessage, 16),
	}
	go b.readLoop()
	return b
}

func (b *connBoundary) Post(msg channel.BoundaryMessage) error {
	frame, err := json.Marshal(map[string]any{
		"handshake": map[string]any{"type": msg.Type, "data": msg.Data},
	})
	if err != nil {
		return err
	}
	return b.port.Send(frame)
}

func (b *connBoundary) Incoming() <-chan channel.BoundaryMessage {
	return b.inbox
}

// NewPipe hands out the stream view as the local end. The remote end is
// a placeholder: transfer happens by the channel-connect frame itself.
func (b *connBoundary) NewPipe() (channel.Port, channel.Port, error) {
	return b.localView(), discardPort{}, nil
}

// Close closes the underlying stream; the read loop then drains and
// unblocks pending Incoming reads.
func (b *connBoundary) Close() error {
	return b.port.Close()
}

// localView returns the single channel view of the stream, creating it
// on first use.
func (b *connBoundary) localView() *connView {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.view == nil {
		b.view = &connView{boundary: b, recv: make(chan []byte, 64)}
	}
	return b.view
}

func (b *connBoundary) readLoop() {
	for raw := range b.port.Receive() {
		var frame handshakeFrame
		if err := json.Unmarshal(raw, &frame); err == nil && frame.Handshake != nil {
			msg := channel.BoundaryMessage{
				Type:   frame.Handshake.Type,
				Data:   frame.Handshake.Data,
				Origin: b.peerOrigin,
			}
			if msg.Type == wire.KindChannelConnect {
				msg.Port = b.localView()
			}
			select {
			case b.inbox <- msg:
			default:
				log.Warn().Str("type", string(msg.Type)).Msg("Handshake inbox full, dropping message")
			}
			continue
		}
		// Steady-state envelope: forward to the channel view.
		view := b.localView()
		select {
		case view.recv <- raw:
		default:
			log.Warn().Msg("Channel inbox full, dropping frame")
		}
	}
	b.mu.Lock()
	view := b.view
	b.mu.Unlock()
	if view != nil {
		view.closeRecv()
	}
	b.inboxOnce.Do(func() { close(b.inbox) })
}

// connView is the channel-facing port over a boundary's stream.
type connView struct {
	boundary *connBoundary
	recv     chan []byte
	once     sync.Once
}

func (v *connView) Send(data []byte) error { return v.boundary.port.Send(data) }

func (v *connView) Receive() <-chan []byte { return v.recv }

func (v *connView) Close() error { return v.boundary.Close() }

func (v *connView) closeRecv() {
	v.once.Do(func() { close(v.recv) })
}

// discardPort stands in for the transferred end of a stream pipe.
type discardPort struct{}

func (discardPort) Send(data []byte) error { return channel.ErrPortClosed }
func (discardPort) Receive() <-chan []byte { return nil }
func (discardPort) Close() error           { return nil }
