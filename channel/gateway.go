package channel

import (
	"sync"

	"github.com/credfold/relay/wire"
)

// BoundaryMessage is a handshake message crossing the window boundary
// between client and relay. Origin is stamped by the receiving gateway
// from transport-level knowledge; the sender cannot forge it. Port
// carries the transferred transport end on channel-connect messages.
type BoundaryMessage struct {
	Type   wire.Kind
	Data   string
	Origin string
	Port   Port
}

// Gateway is the origin-tagged message boundary used only during
// handshake. Steady-state traffic flows over the Port established
// through it.
type Gateway interface {
	// Post delivers a handshake message (and, for channel-connect, a
	// transferred port) to the far side.
	Post(msg BoundaryMessage) error
	// Incoming yields handshake messages from the far side with their
	// verified origin.
	Incoming() <-chan BoundaryMessage
	// NewPipe creates a connected port pair suitable for transfer
	// across this boundary.
	NewPipe() (local, remote Port, err error)
	// Close releases the gateway. Pending Incoming reads unblock.
	Close() error
}

// boundaryQueueDepth bounds each side's handshake inbox.
const boundaryQueueDepth = 16

type memGateway struct {
	origin string
	peer   *memGateway

	mu     sync.Mutex
	closed bool
	inbox  chan BoundaryMessage
}

// NewBoundary creates a connected in-memory gateway pair. Messages
// posted on one side arrive on the other stamped with the sender's
// origin, mirroring origin-tagged window messaging.
func NewBoundary(clientOrigin, relayOrigin string) (client, relay Gateway) {
	c := &memGateway{origin: clientOrigin, inbox: make(chan BoundaryMessage, boundaryQueueDepth)}
	r := &memGateway{origin: relayOrigin, inbox: make(chan BoundaryMessage, boundaryQueueDepth)}
	c.peer = r
	r.peer = c
	return c, r
}

func (g *memGateway) Post(msg BoundaryMessage) error {
	msg.Origin = g.origin
	g.peer.mu.Lock()
	defer g.peer.mu.Unlock()
	if g.peer.closed {
		return ErrPortClosed
	}
	select {
	case g.peer.inbox <- msg:
		return nil
	default:
		return ErrPortFull
	}
}

func (g *memGateway) Incoming() <-chan BoundaryMessage {
	return g.inbox
}

func (g *memGateway) NewPipe() (Port, Port, error) {
	local, remote := NewPortPair()
	return local, remote, nil
}

func (g *memGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	close(g.inbox)
	return nil
}
