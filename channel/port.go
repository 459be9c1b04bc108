// Package channel implements the secure channel layered over one
// point-to-point message port: typed listen/unlisten with internal
// fan-out, acknowledged sends, and the two-phase nonce handshake that
// establishes a channel across a trust boundary.
package channel

import (
	"errors"
	"sync"
)

// ErrPortClosed is returned when sending on a closed port.
var ErrPortClosed = errors.New("port closed")

// ErrPortFull is returned when the peer's inbound queue is saturated.
var ErrPortFull = errors.New("port queue full")

// Port is one end of a bidirectional, ordered, reliable message
// transport. Payloads are untyped bytes; the channel layer validates
// them before any listener sees them.
type Port interface {
	Send(data []byte) error
	Receive() <-chan []byte
	Close() error
}

// portQueueDepth bounds the inbound queue of an in-memory port.
const portQueueDepth = 64

// pipe is a pair of in-memory ports sharing two queues.
type pipe struct {
	mu     sync.Mutex
	closed bool
	aToB   chan []byte
	bToA   chan []byte
}

type pipeEnd struct {
	p    *pipe
	send chan<- []byte
	recv <-chan []byte
}

// NewPortPair creates two connected in-memory ports. Messages sent on
// one end arrive on the other in order. Closing either end closes both.
func NewPortPair() (Port, Port) {
	p := &pipe{
		aToB: make(chan []byte, portQueueDepth),
		bToA: make(chan []byte, portQueueDepth),
	}
	a := &pipeEnd{p: p, send: p.aToB, recv: p.bToA}
	b := &pipeEnd{p: p, send: p.bToA, recv: p.aToB}
	return a, b
}

func (e *pipeEnd) Send(data []byte) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.closed {
		return ErrPortClosed
	}
	select {
	case e.send <- data:
		return nil
	default:
		return ErrPortFull
	}
}

func (e *pipeEnd) Receive() <-chan []byte {
	return e.recv
}

func (e *pipeEnd) Close() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.closed {
		return nil
	}
	e.p.closed = true
	close(e.p.aToB)
	close(e.p.bToA)
	return nil
}
