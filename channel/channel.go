package channel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/wire"
)

// DefaultAckTimeout is the protocol acknowledgement window.
const DefaultAckTimeout = 500 * time.Millisecond

// Listener receives the validated payload of every inbound message of
// the kind it is registered for.
type Listener func(payload wire.Payload)

type listenerEntry struct {
	key string
	fn  Listener
}

// Channel is a secure channel over one port. Exactly one receive loop
// runs against the port regardless of listener count; fan-out to
// registered listeners happens here, in registration order.
type Channel struct {
	port       Port
	ackTimeout time.Duration

	mu        sync.Mutex
	listeners map[wire.Kind][]listenerEntry
	keyKinds  map[string]wire.Kind
	disposed  bool

	dispose sync.Once
	done    chan struct{}
}

// Option configures a channel.
type Option func(*Channel)

// WithAckTimeout overrides the acknowledgement window.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Channel) { c.ackTimeout = d }
}

// New wraps a connected port in a secure channel and starts its receive
// loop.
func New(port Port, opts ...Option) *Channel {
	c := &Channel{
		port:       port,
		ackTimeout: DefaultAckTimeout,
		listeners:  make(map[wire.Kind][]listenerEntry),
		keyKinds:   make(map[string]wire.Kind),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.receiveLoop()
	return c
}

// Send writes an envelope to the port.
func (c *Channel) Send(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.port.Send(data)
}

// SendAndWaitAck sends the envelope with the ack flag set and blocks
// until the matching acknowledgement arrives, or fails with an
// ack-timeout error after the acknowledgement window elapses. The
// internal wait listener is removed on both paths.
func (c *Channel) SendAndWaitAck(env *wire.Envelope) error {
	env.Data.Ack = true
	acked := make(chan struct{}, 1)

	key := c.Listen(wire.KindAck, func(p wire.Payload) {
		if p.ID == env.Data.ID {
			select {
			case acked <- struct{}{}:
			default:
			}
		}
	})
	defer c.Unlisten(key)

	if err := c.Send(env); err != nil {
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-timer.C:
		return wire.NewError(wire.CodeAckTimeout, "no ack for %s within %v", env.Type, c.ackTimeout)
	case <-c.done:
		return ErrPortClosed
	}
}

// Listen registers a callback for a message kind and returns an opaque
// removal key. Multiple listeners may share a kind; they fire in
// registration order.
func (c *Channel) Listen(kind wire.Kind, fn Listener) string {
	key := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[kind] = append(c.listeners[kind], listenerEntry{key: key, fn: fn})
	c.keyKinds[key] = kind
	return key
}

// Unlisten removes the listener registered under key and returns its
// callback, or nil when the key is unknown or already removed.
func (c *Channel) Unlisten(key string) Listener {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind, ok := c.keyKinds[key]
	if !ok {
		return nil
	}
	delete(c.keyKinds, key)

	entries := c.listeners[kind]
	for i, entry := range entries {
		if entry.key == key {
			c.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
			return entry.fn
		}
	}
	return nil
}

// Dispose tears the channel down: the single port-level receive loop is
// stopped once, all listeners are dropped, and the port is closed.
// Idempotent.
func (c *Channel) Dispose() {
	c.dispose.Do(func() {
		c.mu.Lock()
		c.disposed = true
		c.listeners = make(map[wire.Kind][]listenerEntry)
		c.keyKinds = make(map[string]wire.Kind)
		c.mu.Unlock()

		close(c.done)
		c.port.Close()
	})
}

// Done is closed when the channel is disposed or its port dies.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// receiveLoop is the one handler registered against the transport. It
// validates, acknowledges and fans out every inbound message; invalid
// or unrecognized input is dropped without acknowledgement.
func (c *Channel) receiveLoop() {
	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-c.port.Receive():
			if !ok {
				// Port death counts as disposal so waiters unblock.
				c.Dispose()
				return
			}
			c.dispatch(raw)
		}
	}
}

func (c *Channel) dispatch(raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		log.Debug().Err(err).Msg("Dropping invalid channel message")
		return
	}

	if env.Data.Ack && env.Type != wire.KindAck {
		if err := c.Send(wire.AckEnvelope(env.Data.ID)); err != nil {
			log.Warn().Err(err).Str("id", env.Data.ID).Msg("Failed to send ack")
		}
	}

	c.mu.Lock()
	entries := make([]listenerEntry, len(c.listeners[env.Type]))
	copy(entries, c.listeners[env.Type])
	c.mu.Unlock()

	for _, entry := range entries {
		entry.fn(env.Data)
	}
}
