package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/credfold/relay/wire"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestListenerFanOutInRegistrationOrder(t *testing.T) {
	a, b := NewPortPair()
	sender := New(a)
	receiver := New(b)
	defer sender.Dispose()
	defer receiver.Dispose()

	var order []int
	done := make(chan struct{})
	receiver.Listen(wire.KindNone, func(p wire.Payload) { order = append(order, 1) })
	receiver.Listen(wire.KindNone, func(p wire.Payload) { order = append(order, 2) })
	receiver.Listen(wire.KindNone, func(p wire.Payload) {
		order = append(order, 3)
		close(done)
	})

	if err := sender.Send(wire.MustEnvelope(wire.KindNone, "op-1", nil)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, done, "fan-out")

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("expected registration order [1 2 3], got %v", order)
	}
}

func TestUnlistenReturnsListenerOnce(t *testing.T) {
	a, _ := NewPortPair()
	ch := New(a)
	defer ch.Dispose()

	key := ch.Listen(wire.KindNone, func(p wire.Payload) {})
	if fn := ch.Unlisten(key); fn == nil {
		t.Fatal("expected listener back on first removal")
	}
	if fn := ch.Unlisten(key); fn != nil {
		t.Fatal("expected nil on second removal")
	}
	if fn := ch.Unlisten("no-such-key"); fn != nil {
		t.Fatal("expected nil for unknown key")
	}
}

func TestSendAndWaitAck(t *testing.T) {
	a, b := NewPortPair()
	sender := New(a)
	receiver := New(b)
	defer sender.Dispose()
	defer receiver.Dispose()

	// The receiving channel acks flagged envelopes on its own.
	if err := sender.SendAndWaitAck(wire.MustEnvelope(wire.KindShowProvider, "op-1", wire.DisplayOptions{})); err != nil {
		t.Fatalf("SendAndWaitAck failed: %v", err)
	}
}

func TestSendAndWaitAckTimesOut(t *testing.T) {
	a, _ := NewPortPair()
	sender := New(a, WithAckTimeout(50*time.Millisecond))
	defer sender.Dispose()

	err := sender.SendAndWaitAck(wire.MustEnvelope(wire.KindShowProvider, "op-1", wire.DisplayOptions{}))
	if !wire.IsCode(err, wire.CodeAckTimeout) {
		t.Fatalf("expected ackTimeout, got %v", err)
	}
}

func TestInvalidMessagesDroppedWithoutAck(t *testing.T) {
	a, b := NewPortPair()
	receiver := New(b)
	defer receiver.Dispose()

	got := make(chan []byte, 1)
	go func() {
		for raw := range a.Receive() {
			got <- raw
		}
	}()

	// Flagged for ack but carrying an extra data field: must be dropped
	// silently, not acknowledged.
	if err := a.Send([]byte(`{"type":"none","data":{"id":"op-1","ack":true,"extra":1}}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// A valid flagged message right after must be acked.
	if err := a.Send([]byte(`{"type":"none","data":{"id":"op-2","ack":true}}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case raw := <-got:
		env, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("unexpected reply: %s", raw)
		}
		if env.Type != wire.KindAck || env.Data.ID != "op-2" {
			t.Fatalf("expected ack for op-2, got %s %s", env.Type, env.Data.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestDisposeIsIdempotentAndDropsListeners(t *testing.T) {
	a, b := NewPortPair()
	sender := New(a)
	receiver := New(b)

	fired := make(chan struct{}, 1)
	receiver.Listen(wire.KindNone, func(p wire.Payload) { fired <- struct{}{} })

	receiver.Dispose()
	receiver.Dispose()

	sender.Send(wire.MustEnvelope(wire.KindNone, "op-1", nil))
	select {
	case <-fired:
		t.Fatal("listener fired after dispose")
	case <-time.After(100 * time.Millisecond):
	}
	sender.Dispose()
}

func TestChannelDoneOnPortDeath(t *testing.T) {
	a, b := NewPortPair()
	ch := New(a)
	b.Close()
	waitFor(t, ch.Done(), "channel death")
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	clientGW, relayGW := NewBoundary("https://app.example.com", "https://relay.credfold.dev")
	nonce := NewNonce()
	hash := NonceHash(nonce)

	ctx := context.Background()
	type result struct {
		ch  *Channel
		err error
	}
	relayRes := make(chan result, 1)
	go func() {
		ch, err := ProviderConnect(ctx, relayGW, []string{"https://app.example.com"}, hash, time.Second)
		relayRes <- result{ch, err}
	}()

	// The relay signals readiness out of band of ProviderConnect.
	if err := relayGW.Post(BoundaryMessage{Type: wire.KindReadyForConnect, Data: hash}); err != nil {
		t.Fatalf("ready post failed: %v", err)
	}

	clientCh, err := ClientConnect(ctx, clientGW, nonce, hash, time.Second)
	if err != nil {
		t.Fatalf("ClientConnect failed: %v", err)
	}
	defer clientCh.Dispose()

	res := <-relayRes
	if res.err != nil {
		t.Fatalf("ProviderConnect failed: %v", res.err)
	}
	defer res.ch.Dispose()

	// Traffic flows over the established ports in both directions.
	got := make(chan wire.Payload, 1)
	clientCh.Listen(wire.KindNone, func(p wire.Payload) { got <- p })
	if err := res.ch.Send(wire.MustEnvelope(wire.KindNone, "op-1", nil)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case p := <-got:
		if p.ID != "op-1" {
			t.Errorf("expected op-1, got %q", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message over established channel")
	}
}

func TestHandshakeRejectsUntrustedOrigin(t *testing.T) {
	clientGW, relayGW := NewBoundary("https://evil.example.com", "https://relay.credfold.dev")
	nonce := NewNonce()
	hash := NonceHash(nonce)

	errs := make(chan error, 1)
	go func() {
		_, err := ProviderConnect(context.Background(), relayGW, []string{"https://app.example.com"}, hash, time.Second)
		errs <- err
	}()

	local, remote, _ := clientGW.NewPipe()
	defer local.Close()
	if err := clientGW.Post(BoundaryMessage{Type: wire.KindChannelConnect, Data: nonce, Port: remote}); err != nil {
		t.Fatalf("connect post failed: %v", err)
	}

	err := <-errs
	if !wire.IsCode(err, wire.CodeUntrustedOrigin) {
		t.Fatalf("expected untrustedOrigin, got %v", err)
	}
}

func TestHandshakeIgnoresMismatchedNonce(t *testing.T) {
	clientGW, relayGW := NewBoundary("https://app.example.com", "https://relay.credfold.dev")
	nonce := NewNonce()
	hash := NonceHash(nonce)

	type result struct {
		ch  *Channel
		err error
	}
	relayRes := make(chan result, 1)
	go func() {
		ch, err := ProviderConnect(context.Background(), relayGW, []string{"https://app.example.com"}, hash, 2*time.Second)
		relayRes <- result{ch, err}
	}()

	// A permitted origin presenting the wrong nonce is noise, not a
	// rejection: the relay keeps waiting.
	_, badRemote, _ := clientGW.NewPipe()
	if err := clientGW.Post(BoundaryMessage{Type: wire.KindChannelConnect, Data: "wrong-nonce", Port: badRemote}); err != nil {
		t.Fatalf("connect post failed: %v", err)
	}

	local, remote, _ := clientGW.NewPipe()
	if err := clientGW.Post(BoundaryMessage{Type: wire.KindChannelConnect, Data: nonce, Port: remote}); err != nil {
		t.Fatalf("connect post failed: %v", err)
	}

	res := <-relayRes
	if res.err != nil {
		t.Fatalf("expected connect to succeed after noise, got %v", res.err)
	}
	res.ch.Dispose()
	local.Close()
}

func TestClientConnectTimesOut(t *testing.T) {
	clientGW, _ := NewBoundary("https://app.example.com", "https://relay.credfold.dev")
	nonce := NewNonce()

	_, err := ClientConnect(context.Background(), clientGW, nonce, NonceHash(nonce), 50*time.Millisecond)
	if !wire.IsCode(err, wire.CodeEstablishChannelTimeout) {
		t.Fatalf("expected establishSecureChannelTimeout, got %v", err)
	}
}

func TestNonceHashIsStable(t *testing.T) {
	hash := NonceHash("nonce-value")
	if hash != NonceHash("nonce-value") {
		t.Error("hash not deterministic")
	}
	var decoded json.RawMessage
	if err := json.Unmarshal([]byte(`"`+hash+`"`), &decoded); err != nil {
		t.Errorf("hash not a JSON-safe string: %v", err)
	}
	if len(hash) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(hash))
	}
}
