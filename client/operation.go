// Package client implements the page-side API of the credential relay:
// each outward-facing operation dispatches one correlated request over a
// secure channel and resolves exactly once, whatever combination of
// response, error, timeout and cancellation arrives.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/channel"
	"github.com/credfold/relay/wire"
)

// Display is the visual collaborator hosting the relay UI element.
type Display interface {
	Display(opts wire.DisplayOptions)
	Hide()
	Dispose()
}

// outcome is the single terminal result of an operation.
type outcome struct {
	kind wire.Kind
	args json.RawMessage
	err  error
}

// operation tracks one in-flight request: its correlation id, the
// channel listeners scoped to that id, and the optional timeout racing
// the relay's response.
type operation struct {
	id      string
	ch      *channel.Channel
	display Display

	mu         sync.Mutex
	dispatched bool
	keys       []string
	timer      *time.Timer

	settle sync.Once
	done   chan outcome

	disposeOnce sync.Once
}

func newOperation(ch *channel.Channel, display Display) *operation {
	return &operation{
		id:      uuid.NewString(),
		ch:      ch,
		display: display,
		done:    make(chan outcome, 1),
	}
}

// dispatch sends the outbound message and arms the listeners for the
// operation's terminal signals. A timeout of zero means never time out.
func (o *operation) dispatch(kind wire.Kind, args any, responseKinds []wire.Kind, timeout time.Duration) error {
	o.mu.Lock()
	if o.dispatched {
		o.mu.Unlock()
		return wire.NewError(wire.CodeIllegalState, "operation already dispatched")
	}
	o.dispatched = true

	for _, rk := range responseKinds {
		respKind := rk
		o.keys = append(o.keys, o.ch.Listen(respKind, func(p wire.Payload) {
			if p.ID == o.id {
				o.resolve(respKind, p.Args)
			}
		}))
	}
	o.keys = append(o.keys, o.ch.Listen(wire.KindShowProvider, func(p wire.Payload) {
		if p.ID == o.id {
			o.onShowProvider(p.Args)
		}
	}))
	o.keys = append(o.keys, o.ch.Listen(wire.KindError, func(p wire.Payload) {
		if p.ID == o.id {
			o.onError(p.Args)
		}
	}))

	if timeout > 0 {
		o.timer = time.AfterFunc(timeout, func() {
			o.reject(wire.NewError(wire.CodeRequestTimeout, "no response within %v", timeout))
		})
	}
	o.mu.Unlock()

	env, err := wire.NewEnvelope(kind, o.id, args)
	if err != nil {
		o.reject(err)
		return err
	}
	if err := o.ch.Send(env); err != nil {
		o.reject(err)
		return err
	}
	return nil
}

// await blocks until the operation settles. Context cancellation counts
// as explicit cancellation of the operation.
func (o *operation) await(ctx context.Context) (wire.Kind, json.RawMessage, error) {
	select {
	case out := <-o.done:
		return out.kind, out.args, out.err
	case <-ctx.Done():
		o.cancel()
		out := <-o.done
		return out.kind, out.args, out.err
	}
}

// cancel rejects the pending operation immediately, independent of any
// network round-trip.
func (o *operation) cancel() {
	o.reject(wire.NewError(wire.CodeOperationCanceled, "operation canceled by caller"))
}

func (o *operation) resolve(kind wire.Kind, args json.RawMessage) {
	o.settle.Do(func() {
		o.done <- outcome{kind: kind, args: args}
		o.dispose()
	})
}

func (o *operation) reject(err error) {
	o.settle.Do(func() {
		o.done <- outcome{err: err}
		o.dispose()
	})
}

// onShowProvider forwards display options to the visual collaborator
// and suppresses the pending timeout: an operation visibly interacting
// with the user must not expire underneath that interaction.
func (o *operation) onShowProvider(args json.RawMessage) {
	var opts wire.DisplayOptions
	if len(args) > 0 {
		if err := json.Unmarshal(args, &opts); err != nil {
			log.Debug().Err(err).Str("id", o.id).Msg("Ignoring malformed display options")
			return
		}
	}
	o.stopTimer()
	if o.display != nil {
		o.display.Display(opts)
	}
}

// onError rejects with the carried error. The relay UI is hidden unless
// the error reports another operation already in flight, in which case
// the UI may legitimately still be serving that other operation.
func (o *operation) onError(args json.RawMessage) {
	var perr wire.Error
	if err := json.Unmarshal(args, &perr); err != nil {
		perr = wire.Error{Code: wire.CodeIllegalState, Message: "malformed error payload"}
	}
	if o.display != nil && perr.Code != wire.CodeIllegalConcurrentRequest {
		o.display.Hide()
	}
	o.reject(&perr)
}

// dispose releases every listener and timer this operation registered.
// Safe to call repeatedly and safe to call before dispatch.
func (o *operation) dispose() {
	o.disposeOnce.Do(func() {
		o.mu.Lock()
		keys := o.keys
		o.keys = nil
		o.mu.Unlock()
		for _, key := range keys {
			o.ch.Unlisten(key)
		}
		o.stopTimer()
	})
}

func (o *operation) stopTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
