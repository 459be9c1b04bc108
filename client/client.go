package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/credfold/relay/channel"
	"github.com/credfold/relay/wire"
)

// Client is the page-side handle on an established secure channel. One
// client serves many sequential operations; concurrent operations are
// rejected by the relay's single-flight rule, not here.
type Client struct {
	ch             *channel.Channel
	display        Display
	requestTimeout time.Duration
}

// Option configures a client.
type Option func(*Client)

// WithRequestTimeout bounds every operation that is not visibly
// interacting with the user. Zero (the default) means operations never
// time out.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// New wraps an established secure channel and its visual collaborator.
func New(ch *channel.Channel, display Display, opts ...Option) *Client {
	c := &Client{ch: ch, display: display}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do runs one correlated request/response round-trip.
func (c *Client) do(ctx context.Context, kind wire.Kind, args any, responses ...wire.Kind) (wire.Kind, json.RawMessage, error) {
	op := newOperation(c.ch, c.display)
	defer op.dispose()
	if err := op.dispatch(kind, args, responses, c.requestTimeout); err != nil {
		return "", nil, err
	}
	return op.await(ctx)
}

func decodeCredential(kind wire.Kind, args json.RawMessage) (*wire.Credential, error) {
	if kind == wire.KindNone {
		return nil, nil
	}
	var cred wire.Credential
	if err := json.Unmarshal(args, &cred); err != nil {
		return nil, wire.NewError(wire.CodeIllegalState, "malformed credential payload")
	}
	return &cred, nil
}

// Retrieve asks the relay for a stored credential usable on the
// caller's domain. A nil credential with nil error means the relay
// answered with an explicit "none".
func (c *Client) Retrieve(ctx context.Context, opts wire.RequestOptions) (*wire.Credential, error) {
	kind, args, err := c.do(ctx, wire.KindRetrieve, opts, wire.KindCredential, wire.KindNone)
	if err != nil {
		return nil, err
	}
	return decodeCredential(kind, args)
}

// Hint asks the relay for a sign-up hint drawn from credentials across
// all domains.
func (c *Client) Hint(ctx context.Context, opts wire.RequestOptions) (*wire.Credential, error) {
	kind, args, err := c.do(ctx, wire.KindHint, opts, wire.KindCredential, wire.KindNone)
	if err != nil {
		return nil, err
	}
	return decodeCredential(kind, args)
}

// HintsAvailable reports whether a hint request with the same options
// would have at least one candidate, without any user interaction.
func (c *Client) HintsAvailable(ctx context.Context, opts wire.RequestOptions) (bool, error) {
	_, args, err := c.do(ctx, wire.KindHintAvailable, opts, wire.KindHintAvailableResult)
	if err != nil {
		return false, err
	}
	var available bool
	if err := json.Unmarshal(args, &available); err != nil {
		return false, wire.NewError(wire.CodeIllegalState, "malformed availability payload")
	}
	return available, nil
}

// DisableAutoSignIn turns off automatic sign-in for the caller's domain.
func (c *Client) DisableAutoSignIn(ctx context.Context) error {
	_, _, err := c.do(ctx, wire.KindDisableAutoSignIn, nil, wire.KindDisableAutoSignInResult)
	return err
}

// Save offers a credential to the relay for storage, subject to user
// confirmation on the relay side.
func (c *Client) Save(ctx context.Context, cred wire.Credential) error {
	_, _, err := c.do(ctx, wire.KindSave, cred, wire.KindSaveResult)
	return err
}

// Proxy asks the relay to complete authentication on the caller's
// behalf with a credential whose secret was withheld.
func (c *Client) Proxy(ctx context.Context, cred wire.Credential) (*wire.ProxyResult, error) {
	_, args, err := c.do(ctx, wire.KindProxy, cred, wire.KindProxyResult)
	if err != nil {
		return nil, err
	}
	var res wire.ProxyResult
	if err := json.Unmarshal(args, &res); err != nil {
		return nil, wire.NewError(wire.CodeIllegalState, "malformed proxy result payload")
	}
	return &res, nil
}

// CancelLastOperation asks the relay to abandon whatever operation is
// currently in flight. The cancelled operation fails separately with an
// operation-canceled error.
func (c *Client) CancelLastOperation(ctx context.Context) error {
	_, _, err := c.do(ctx, wire.KindCancelLastOperation, nil, wire.KindCancelLastOperationResult)
	return err
}

// Dispose tears down the channel and the visual collaborator.
func (c *Client) Dispose() {
	c.ch.Dispose()
	if c.display != nil {
		c.display.Dispose()
	}
}
