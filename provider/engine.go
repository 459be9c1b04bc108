package provider

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/channel"
	"github.com/credfold/relay/wire"
)

// Engine arbitrates one client's requests over an established secure
// channel. All relay-side processing is serialized through a single
// busy/idle slot: at most one client-originated operation is in flight
// at any time, which is the only concurrency discipline the relay
// state needs.
type Engine struct {
	ch           *channel.Channel
	clientDomain string

	// allowDirectAuth is the relay-wide switch; when false every
	// returned credential is redacted regardless of client policy.
	allowDirectAuth bool

	affiliations AffiliationSource
	clients      ClientConfigSource
	store        CredentialStore
	ui           InteractionSurface
	state        LocalState

	mu            sync.Mutex
	busy          bool
	currentID     string
	currentKind   wire.Kind
	cancelCurrent context.CancelFunc
	// generation invalidates in-flight workers: a worker may only
	// publish its outcome while its generation is still current, so a
	// collaborator call resolving after cancellation has no observable
	// effect.
	generation uint64

	listenerKeys []string
	disposeOnce  sync.Once
}

// Config assembles an engine's collaborators and policy.
type Config struct {
	ClientDomain    string
	AllowDirectAuth bool
	Affiliations    AffiliationSource
	Clients         ClientConfigSource
	Store           CredentialStore
	Interaction     InteractionSurface
	State           LocalState
}

// New wires an engine to its channel and registers its request
// listeners. The engine serves until Dispose.
func New(ch *channel.Channel, cfg Config) *Engine {
	e := &Engine{
		ch:              ch,
		clientDomain:    cfg.ClientDomain,
		allowDirectAuth: cfg.AllowDirectAuth,
		affiliations:    cfg.Affiliations,
		clients:         cfg.Clients,
		store:           cfg.Store,
		ui:              cfg.Interaction,
		state:           cfg.State,
	}
	for _, kind := range wire.Kinds() {
		k := kind
		switch {
		case wire.IsRequest(k):
			e.listenerKeys = append(e.listenerKeys, ch.Listen(k, func(p wire.Payload) {
				e.handle(k, p)
			}))
		case k == wire.KindAck:
			// Acks belong to the channel's send waiters.
		default:
			e.listenerKeys = append(e.listenerKeys, ch.Listen(k, func(p wire.Payload) {
				e.handleMisdirected(k, p)
			}))
		}
	}
	return e
}

// handleMisdirected answers a recognized envelope that is not a
// client-originated request. A well-behaved client never sends these
// kinds toward the relay, but they are answered, not silently dropped.
func (e *Engine) handleMisdirected(kind wire.Kind, p wire.Payload) {
	log.Debug().Str("kind", string(kind)).Str("id", p.ID).Msg("Answering misdirected envelope")
	e.respondError(p.ID, wire.NewError(wire.CodeUnknownRequest, "unsupported request kind %q", kind))
}

// Dispose stops serving: listeners are removed, any in-flight operation
// is abandoned, and the interaction surface is torn down. Idempotent.
func (e *Engine) Dispose() {
	e.disposeOnce.Do(func() {
		for _, key := range e.listenerKeys {
			e.ch.Unlisten(key)
		}
		e.mu.Lock()
		if e.cancelCurrent != nil {
			e.cancelCurrent()
			e.cancelCurrent = nil
		}
		e.busy = false
		e.generation++
		e.mu.Unlock()
		if e.ui != nil {
			e.ui.Dispose()
		}
	})
}

// handle routes one validated inbound request.
func (e *Engine) handle(kind wire.Kind, p wire.Payload) {
	log.Debug().Str("kind", string(kind)).Str("id", p.ID).Msg("Handling relay request")

	if kind == wire.KindCancelLastOperation {
		e.handleCancel(p)
		return
	}
	if !e.routable(kind) {
		// A recognized envelope the engine has no route for is answered,
		// never silently dropped.
		e.respondError(p.ID, wire.NewError(wire.CodeUnknownRequest, "unsupported request kind %q", kind))
		return
	}

	ctx, generation, admitted := e.admit(kind, p.ID)
	if !admitted {
		e.respondError(p.ID, wire.NewError(wire.CodeIllegalConcurrentRequest, "another operation is in flight"))
		return
	}

	go func() {
		respKind, args, err := e.run(ctx, kind, p)
		e.finish(generation, p.ID, respKind, args, err)
	}()
}

func (e *Engine) routable(kind wire.Kind) bool {
	switch kind {
	case wire.KindRetrieve, wire.KindHint, wire.KindHintAvailable,
		wire.KindDisableAutoSignIn, wire.KindSave, wire.KindProxy:
		return true
	}
	return false
}

// admit claims the single operation slot, or reports it occupied.
func (e *Engine) admit(kind wire.Kind, id string) (context.Context, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return nil, 0, false
	}
	e.busy = true
	e.currentID = id
	e.currentKind = kind
	e.generation++
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelCurrent = cancel
	return ctx, e.generation, true
}

// finish publishes a worker's outcome, unless the operation was
// cancelled (or the engine disposed) while the worker ran.
func (e *Engine) finish(generation uint64, id string, respKind wire.Kind, args any, err error) {
	e.mu.Lock()
	if !e.busy || e.generation != generation {
		e.mu.Unlock()
		log.Debug().Str("id", id).Msg("Discarding outcome of superseded operation")
		return
	}
	e.busy = false
	if e.cancelCurrent != nil {
		e.cancelCurrent()
		e.cancelCurrent = nil
	}
	e.mu.Unlock()

	if err != nil {
		e.respondError(id, err)
		return
	}
	e.send(respKind, id, args)
}

// handleCancel cancels the in-flight operation, if any, and always
// acknowledges the cancellation itself.
func (e *Engine) handleCancel(p wire.Payload) {
	e.mu.Lock()
	var cancelledID string
	if e.busy {
		cancelledID = e.currentID
		e.busy = false
		if e.cancelCurrent != nil {
			e.cancelCurrent()
			e.cancelCurrent = nil
		}
		e.generation++
	}
	e.mu.Unlock()

	if cancelledID != "" {
		e.respondError(cancelledID, wire.NewError(wire.CodeOperationCanceled, "canceled by client"))
	}
	e.send(wire.KindCancelLastOperationResult, p.ID, nil)
}

// run executes one admitted operation to its terminal outcome.
func (e *Engine) run(ctx context.Context, kind wire.Kind, p wire.Payload) (wire.Kind, any, error) {
	cfg, err := e.clients.ClientConfig(ctx, e.clientDomain)
	if err != nil {
		return "", nil, err
	}
	if !cfg.APIEnabled {
		return "", nil, wire.NewError(wire.CodeAPIDisabled, "credential API disabled for %s", e.clientDomain)
	}

	switch kind {
	case wire.KindRetrieve:
		opts, err := decodeOptions(p.Args)
		if err != nil {
			return "", nil, err
		}
		cred, err := e.runRetrieve(ctx, p.ID, cfg, opts)
		if err != nil {
			return "", nil, err
		}
		return wire.KindCredential, cred, nil

	case wire.KindHint:
		opts, err := decodeOptions(p.Args)
		if err != nil {
			return "", nil, err
		}
		hint, err := e.runHint(ctx, p.ID, opts)
		if err != nil {
			return "", nil, err
		}
		return wire.KindCredential, hint, nil

	case wire.KindHintAvailable:
		opts, err := decodeOptions(p.Args)
		if err != nil {
			return "", nil, err
		}
		available, err := e.runHintAvailable(ctx, opts)
		if err != nil {
			return "", nil, err
		}
		return wire.KindHintAvailableResult, available, nil

	case wire.KindDisableAutoSignIn:
		if err := e.state.SetAutoSignInEnabled(ctx, e.clientDomain, false); err != nil {
			return "", nil, err
		}
		return wire.KindDisableAutoSignInResult, nil, nil

	case wire.KindSave:
		if err := e.runSave(ctx, p.ID, p.Args); err != nil {
			return "", nil, err
		}
		return wire.KindSaveResult, nil, nil

	case wire.KindProxy:
		result, err := e.runProxy(ctx, p.Args)
		if err != nil {
			return "", nil, err
		}
		return wire.KindProxyResult, result, nil
	}
	return "", nil, wire.NewError(wire.CodeUnknownRequest, "unsupported request kind %q", kind)
}

// runRetrieve selects one credential for the client's domain.
func (e *Engine) runRetrieve(ctx context.Context, opID string, cfg ClientConfig, opts wire.RequestOptions) (*wire.Credential, error) {
	domains, err := e.affiliations.EquivalentDomains(ctx, e.clientDomain)
	if err != nil {
		return nil, err
	}
	stored, err := e.store.ListForDomains(ctx, domains)
	if err != nil {
		return nil, err
	}
	candidates := filterByMethods(stored, opts)
	if len(candidates) == 0 {
		return nil, wire.NewError(wire.CodeNoCredentialsAvailable, "no credentials for %s", e.clientDomain)
	}

	var selected wire.Credential
	autoEnabled, err := e.state.AutoSignInEnabled(ctx, e.clientDomain)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 1 && autoEnabled {
		// Single unambiguous credential: notify, don't ask.
		selected = candidates[0]
		notice := selected
		go func() {
			if err := e.ui.ShowAutoSignIn(context.Background(), notice); err != nil {
				log.Warn().Err(err).Msg("Auto sign-in notice failed")
			}
		}()
	} else {
		picked, err := e.ui.ShowCredentialPicker(ctx, candidates, e.displayRequester(opID))
		if err != nil {
			return nil, err
		}
		selected = *picked
		if err := e.state.SetAutoSignInEnabled(ctx, e.clientDomain, true); err != nil {
			log.Warn().Err(err).Str("domain", e.clientDomain).Msg("Failed to enable auto sign-in")
		}
	}

	// The unredacted selection stays available for the session so a
	// proxy login can complete without re-prompting the user.
	e.state.RetainCredential(selected)

	if cfg.RequiresProxyLogin || !e.allowDirectAuth {
		selected = selected.Redacted()
	}
	return &selected, nil
}

// runHintAvailable answers the availability question with the same
// filtering a retrieve would apply, without interaction.
func (e *Engine) runHintAvailable(ctx context.Context, opts wire.RequestOptions) (bool, error) {
	domains, err := e.affiliations.EquivalentDomains(ctx, e.clientDomain)
	if err != nil {
		return false, err
	}
	stored, err := e.store.ListForDomains(ctx, domains)
	if err != nil {
		return false, err
	}
	return len(filterByMethods(stored, opts)) > 0, nil
}

// runHint offers a cross-domain sign-up hint.
func (e *Engine) runHint(ctx context.Context, opID string, opts wire.RequestOptions) (*wire.Credential, error) {
	stored, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	candidates := filterByMethods(stored, opts)
	if len(candidates) == 0 {
		return nil, wire.NewError(wire.CodeNoCredentialsAvailable, "no hint candidates")
	}

	hints := RankHints(candidates)
	picked, err := e.ui.ShowHintPicker(ctx, hints, e.displayRequester(opID))
	if err != nil {
		return nil, err
	}

	enabled, err := e.state.AutoSignInEnabled(ctx, e.clientDomain)
	if err == nil && !enabled {
		// A successful pick re-enables auto sign-in for the domain.
		if err := e.state.SetAutoSignInEnabled(ctx, e.clientDomain, true); err != nil {
			log.Warn().Err(err).Str("domain", e.clientDomain).Msg("Failed to re-enable auto sign-in")
		}
	}

	hint := picked.HintFields()
	return &hint, nil
}

// runSave stores a credential after user confirmation.
func (e *Engine) runSave(ctx context.Context, opID string, args json.RawMessage) error {
	var cred wire.Credential
	if err := json.Unmarshal(args, &cred); err != nil {
		return wire.NewError(wire.CodeIllegalState, "malformed credential")
	}
	confirmed, err := e.ui.ConfirmSave(ctx, cred, e.displayRequester(opID))
	if err != nil {
		return err
	}
	if !confirmed {
		return wire.NewError(wire.CodeUserCanceled, "save declined")
	}
	return e.store.Upsert(ctx, cred)
}

// runProxy completes a proxied authentication against the credential
// retained earlier in the session. The retained record is consumed
// whether or not it matches.
func (e *Engine) runProxy(ctx context.Context, args json.RawMessage) (*wire.ProxyResult, error) {
	var presented wire.Credential
	if err := json.Unmarshal(args, &presented); err != nil {
		return nil, wire.NewError(wire.CodeIllegalState, "malformed credential")
	}
	retained := e.state.TakeRetainedCredential()
	if retained == nil || retained.ID != presented.ID || retained.AuthDomain != presented.AuthDomain {
		return &wire.ProxyResult{StatusCode: 401, ResponseText: "no retained credential for this identity"}, nil
	}
	return &wire.ProxyResult{StatusCode: 200}, nil
}

// displayRequester forwards an interaction's display request as a
// show-provider message correlated to the operation, using the
// acknowledged send so the interaction knows the embedding page saw it.
func (e *Engine) displayRequester(opID string) DisplayRequester {
	return func(opts wire.DisplayOptions) error {
		env, err := wire.NewEnvelope(wire.KindShowProvider, opID, opts)
		if err != nil {
			return err
		}
		return e.ch.SendAndWaitAck(env)
	}
}

// send emits a correlated response message.
func (e *Engine) send(kind wire.Kind, id string, args any) {
	env, err := wire.NewEnvelope(kind, id, args)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("Failed to build response")
		e.respondError(id, err)
		return
	}
	if err := e.ch.Send(env); err != nil {
		log.Error().Err(err).Str("id", id).Str("kind", string(kind)).Msg("Failed to send response")
	}
}

// respondError converts any failure to its client-safe form and emits
// it correlated to the request. Internal detail stays in the logs.
func (e *Engine) respondError(id string, err error) {
	exposed := wire.Expose(err)
	if exposed.Code == wire.CodeIllegalState {
		log.Error().Err(err).Str("id", id).Msg("Internal failure exposed as illegal state")
	} else {
		log.Debug().Str("id", id).Str("code", string(exposed.Code)).Msg("Rejecting request")
	}
	env, envErr := wire.NewEnvelope(wire.KindError, id, exposed)
	if envErr != nil {
		log.Error().Err(envErr).Msg("Failed to build error envelope")
		return
	}
	if sendErr := e.ch.Send(env); sendErr != nil {
		log.Error().Err(sendErr).Str("id", id).Msg("Failed to send error")
	}
}

func decodeOptions(args json.RawMessage) (wire.RequestOptions, error) {
	var opts wire.RequestOptions
	if err := json.Unmarshal(args, &opts); err != nil {
		return opts, wire.NewError(wire.CodeIllegalState, "malformed request options")
	}
	return opts, nil
}
