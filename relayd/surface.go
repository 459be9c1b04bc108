package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/credfold/relay/provider"
	"github.com/credfold/relay/wire"
)

// autoSurface is the daemon's headless interaction surface: selections
// resolve to the first candidate and saves are confirmed, with every
// decision logged. A deployment with a real UI swaps this out for one
// driven by the relay frame.
type autoSurface struct{}

func newAutoSurface() provider.InteractionSurface {
	return autoSurface{}
}

func (autoSurface) ShowCredentialPicker(ctx context.Context, candidates []wire.Credential, display provider.DisplayRequester) (*wire.Credential, error) {
	if len(candidates) == 0 {
		return nil, wire.NewError(wire.CodeNoCredentialsAvailable, "no candidates to pick from")
	}
	if err := display(wire.DisplayOptions{}); err != nil {
		log.Debug().Err(err).Msg("Display request failed")
	}
	picked := candidates[0]
	log.Info().Str("id", picked.ID).Str("domain", picked.AuthDomain).Msg("Auto-selecting credential")
	return &picked, nil
}

func (autoSurface) ShowHintPicker(ctx context.Context, hints []wire.Credential, display provider.DisplayRequester) (*wire.Credential, error) {
	if len(hints) == 0 {
		return nil, wire.NewError(wire.CodeNoCredentialsAvailable, "no hints to pick from")
	}
	if err := display(wire.DisplayOptions{}); err != nil {
		log.Debug().Err(err).Msg("Display request failed")
	}
	picked := hints[0]
	log.Info().Str("id", picked.ID).Msg("Auto-selecting hint")
	return &picked, nil
}

func (autoSurface) ConfirmSave(ctx context.Context, cred wire.Credential, display provider.DisplayRequester) (bool, error) {
	log.Info().Str("id", cred.ID).Str("domain", cred.AuthDomain).Msg("Auto-confirming save")
	return true, nil
}

func (autoSurface) ShowAutoSignIn(ctx context.Context, cred wire.Credential) error {
	log.Info().Str("id", cred.ID).Str("domain", cred.AuthDomain).Msg("Auto sign-in")
	return nil
}

func (autoSurface) Dispose() {}
