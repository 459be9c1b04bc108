// Package provider implements the relay-side arbitration engine: it
// consumes requests from a secure channel, serializes them through a
// single busy/idle slot, selects and redacts credentials, and emits the
// correlated response or error.
package provider

import (
	"context"
	"sync"

	"github.com/credfold/relay/wire"
)

// AffiliationSource resolves the set of authentication domains
// equivalent to a given domain.
type AffiliationSource interface {
	EquivalentDomains(ctx context.Context, domain string) ([]string, error)
}

// ClientConfig is the per-domain policy for an embedding client.
type ClientConfig struct {
	APIEnabled         bool `yaml:"api_enabled" json:"apiEnabled"`
	RequiresProxyLogin bool `yaml:"requires_proxy_login" json:"requiresProxyLogin"`
}

// ClientConfigSource looks up the policy for an embedding domain.
type ClientConfigSource interface {
	ClientConfig(ctx context.Context, domain string) (ClientConfig, error)
}

// CredentialStore is the persistent credential collection the engine
// arbitrates over.
type CredentialStore interface {
	// ListForDomains returns credentials whose authDomain is in domains.
	ListForDomains(ctx context.Context, domains []string) ([]wire.Credential, error)
	// ListAll returns every stored credential; hints are cross-domain.
	ListAll(ctx context.Context) ([]wire.Credential, error)
	Upsert(ctx context.Context, cred wire.Credential) error
	Delete(ctx context.Context, id, authDomain string) error
}

// LocalState tracks relay-local, per-domain state that is not part of
// the credential collection itself.
type LocalState interface {
	// AutoSignInEnabled reports whether auto sign-in is on for the
	// domain. Domains with no recorded preference default to enabled.
	AutoSignInEnabled(ctx context.Context, domain string) (bool, error)
	SetAutoSignInEnabled(ctx context.Context, domain string, enabled bool) error

	// RetainCredential keeps a credential for the remainder of the
	// session; TakeRetainedCredential consumes it exactly once.
	RetainCredential(cred wire.Credential)
	TakeRetainedCredential() *wire.Credential
}

// DisplayRequester lets an interaction ask the embedding page for more
// on-screen space before it renders.
type DisplayRequester func(opts wire.DisplayOptions) error

// InteractionSurface is the user-facing collaborator. Pickers resolve
// with the user's selection or fail with a user-canceled protocol error
// when dismissed; any call may first request display space through the
// supplied requester.
type InteractionSurface interface {
	ShowCredentialPicker(ctx context.Context, candidates []wire.Credential, display DisplayRequester) (*wire.Credential, error)
	ShowHintPicker(ctx context.Context, hints []wire.Credential, display DisplayRequester) (*wire.Credential, error)
	ConfirmSave(ctx context.Context, cred wire.Credential, display DisplayRequester) (bool, error)
	// ShowAutoSignIn is a fire-and-forget notice that a credential is
	// being returned without explicit selection.
	ShowAutoSignIn(ctx context.Context, cred wire.Credential) error
	Dispose()
}

// StaticAffiliations is an AffiliationSource backed by a fixed map. A
// domain always counts as equivalent to itself.
type StaticAffiliations map[string][]string

func (s StaticAffiliations) EquivalentDomains(ctx context.Context, domain string) ([]string, error) {
	domains := []string{domain}
	for _, d := range s[domain] {
		if d != domain {
			domains = append(domains, d)
		}
	}
	return domains, nil
}

// StaticClientConfigs is a ClientConfigSource backed by a fixed map
// with a fallback for unlisted domains.
type StaticClientConfigs struct {
	Configs map[string]ClientConfig
	Default ClientConfig
}

func (s StaticClientConfigs) ClientConfig(ctx context.Context, domain string) (ClientConfig, error) {
	if cfg, ok := s.Configs[domain]; ok {
		return cfg, nil
	}
	return s.Default, nil
}

// MemoryState is an in-memory LocalState, used for sessions that do not
// persist preferences across restarts and as the retention half of the
// sqlite-backed state.
type MemoryState struct {
	mu       sync.Mutex
	disabled map[string]bool
	retained *wire.Credential
}

func NewMemoryState() *MemoryState {
	return &MemoryState{disabled: make(map[string]bool)}
}

func (m *MemoryState) AutoSignInEnabled(ctx context.Context, domain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disabled[domain], nil
}

func (m *MemoryState) SetAutoSignInEnabled(ctx context.Context, domain string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		delete(m.disabled, domain)
	} else {
		m.disabled[domain] = true
	}
	return nil
}

func (m *MemoryState) RetainCredential(cred wire.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retained = &cred
}

func (m *MemoryState) TakeRetainedCredential() *wire.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := m.retained
	m.retained = nil
	return cred
}
