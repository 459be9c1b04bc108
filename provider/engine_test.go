package provider

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/credfold/relay/channel"
	"github.com/credfold/relay/wire"
)

const clientDomain = "https://app.example.com"

var passwordOnly = wire.RequestOptions{SupportedAuthMethods: []string{wire.AuthMethodPassword}}
var anyMethod = wire.RequestOptions{SupportedAuthMethods: []string{wire.AuthMethodPassword, wire.AuthMethodGoogle}}

// memStore is an in-memory CredentialStore for engine tests.
type memStore struct {
	mu    sync.Mutex
	creds []wire.Credential
}

func (s *memStore) ListForDomains(ctx context.Context, domains []string) ([]wire.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[d] = true
	}
	var out []wire.Credential
	for _, c := range s.creds {
		if allowed[c.AuthDomain] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) ListAll(ctx context.Context) ([]wire.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Credential(nil), s.creds...), nil
}

func (s *memStore) Upsert(ctx context.Context, cred wire.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.creds {
		if c.IdentityKey() == cred.IdentityKey() {
			s.creds[i] = cred
			return nil
		}
	}
	s.creds = append(s.creds, cred)
	return nil
}

func (s *memStore) Delete(ctx context.Context, id, authDomain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.creds {
		if c.ID == id && c.AuthDomain == authDomain {
			s.creds = append(s.creds[:i], s.creds[i+1:]...)
			return nil
		}
	}
	return nil
}

// scriptSurface is a controllable InteractionSurface. Pickers select
// pickIndex; when hold is set they first signal started and wait for
// release, letting tests overlap operations deterministically.
type scriptSurface struct {
	mu          sync.Mutex
	pickIndex   int
	confirm     bool
	hold        bool
	started     chan struct{}
	release     chan struct{}
	pickerCalls int
	autoSignIns int
}

func newScriptSurface() *scriptSurface {
	return &scriptSurface{
		confirm: true,
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (s *scriptSurface) maybeHold(ctx context.Context) error {
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if !hold {
		return nil
	}
	s.started <- struct{}{}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scriptSurface) pick(ctx context.Context, candidates []wire.Credential) (*wire.Credential, error) {
	s.mu.Lock()
	s.pickerCalls++
	idx := s.pickIndex
	s.mu.Unlock()
	if err := s.maybeHold(ctx); err != nil {
		return nil, err
	}
	if idx >= len(candidates) {
		return nil, wire.NewError(wire.CodeUserCanceled, "dismissed")
	}
	picked := candidates[idx]
	return &picked, nil
}

func (s *scriptSurface) ShowCredentialPicker(ctx context.Context, candidates []wire.Credential, display DisplayRequester) (*wire.Credential, error) {
	return s.pick(ctx, candidates)
}

func (s *scriptSurface) ShowHintPicker(ctx context.Context, hints []wire.Credential, display DisplayRequester) (*wire.Credential, error) {
	return s.pick(ctx, hints)
}

func (s *scriptSurface) ConfirmSave(ctx context.Context, cred wire.Credential, display DisplayRequester) (bool, error) {
	if err := s.maybeHold(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirm, nil
}

func (s *scriptSurface) ShowAutoSignIn(ctx context.Context, cred wire.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSignIns++
	return nil
}

func (s *scriptSurface) Dispose() {}

func (s *scriptSurface) counts() (picker, auto int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickerCalls, s.autoSignIns
}

// reply pairs a response envelope with the kind it arrived under.
type reply struct {
	kind    wire.Kind
	payload wire.Payload
}

// rig wires an engine to a scripted client end.
type rig struct {
	clientCh *channel.Channel
	engine   *Engine
	store    *memStore
	surface  *scriptSurface
	state    *MemoryState
	replies  chan reply
}

func responseKinds() []wire.Kind {
	return []wire.Kind{
		wire.KindCredential, wire.KindNone, wire.KindHintAvailableResult,
		wire.KindDisableAutoSignInResult, wire.KindSaveResult, wire.KindProxyResult,
		wire.KindCancelLastOperationResult, wire.KindError,
	}
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	a, b := channel.NewPortPair()
	clientCh := channel.New(a)
	relayCh := channel.New(b)

	r := &rig{
		clientCh: clientCh,
		store:    &memStore{},
		surface:  newScriptSurface(),
		state:    NewMemoryState(),
		replies:  make(chan reply, 16),
	}
	if cfg.ClientDomain == "" {
		cfg.ClientDomain = clientDomain
	}
	if cfg.Affiliations == nil {
		cfg.Affiliations = StaticAffiliations{}
	}
	if cfg.Clients == nil {
		cfg.Clients = StaticClientConfigs{Default: ClientConfig{APIEnabled: true}}
	}
	if cfg.Store == nil {
		cfg.Store = r.store
	} else {
		r.store = nil
	}
	if cfg.Interaction == nil {
		cfg.Interaction = r.surface
	}
	if cfg.State == nil {
		cfg.State = r.state
	}
	r.engine = New(relayCh, cfg)

	for _, kind := range responseKinds() {
		respKind := kind
		clientCh.Listen(respKind, func(p wire.Payload) {
			r.replies <- reply{kind: respKind, payload: p}
		})
	}

	t.Cleanup(func() {
		r.engine.Dispose()
		relayCh.Dispose()
		clientCh.Dispose()
	})
	return r
}

func (r *rig) send(t *testing.T, kind wire.Kind, args any) string {
	t.Helper()
	id := uuid.NewString()
	if err := r.clientCh.Send(wire.MustEnvelope(kind, id, args)); err != nil {
		t.Fatalf("send %s failed: %v", kind, err)
	}
	return id
}

func (r *rig) awaitReply(t *testing.T, id string) reply {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rep := <-r.replies:
			if rep.payload.ID == id {
				return rep
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reply to %s", id)
		}
	}
}

func (r *rig) awaitError(t *testing.T, id string, code wire.ErrorCode) {
	t.Helper()
	rep := r.awaitReply(t, id)
	if rep.kind != wire.KindError {
		t.Fatalf("expected error %s, got %s", code, rep.kind)
	}
	var perr wire.Error
	if err := json.Unmarshal(rep.payload.Args, &perr); err != nil {
		t.Fatalf("malformed error payload: %v", err)
	}
	if perr.Code != code {
		t.Fatalf("expected code %s, got %s", code, perr.Code)
	}
}

func decodeCred(t *testing.T, rep reply) wire.Credential {
	t.Helper()
	if rep.kind != wire.KindCredential {
		t.Fatalf("expected credential, got %s", rep.kind)
	}
	var cred wire.Credential
	if err := json.Unmarshal(rep.payload.Args, &cred); err != nil {
		t.Fatalf("malformed credential: %v", err)
	}
	return cred
}

func stored(id, method, domain, password string) wire.Credential {
	return wire.Credential{ID: id, AuthMethod: method, AuthDomain: domain, Password: password}
}

func TestRetrievePicksAmongCandidates(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw-a"))
	r.store.Upsert(context.Background(), stored("bob", wire.AuthMethodPassword, clientDomain, "pw-b"))
	r.surface.pickIndex = 1

	id := r.send(t, wire.KindRetrieve, passwordOnly)
	cred := decodeCred(t, r.awaitReply(t, id))
	if cred.ID != "bob" {
		t.Errorf("expected picked credential bob, got %q", cred.ID)
	}
	if cred.Password != "pw-b" {
		t.Errorf("expected direct-auth credential to keep its secret, got %q", cred.Password)
	}
}

func TestRetrieveRedactsWhenProxyRequired(t *testing.T) {
	r := newRig(t, Config{
		AllowDirectAuth: true,
		Clients: StaticClientConfigs{Default: ClientConfig{
			APIEnabled:         true,
			RequiresProxyLogin: true,
		}},
	})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw-a"))
	r.store.Upsert(context.Background(), stored("bob", wire.AuthMethodPassword, clientDomain, "pw-b"))

	id := r.send(t, wire.KindRetrieve, passwordOnly)
	cred := decodeCred(t, r.awaitReply(t, id))
	if cred.Password != "" {
		t.Error("secret crossed the boundary despite proxy-login policy")
	}
	if !cred.ProxiedAuthRequired {
		t.Error("proxied-auth marker not set")
	}
}

func TestRetrieveRedactsWhenDirectAuthDisallowed(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: false})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw-a"))
	r.store.Upsert(context.Background(), stored("bob", wire.AuthMethodPassword, clientDomain, "pw-b"))

	id := r.send(t, wire.KindRetrieve, passwordOnly)
	cred := decodeCred(t, r.awaitReply(t, id))
	if cred.Password != "" || !cred.ProxiedAuthRequired {
		t.Errorf("expected redaction, got %+v", cred)
	}
}

func TestRetrieveSingleCandidateAutoSignsIn(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw-a"))

	id := r.send(t, wire.KindRetrieve, passwordOnly)
	cred := decodeCred(t, r.awaitReply(t, id))
	if cred.ID != "alice" {
		t.Fatalf("unexpected credential %q", cred.ID)
	}
	picker, _ := r.surface.counts()
	if picker != 0 {
		t.Errorf("picker shown for unambiguous credential")
	}
}

func TestDisabledAutoSignInForcesPicker(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw-a"))

	id := r.send(t, wire.KindDisableAutoSignIn, nil)
	if rep := r.awaitReply(t, id); rep.kind != wire.KindDisableAutoSignInResult {
		t.Fatalf("expected disable result, got %s", rep.kind)
	}

	id = r.send(t, wire.KindRetrieve, passwordOnly)
	decodeCred(t, r.awaitReply(t, id))
	picker, _ := r.surface.counts()
	if picker != 1 {
		t.Errorf("expected picker after auto sign-in was disabled, got %d calls", picker)
	}

	// A successful explicit pick re-enables auto sign-in.
	if enabled, _ := r.state.AutoSignInEnabled(context.Background(), clientDomain); !enabled {
		t.Error("explicit selection did not re-enable auto sign-in")
	}
}

func TestRetrieveFiltersUnsupportedMethods(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodGoogle, clientDomain, ""))

	id := r.send(t, wire.KindRetrieve, passwordOnly)
	r.awaitError(t, id, wire.CodeNoCredentialsAvailable)
}

func TestRetrieveUsesEquivalentDomains(t *testing.T) {
	r := newRig(t, Config{
		AllowDirectAuth: true,
		Affiliations:    StaticAffiliations{clientDomain: {"https://login.example.com"}},
	})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, "https://login.example.com", "pw"))

	id := r.send(t, wire.KindRetrieve, passwordOnly)
	cred := decodeCred(t, r.awaitReply(t, id))
	if cred.AuthDomain != "https://login.example.com" {
		t.Errorf("affiliated credential not found: %+v", cred)
	}
}

func TestConcurrentRequestRejected(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw-a"))
	r.store.Upsert(context.Background(), stored("bob", wire.AuthMethodPassword, clientDomain, "pw-b"))
	r.surface.hold = true

	first := r.send(t, wire.KindRetrieve, passwordOnly)
	<-r.surface.started

	second := r.send(t, wire.KindRetrieve, passwordOnly)
	r.awaitError(t, second, wire.CodeIllegalConcurrentRequest)

	close(r.surface.release)
	decodeCred(t, r.awaitReply(t, first))
}

func TestCancelLastOperation(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw-a"))
	r.store.Upsert(context.Background(), stored("bob", wire.AuthMethodPassword, clientDomain, "pw-b"))
	r.surface.hold = true

	opID := r.send(t, wire.KindRetrieve, passwordOnly)
	<-r.surface.started

	cancelID := r.send(t, wire.KindCancelLastOperation, nil)

	r.awaitError(t, opID, wire.CodeOperationCanceled)
	if rep := r.awaitReply(t, cancelID); rep.kind != wire.KindCancelLastOperationResult {
		t.Fatalf("expected cancel result, got %s", rep.kind)
	}

	// Releasing the picker afterwards must not produce a late response.
	close(r.surface.release)
	select {
	case rep := <-r.replies:
		if rep.payload.ID == opID {
			t.Fatalf("late %s response for cancelled operation", rep.kind)
		}
	case <-time.After(200 * time.Millisecond):
	}

	// The slot is free again.
	nextID := r.send(t, wire.KindHintAvailable, passwordOnly)
	if rep := r.awaitReply(t, nextID); rep.kind != wire.KindHintAvailableResult {
		t.Fatalf("expected availability result after cancel, got %s", rep.kind)
	}
}

func TestCancelWhenIdleStillAcknowledged(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	id := r.send(t, wire.KindCancelLastOperation, nil)
	if rep := r.awaitReply(t, id); rep.kind != wire.KindCancelLastOperationResult {
		t.Fatalf("expected cancel result, got %s", rep.kind)
	}
}

func TestHintAvailable(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	id := r.send(t, wire.KindHintAvailable, passwordOnly)
	rep := r.awaitReply(t, id)
	var available bool
	json.Unmarshal(rep.payload.Args, &available)
	if available {
		t.Error("expected no availability on empty store")
	}

	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw"))
	id = r.send(t, wire.KindHintAvailable, passwordOnly)
	rep = r.awaitReply(t, id)
	json.Unmarshal(rep.payload.Args, &available)
	if !available {
		t.Error("expected availability")
	}
	picker, _ := r.surface.counts()
	if picker != 0 {
		t.Error("availability check triggered interaction")
	}
}

func TestHintReturnsRankedHintFields(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	// Hints draw on every domain, not just the client's.
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, "https://other.example.com", "pw"))

	id := r.send(t, wire.KindHint, anyMethod)
	cred := decodeCred(t, r.awaitReply(t, id))
	if cred.ID != "alice" {
		t.Fatalf("unexpected hint %q", cred.ID)
	}
	if cred.Password != "" || cred.ProxiedAuthRequired {
		t.Error("hint carries non-hint fields")
	}
}

func TestSaveConfirmedPersists(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	cred := stored("alice", wire.AuthMethodPassword, clientDomain, "pw")

	id := r.send(t, wire.KindSave, cred)
	if rep := r.awaitReply(t, id); rep.kind != wire.KindSaveResult {
		t.Fatalf("expected save result, got %s", rep.kind)
	}

	creds, _ := r.store.ListAll(context.Background())
	if len(creds) != 1 || creds[0].ID != "alice" {
		t.Errorf("credential not persisted: %+v", creds)
	}
}

func TestSaveDeclinedFailsUserCanceled(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	r.surface.confirm = false

	id := r.send(t, wire.KindSave, stored("alice", wire.AuthMethodPassword, clientDomain, "pw"))
	r.awaitError(t, id, wire.CodeUserCanceled)

	creds, _ := r.store.ListAll(context.Background())
	if len(creds) != 0 {
		t.Error("declined save still persisted")
	}
}

func TestAPIDisabledRejectsEverything(t *testing.T) {
	r := newRig(t, Config{
		Clients: StaticClientConfigs{Default: ClientConfig{APIEnabled: false}},
	})
	id := r.send(t, wire.KindRetrieve, passwordOnly)
	r.awaitError(t, id, wire.CodeAPIDisabled)

	id = r.send(t, wire.KindSave, stored("alice", wire.AuthMethodPassword, clientDomain, "pw"))
	r.awaitError(t, id, wire.CodeAPIDisabled)
}

func TestUnroutableKindAnsweredUnknownRequest(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})
	id := r.send(t, wire.KindWrapBrowser, nil)
	r.awaitError(t, id, wire.CodeUnknownRequest)
}

func TestMisdirectedResponseKindAnsweredUnknownRequest(t *testing.T) {
	r := newRig(t, Config{AllowDirectAuth: true})

	// Response and signal kinds are recognized vocabulary but never
	// legitimate toward the relay; each is answered, not dropped.
	id := r.send(t, wire.KindNone, nil)
	r.awaitError(t, id, wire.CodeUnknownRequest)

	id = r.send(t, wire.KindCredential, stored("alice", wire.AuthMethodPassword, clientDomain, "pw"))
	r.awaitError(t, id, wire.CodeUnknownRequest)
}

func TestProxyCompletesAgainstRetainedCredential(t *testing.T) {
	r := newRig(t, Config{
		Clients: StaticClientConfigs{Default: ClientConfig{
			APIEnabled:         true,
			RequiresProxyLogin: true,
		}},
	})
	r.store.Upsert(context.Background(), stored("alice", wire.AuthMethodPassword, clientDomain, "pw"))

	id := r.send(t, wire.KindRetrieve, passwordOnly)
	redacted := decodeCred(t, r.awaitReply(t, id))
	if redacted.Password != "" {
		t.Fatal("expected redacted credential")
	}

	id = r.send(t, wire.KindProxy, redacted)
	rep := r.awaitReply(t, id)
	if rep.kind != wire.KindProxyResult {
		t.Fatalf("expected proxy result, got %s", rep.kind)
	}
	var res wire.ProxyResult
	json.Unmarshal(rep.payload.Args, &res)
	if res.StatusCode != 200 {
		t.Errorf("expected 200, got %d", res.StatusCode)
	}

	// Retention is single-consumption: a second proxy finds nothing.
	id = r.send(t, wire.KindProxy, redacted)
	rep = r.awaitReply(t, id)
	json.Unmarshal(rep.payload.Args, &res)
	if res.StatusCode != 401 {
		t.Errorf("expected 401 after retained credential was consumed, got %d", res.StatusCode)
	}
}

func TestCollaboratorFailureExposedAsIllegalState(t *testing.T) {
	r := newRig(t, Config{
		AllowDirectAuth: true,
		Affiliations:    failingAffiliations{},
	})
	id := r.send(t, wire.KindRetrieve, passwordOnly)
	rep := r.awaitReply(t, id)
	var perr wire.Error
	json.Unmarshal(rep.payload.Args, &perr)
	if perr.Code != wire.CodeIllegalState {
		t.Fatalf("expected illegalStateError, got %s", perr.Code)
	}
	if perr.Message != "operation failed" {
		t.Errorf("internal detail leaked: %q", perr.Message)
	}
}

type failingAffiliations struct{}

func (failingAffiliations) EquivalentDomains(ctx context.Context, domain string) ([]string, error) {
	return nil, context.DeadlineExceeded
}
