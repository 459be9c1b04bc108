// Package storage provides the relay's persistent credential store: an
// SQLite database whose credential rows are encrypted at rest, with an
// LRU cache in front of row decryption.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/credfold/relay/wire"
)

const cacheCapacity = 256

// record is the sealed row payload. Identity columns stay in plaintext
// for querying; everything else, the secret included, lives here.
type record struct {
	ID                  string `cbor:"1,keyasint"`
	AuthMethod          string `cbor:"2,keyasint"`
	AuthDomain          string `cbor:"3,keyasint"`
	DisplayName         string `cbor:"4,keyasint,omitempty"`
	ProfilePicture      string `cbor:"5,keyasint,omitempty"`
	Password            string `cbor:"6,keyasint,omitempty"`
	ProxiedAuthRequired bool   `cbor:"7,keyasint,omitempty"`
}

func recordOf(cred wire.Credential) record {
	return record{
		ID:                  cred.ID,
		AuthMethod:          cred.AuthMethod,
		AuthDomain:          cred.AuthDomain,
		DisplayName:         cred.DisplayName,
		ProfilePicture:      cred.ProfilePicture,
		Password:            cred.Password,
		ProxiedAuthRequired: cred.ProxiedAuthRequired,
	}
}

func (r record) credential() wire.Credential {
	return wire.Credential{
		ID:                  r.ID,
		AuthMethod:          r.AuthMethod,
		AuthDomain:          r.AuthDomain,
		DisplayName:         r.DisplayName,
		ProfilePicture:      r.ProfilePicture,
		Password:            r.Password,
		ProxiedAuthRequired: r.ProxiedAuthRequired,
	}
}

// Store is the sqlite-backed credential store and local relay state. It
// satisfies both collaborator interfaces the arbitration engine needs.
type Store struct {
	db     *sql.DB
	sealer *Sealer
	cache  *credentialCache

	mu       sync.Mutex
	retained *wire.Credential
}

// Open opens (or creates) the database at path and prepares the schema.
// Pass ":memory:" for an ephemeral store.
func Open(path string, sealingKey []byte) (*Store, error) {
	sealer, err := NewSealer(sealingKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, sealer: sealer, cache: newCredentialCache(cacheCapacity)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Credential rows. Identity columns are plaintext so retrieve can
	-- filter by domain without opening every row; the record blob is
	-- sealed and holds the full credential, secret included.
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT NOT NULL,
		auth_domain TEXT NOT NULL,
		record BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (id, auth_domain)
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_domain ON credentials(auth_domain);

	-- Per-domain auto sign-in preference. Absence means enabled.
	CREATE TABLE IF NOT EXISTS auto_sign_in (
		domain TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.cache.Reset()
	return s.db.Close()
}

// openRow returns the credential behind a sealed row, decrypting and
// decoding only on a cache miss.
func (s *Store) openRow(id, authDomain string, sealed []byte) (wire.Credential, error) {
	key := wire.Key{ID: id, AuthDomain: authDomain}
	if cred, ok := s.cache.Lookup(key); ok {
		return cred, nil
	}
	plaintext, err := s.sealer.Open(sealed)
	if err != nil {
		return wire.Credential{}, fmt.Errorf("credential %s/%s: %w", authDomain, id, err)
	}
	var rec record
	if err := cbor.Unmarshal(plaintext, &rec); err != nil {
		return wire.Credential{}, fmt.Errorf("failed to decode credential record: %w", err)
	}
	cred := rec.credential()
	s.cache.Store(cred)
	return cred, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]wire.Credential, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []wire.Credential
	for rows.Next() {
		var id, authDomain string
		var sealed []byte
		if err := rows.Scan(&id, &authDomain, &sealed); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		cred, err := s.openRow(id, authDomain, sealed)
		if err != nil {
			// A row that fails authentication is skipped, not fatal; the
			// rest of the store stays usable.
			log.Error().Err(err).Msg("Skipping unreadable credential row")
			continue
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// ListForDomains returns credentials whose authDomain is in domains, in
// stable (domain, id) order.
func (s *Store) ListForDomains(ctx context.Context, domains []string) ([]wire.Credential, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(domains)), ",")
	args := make([]any, len(domains))
	for i, d := range domains {
		args[i] = d
	}
	query := fmt.Sprintf(
		`SELECT id, auth_domain, record FROM credentials WHERE auth_domain IN (%s) ORDER BY auth_domain, id`,
		placeholders,
	)
	return s.list(ctx, query, args...)
}

// ListAll returns every stored credential in stable (domain, id) order.
func (s *Store) ListAll(ctx context.Context) ([]wire.Credential, error) {
	return s.list(ctx, `SELECT id, auth_domain, record FROM credentials ORDER BY auth_domain, id`)
}

// Upsert seals and writes a credential, replacing any row with the same
// identity.
func (s *Store) Upsert(ctx context.Context, cred wire.Credential) error {
	plaintext, err := cbor.Marshal(recordOf(cred))
	if err != nil {
		return fmt.Errorf("failed to encode credential record: %w", err)
	}
	sealed, err := s.sealer.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal credential record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, auth_domain, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id, auth_domain) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at
	`, cred.ID, cred.AuthDomain, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	s.cache.Store(cred)
	return nil
}

// Delete removes a credential row.
func (s *Store) Delete(ctx context.Context, id, authDomain string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE id = ? AND auth_domain = ?`, id, authDomain); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	s.cache.Drop(wire.Key{ID: id, AuthDomain: authDomain})
	return nil
}

// AutoSignInEnabled reports the per-domain preference; domains with no
// recorded preference default to enabled.
func (s *Store) AutoSignInEnabled(ctx context.Context, domain string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM auto_sign_in WHERE domain = ?`, domain).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read auto sign-in preference: %w", err)
	}
	return enabled != 0, nil
}

// SetAutoSignInEnabled records the per-domain preference.
func (s *Store) SetAutoSignInEnabled(ctx context.Context, domain string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_sign_in (domain, enabled, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`, domain, val, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record auto sign-in preference: %w", err)
	}
	return nil
}

// RetainCredential keeps a credential in memory for the session.
// Retained credentials are deliberately never written to disk.
func (s *Store) RetainCredential(cred wire.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained = &cred
}

// TakeRetainedCredential consumes the retained credential, if any.
func (s *Store) TakeRetainedCredential() *wire.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred := s.retained
	s.retained = nil
	return cred
}
