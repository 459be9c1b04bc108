// Package config holds the relay daemon configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/credfold/relay/provider"
	"github.com/credfold/relay/transport"
)

// Config holds the relay daemon configuration.
type Config struct {
	// Origin is the identity this relay asserts toward its clients.
	Origin string `yaml:"origin"`

	// PermittedOrigins may establish secure channels. Connect attempts
	// from any other origin are rejected.
	PermittedOrigins []string `yaml:"permitted_origins"`

	// AllowDirectAuth permits returning credential secrets to clients.
	// When false every retrieved credential is redacted.
	AllowDirectAuth bool `yaml:"allow_direct_auth"`

	// Timeouts for channel establishment and acknowledged sends.
	HandshakeTimeoutMS int `yaml:"handshake_timeout_ms"`
	AckTimeoutMS       int `yaml:"ack_timeout_ms"`

	// Storage configuration.
	Storage StorageConfig `yaml:"storage"`

	// Transport selection: "nats" or "conn".
	Transport string `yaml:"transport"`

	NATS transport.NATSConfig `yaml:"nats"`
	Conn transport.ConnConfig `yaml:"conn"`

	// Clients is the per-domain policy table; Affiliations the
	// equivalent-domain map.
	Clients       map[string]provider.ClientConfig `yaml:"clients"`
	DefaultClient provider.ClientConfig            `yaml:"default_client"`
	Affiliations  map[string][]string              `yaml:"affiliations"`
}

// StorageConfig holds credential store settings. The sealing key is hex
// encoded in the file; prefer the environment variable in production.
type StorageConfig struct {
	Path          string `yaml:"path"`
	SealingKeyHex string `yaml:"sealing_key_hex"`
}

// SealingKeyEnv overrides the configured sealing key when set.
const SealingKeyEnv = "RELAY_SEALING_KEY"

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Origin:             "https://relay.credfold.dev",
		PermittedOrigins:   nil,
		AllowDirectAuth:    false,
		HandshakeTimeoutMS: 10000,
		AckTimeoutMS:       500,
		Storage: StorageConfig{
			Path: "/var/lib/credfold/relay.db",
		},
		Transport:     "nats",
		NATS:          transport.DefaultNATSConfig(),
		Conn:          transport.ConnConfig{DevMode: true, Addr: "localhost:5200", Port: 5200},
		DefaultClient: provider.ClientConfig{APIEnabled: true},
	}
}

// HandshakeTimeout returns the configured handshake timeout.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// AckTimeout returns the configured acknowledgement timeout.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// SealingKey resolves the 32-byte sealing key from the environment or
// the config file.
func (c *Config) SealingKey() ([]byte, error) {
	encoded := os.Getenv(SealingKeyEnv)
	if encoded == "" {
		encoded = c.Storage.SealingKeyHex
	}
	if encoded == "" {
		return nil, fmt.Errorf("no sealing key: set %s or storage.sealing_key_hex", SealingKeyEnv)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed sealing key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
