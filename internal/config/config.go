// Package config loads and validates the service configuration. A config
// file passes three gates before anything is built from it: YAML parsing,
// the embedded JSON schema (shape and types), and semantic validation
// (cross-field rules the schema cannot express, reported as typed config
// errors with suggestions).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	dserrors "github.com/Superhepper/parsec/internal/errors"
	"github.com/Superhepper/parsec/internal/keystore"
	"github.com/Superhepper/parsec/internal/secretsource"
	"github.com/Superhepper/parsec/pkg/requests"
)

// Config is the full service configuration.
type Config struct {
	Listener       Listener        `yaml:"listener" json:"listener"`
	Log            Log             `yaml:"log,omitempty" json:"log,omitempty"`
	Authenticators []Authenticator `yaml:"authenticators" json:"authenticators"`
	KeyInfoManager KeyInfoManager  `yaml:"key_info_manager" json:"key_info_manager"`

	// KeyAliasing scopes key name uniqueness to (app, name, provider)
	// instead of (app, name), letting two providers hold same-named keys
	// for one application.
	KeyAliasing bool `yaml:"key_aliasing,omitempty" json:"key_aliasing,omitempty"`

	// DefaultProvider names the provider that serves requests addressed
	// to provider 0. Empty means the first configured provider.
	DefaultProvider string `yaml:"default_provider,omitempty" json:"default_provider,omitempty"`

	Providers []Provider `yaml:"providers" json:"providers"`
	Metrics   Metrics    `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// Listener configures the client-facing unix socket.
type Listener struct {
	SocketPath string `yaml:"socket_path" json:"socket_path"`

	// BodyLimit caps request body size in bytes. Zero means the wire
	// default.
	BodyLimit uint32 `yaml:"body_limit,omitempty" json:"body_limit,omitempty"`
}

// Log configures the service logger.
type Log struct {
	Debug   bool `yaml:"debug,omitempty" json:"debug,omitempty"`
	NoColor bool `yaml:"no_color,omitempty" json:"no_color,omitempty"`
}

// Authenticator enables one authentication method.
type Authenticator struct {
	// Type is direct or unix-peer.
	Type string `yaml:"type" json:"type"`
}

// KeyInfoManager selects and parameterizes the key info store.
type KeyInfoManager struct {
	// Type is ondisk or sql.
	Type string `yaml:"type" json:"type"`

	// Path roots the ondisk store.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Driver and DSN configure the sql store. Driver is postgres,
	// postgresql, mysql or mariadb.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Provider configures one backend. Exactly the fields for its type apply;
// the rest must stay unset.
type Provider struct {
	// Type is software, pkcs11 or tpm. The type fixes the provider's wire
	// ID, so each type appears at most once.
	Type string `yaml:"type" json:"type"`

	// Software provider settings.
	KeyStore *keystore.Config  `yaml:"key_store,omitempty" json:"key_store,omitempty"`
	RootKey  secretsource.Spec `yaml:"root_key,omitempty" json:"root_key,omitempty"`

	// PKCS#11 provider settings.
	ModulePath  string            `yaml:"module_path,omitempty" json:"module_path,omitempty"`
	TokenLabel  string            `yaml:"token_label,omitempty" json:"token_label,omitempty"`
	SlotID      *uint             `yaml:"slot_id,omitempty" json:"slot_id,omitempty"`
	UserPIN     secretsource.Spec `yaml:"user_pin,omitempty" json:"user_pin,omitempty"`
	MaxSessions int               `yaml:"max_sessions,omitempty" json:"max_sessions,omitempty"`

	// TPM provider settings.
	Device        string            `yaml:"device,omitempty" json:"device,omitempty"`
	HierarchyAuth secretsource.Spec `yaml:"hierarchy_auth,omitempty" json:"hierarchy_auth,omitempty"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Addr is the listen address. Empty means 127.0.0.1:9090.
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// Provider type names and their fixed wire IDs.
const (
	ProviderTypeSoftware = "software"
	ProviderTypePKCS11   = "pkcs11"
	ProviderTypeTPM      = "tpm"
)

var providerIDs = map[string]requests.ProviderID{
	ProviderTypeSoftware: requests.ProviderSoftware,
	ProviderTypePKCS11:   requests.ProviderPKCS11,
	ProviderTypeTPM:      requests.ProviderTPM,
}

// ID returns the wire provider ID fixed by the entry's type, or zero for an
// unknown type.
func (p Provider) ID() requests.ProviderID {
	return providerIDs[p.Type]
}

// Load reads, schema-checks and semantically validates the config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dserrors.ConfigError{
			Field:      "config",
			Message:    fmt.Sprintf("cannot read config file: %v", err),
			Suggestion: fmt.Sprintf("create %s or point --config at an existing file", path),
		}
	}
	return Parse(raw)
}

// Parse validates raw YAML configuration bytes.
func Parse(raw []byte) (*Config, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, dserrors.ConfigError{
			Field:   "config",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.KeyInfoManager.Type == "" {
		c.KeyInfoManager.Type = "ondisk"
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
}

// Validate applies the cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	if c.Listener.SocketPath == "" {
		return dserrors.ConfigError{
			Field:      "listener.socket_path",
			Message:    "a socket path is required",
			Suggestion: "set listener.socket_path, e.g. /run/parsec/parsec.sock",
		}
	}

	if err := c.validateAuthenticators(); err != nil {
		return err
	}
	if err := c.validateKeyInfoManager(); err != nil {
		return err
	}
	return c.validateProviders()
}

func (c *Config) validateAuthenticators() error {
	if len(c.Authenticators) == 0 {
		return dserrors.ConfigError{
			Field:      "authenticators",
			Message:    "at least one authenticator is required",
			Suggestion: "add an authenticator entry with type direct or unix-peer",
		}
	}
	seen := make(map[string]bool, len(c.Authenticators))
	for i, a := range c.Authenticators {
		switch a.Type {
		case "direct", "unix-peer":
		default:
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("authenticators[%d].type", i),
				Value:      a.Type,
				Message:    "unknown authenticator type",
				Suggestion: "use direct or unix-peer",
			}
		}
		if seen[a.Type] {
			return dserrors.ConfigError{
				Field:   fmt.Sprintf("authenticators[%d].type", i),
				Value:   a.Type,
				Message: "authenticator configured twice",
			}
		}
		seen[a.Type] = true
	}
	return nil
}

func (c *Config) validateKeyInfoManager() error {
	kim := c.KeyInfoManager
	switch kim.Type {
	case "ondisk":
		if kim.Path == "" {
			return dserrors.ConfigError{
				Field:      "key_info_manager.path",
				Message:    "the ondisk store needs a directory",
				Suggestion: "set key_info_manager.path, e.g. /var/lib/parsec/keyinfo",
			}
		}
	case "sql":
		if kim.Driver == "" || kim.DSN == "" {
			return dserrors.ConfigError{
				Field:      "key_info_manager",
				Message:    "the sql store needs both driver and dsn",
				Suggestion: "set key_info_manager.driver (postgres or mysql) and key_info_manager.dsn",
			}
		}
		switch strings.ToLower(kim.Driver) {
		case "postgres", "postgresql", "mysql", "mariadb":
		default:
			return dserrors.ConfigError{
				Field:      "key_info_manager.driver",
				Value:      kim.Driver,
				Message:    "unsupported database driver",
				Suggestion: "use postgres or mysql",
			}
		}
	default:
		return dserrors.ConfigError{
			Field:      "key_info_manager.type",
			Value:      kim.Type,
			Message:    "unknown key info store type",
			Suggestion: "use ondisk or sql",
		}
	}
	return nil
}

func (c *Config) validateProviders() error {
	if len(c.Providers) == 0 {
		return dserrors.ConfigError{
			Field:      "providers",
			Message:    "at least one provider is required",
			Suggestion: "add a provider entry, e.g. type software with a file key_store",
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := func(name string) string { return fmt.Sprintf("providers[%d].%s", i, name) }

		if _, known := providerIDs[p.Type]; !known {
			return dserrors.ConfigError{
				Field:      field("type"),
				Value:      p.Type,
				Message:    "unknown provider type",
				Suggestion: "use software, pkcs11 or tpm",
			}
		}
		if seen[p.Type] {
			return dserrors.ConfigError{
				Field:   field("type"),
				Value:   p.Type,
				Message: "provider type configured twice",
			}
		}
		seen[p.Type] = true

		if err := validateProvider(p, field); err != nil {
			return err
		}
	}

	if c.DefaultProvider != "" && !seen[c.DefaultProvider] {
		return dserrors.ConfigError{
			Field:      "default_provider",
			Value:      c.DefaultProvider,
			Message:    "default provider is not configured",
			Suggestion: "name one of the configured provider types, or remove the setting",
		}
	}
	return nil
}

func validateProvider(p Provider, field func(string) string) error {
	switch p.Type {
	case ProviderTypeSoftware:
		if p.KeyStore == nil {
			return dserrors.ConfigError{
				Field:      field("key_store"),
				Message:    "the software provider needs a key store",
				Suggestion: "add key_store with backend file, memory, aws-secretsmanager, aws-ssm, gcp or azure",
			}
		}
		if err := validateSpec(p.RootKey, field("root_key")); err != nil {
			return err
		}
	case ProviderTypePKCS11:
		if p.ModulePath == "" {
			return dserrors.ConfigError{
				Field:      field("module_path"),
				Message:    "the PKCS#11 provider needs a module path",
				Suggestion: "point module_path at the token's shared library, e.g. /usr/lib/softhsm/libsofthsm2.so",
			}
		}
		if err := validateSpec(p.UserPIN, field("user_pin")); err != nil {
			return err
		}
	case ProviderTypeTPM:
		if err := validateSpec(p.HierarchyAuth, field("hierarchy_auth")); err != nil {
			return err
		}
	}
	return nil
}

func validateSpec(s secretsource.Spec, field string) error {
	if s.IsZero() {
		return nil
	}
	if err := s.Validate(); err != nil {
		return dserrors.ConfigError{Field: field, Message: err.Error()}
	}
	return nil
}

// DefaultProviderID returns the wire ID of the configured default provider,
// or zero when unset (the registry then picks the first provider).
func (c *Config) DefaultProviderID() requests.ProviderID {
	if c.DefaultProvider == "" {
		return requests.ProviderCore
	}
	return providerIDs[c.DefaultProvider]
}
