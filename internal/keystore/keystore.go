// Package keystore persists the software provider's wrapped key containers.
// A container is an opaque byte blob addressed by a store-unique name (the
// creation ID of the key it holds, or a reserved name such as the root key).
// Confidentiality comes from the wrapping layer above; a keystore backend
// only has to store bytes durably and report absence distinctly.
//
// Backends: local directory (default), in-memory (testing), AWS Secrets
// Manager, AWS SSM Parameter Store, Google Secret Manager and Azure Key
// Vault.
package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/Superhepper/parsec/internal/logging"
)

// ErrNotFound reports an absent container.
var ErrNotFound = errors.New("key container not found")

// Store is the container persistence contract.
type Store interface {
	// Get returns the container bytes or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put stores the container, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes the container. Deleting an absent name succeeds.
	Delete(ctx context.Context, name string) error

	// Check probes that the backend is reachable and authorized.
	Check(ctx context.Context) error

	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is one of file, memory, aws-secretsmanager, aws-ssm, gcp or
	// azure. Empty means file.
	Backend string `yaml:"backend" json:"backend"`

	// Path is the directory for the file backend.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Prefix namespaces container names inside a shared backend. Defaults
	// are backend-appropriate (path-style for AWS, dash-style for GCP and
	// Azure).
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// AWS settings.
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`

	// GCP settings.
	ProjectID       string `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`

	// Azure settings.
	VaultURL     string `yaml:"vault_url,omitempty" json:"vault_url,omitempty"`
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config, log *logging.Logger) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		if cfg.Path == "" {
			return nil, errors.New("file keystore requires a path")
		}
		return NewFile(cfg.Path)
	case "memory":
		return NewMemory(), nil
	case "aws-secretsmanager":
		return newAWSSecretsManager(ctx, cfg, log)
	case "aws-ssm":
		return newAWSParameterStore(ctx, cfg, log)
	case "gcp":
		return newGCPSecretManager(ctx, cfg, log)
	case "azure":
		return newAzureKeyVault(cfg, log)
	default:
		return nil, fmt.Errorf("unknown keystore backend %q", cfg.Backend)
	}
}

// encodeContainer and decodeContainer carry binary containers through
// backends whose values are strings.
func encodeContainer(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeContainer(value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("container payload is not base64: %w", err)
	}
	return data, nil
}

// validName rejects names that could escape a path- or id-structured
// backend. Container names are service-generated, so a violation is a bug.
func validName(name string) error {
	if name == "" {
		return errors.New("container name is empty")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("container name %q contains a path separator", name)
	}
	return nil
}
