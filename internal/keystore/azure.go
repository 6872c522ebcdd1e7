package keystore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	dserrors "github.com/Superhepper/parsec/internal/errors"
	"github.com/Superhepper/parsec/internal/logging"
)

// AzureSecretsAPI is the Key Vault surface the store uses; tests inject a
// fake. The list pager is deliberately absent: the store never enumerates.
type AzureSecretsAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
}

// AzureKeyVault stores containers as vault secrets. Secret values are
// strings, so containers travel base64-encoded. Secret names allow only
// alphanumerics and dashes.
type AzureKeyVault struct {
	client AzureSecretsAPI
	prefix string
	log    *logging.Logger
}

var _ Store = (*AzureKeyVault)(nil)

// AzureOption injects a fake client in tests.
type AzureOption func(*AzureKeyVault)

// WithAzureClient sets a custom Key Vault client.
func WithAzureClient(client AzureSecretsAPI) AzureOption {
	return func(s *AzureKeyVault) { s.client = client }
}

func newAzureKeyVault(cfg Config, log *logging.Logger, opts ...AzureOption) (*AzureKeyVault, error) {
	s := &AzureKeyVault{
		prefix: cfg.Prefix,
		log:    log,
	}
	if s.prefix == "" {
		s.prefix = "parsec-keys-"
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil {
		return s, nil
	}

	if cfg.VaultURL == "" {
		return nil, dserrors.ConfigError{
			Field:      "key_store.vault_url",
			Message:    "vault_url is required for the azure keystore",
			Suggestion: "use the form https://<vault-name>.vault.azure.net/",
		}
	}
	if _, err := url.Parse(cfg.VaultURL); err != nil {
		return nil, dserrors.ConfigError{
			Field:      "key_store.vault_url",
			Value:      cfg.VaultURL,
			Message:    "vault_url is not a valid URL",
			Suggestion: "use the form https://<vault-name>.vault.azure.net/",
		}
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, dserrors.BackendError("azure", "create credential", err)
	}
	client, err := azsecrets.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, dserrors.BackendError("azure", "create key vault client", err)
	}
	s.client = client
	return s, nil
}

func (s *AzureKeyVault) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	resp, err := s.client.GetSecret(ctx, s.secretName(name), "", nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("container %q: %w", name, ErrNotFound)
		}
		return nil, dserrors.BackendError("azure", "get secret", err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("container %q has no payload", name)
	}
	return decodeContainer(*resp.Value)
}

func (s *AzureKeyVault) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	value := encodeContainer(data)
	_, err := s.client.SetSecret(ctx, s.secretName(name), azsecrets.SetSecretParameters{
		Value: &value,
	}, nil)
	if err != nil {
		return dserrors.BackendError("azure", "set secret", err)
	}
	return nil
}

func (s *AzureKeyVault) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.client.DeleteSecret(ctx, s.secretName(name), nil)
	if err != nil && !isAzureNotFound(err) {
		return dserrors.BackendError("azure", "delete secret", err)
	}
	return nil
}

func (s *AzureKeyVault) Check(ctx context.Context) error {
	// A 404 on the probe name proves reachability and auth.
	_, err := s.Get(ctx, "availability-probe")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *AzureKeyVault) Close() error { return nil }

// secretName flattens the prefixed name into the alphanumeric-and-dash
// charset vault secret names require.
func (s *AzureKeyVault) secretName(name string) string {
	full := s.prefix + name
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, full)
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
