package keystore

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/Superhepper/parsec/internal/errors"
	"github.com/Superhepper/parsec/internal/logging"
)

type fakeAzureSecrets struct {
	secrets map[string]string
	getErr  error
}

func newFakeAzureSecrets() *fakeAzureSecrets {
	return &fakeAzureSecrets{secrets: map[string]string{}}
}

func (f *fakeAzureSecrets) GetSecret(_ context.Context, name string, _ string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	if f.getErr != nil {
		return azsecrets.GetSecretResponse{}, f.getErr
	}
	value, ok := f.secrets[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, &azcore.ResponseError{
			StatusCode: 404,
			ErrorCode:  "SecretNotFound",
		}
	}
	return azsecrets.GetSecretResponse{
		Secret: azsecrets.Secret{Value: to.Ptr(value)},
	}, nil
}

func (f *fakeAzureSecrets) SetSecret(_ context.Context, name string, parameters azsecrets.SetSecretParameters, _ *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	f.secrets[name] = *parameters.Value
	return azsecrets.SetSecretResponse{}, nil
}

func (f *fakeAzureSecrets) DeleteSecret(_ context.Context, name string, _ *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	if _, ok := f.secrets[name]; !ok {
		return azsecrets.DeleteSecretResponse{}, &azcore.ResponseError{
			StatusCode: 404,
			ErrorCode:  "SecretNotFound",
		}
	}
	delete(f.secrets, name)
	return azsecrets.DeleteSecretResponse{}, nil
}

func newTestKeyVault(t *testing.T, cfg Config, client AzureSecretsAPI) *AzureKeyVault {
	t.Helper()
	store, err := newAzureKeyVault(cfg, logging.Discard(), WithAzureClient(client))
	require.NoError(t, err)
	return store
}

func TestAzureKeyVaultRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeAzureSecrets()
	store := newTestKeyVault(t, Config{}, client)

	payload := []byte{0x00, 0x01, 0xfe}
	require.NoError(t, store.Put(ctx, "root-key", payload))

	// Vault values are strings, so the container travels base64-encoded
	// under the flattened default prefix.
	stored, ok := client.secrets["parsec-keys-root-key"]
	require.True(t, ok)
	assert.Equal(t, encodeContainer(payload), stored)

	got, err := store.Get(ctx, "root-key")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = store.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "root-key"))
	require.NoError(t, store.Delete(ctx, "root-key"))
}

func TestAzureKeyVaultSecretNameFlattening(t *testing.T) {
	t.Parallel()
	store := newTestKeyVault(t, Config{}, newFakeAzureSecrets())

	// Everything outside alphanumerics and dashes becomes a dash.
	assert.Equal(t, "parsec-keys-app-signer-v2", store.secretName("app.signer_v2"))
	assert.Equal(t, "parsec-keys-A1-b2", store.secretName("A1 b2"))
}

func TestAzureKeyVaultCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeAzureSecrets()
	store := newTestKeyVault(t, Config{}, client)

	// A 404 on the probe proves reachability.
	require.NoError(t, store.Check(ctx))

	client.getErr = &azcore.ResponseError{StatusCode: 403, ErrorCode: "Forbidden"}
	assert.ErrorContains(t, store.Check(ctx), "get secret")
}

func TestAzureKeyVaultRequiresVaultURL(t *testing.T) {
	t.Parallel()
	_, err := newAzureKeyVault(Config{}, logging.Discard())

	var cfgErr dserrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "key_store.vault_url", cfgErr.Field)
}
