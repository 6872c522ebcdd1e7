package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Superhepper/parsec/internal/logging"
)

type fakeSecretsManager struct {
	secrets     map[string][]byte
	createCalls int
	updateCalls int
	listErr     error
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{secrets: map[string][]byte{}}
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, params *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.createCalls++
	name := aws.ToString(params.Name)
	if _, ok := f.secrets[name]; ok {
		return nil, &smtypes.ResourceExistsException{Message: aws.String(name)}
	}
	f.secrets[name] = params.SecretBinary
	return &secretsmanager.CreateSecretOutput{Name: params.Name}, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, params *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.updateCalls++
	name := aws.ToString(params.SecretId)
	if _, ok := f.secrets[name]; !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String(name)}
	}
	f.secrets[name] = params.SecretBinary
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	name := aws.ToString(params.SecretId)
	data, ok := f.secrets[name]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String(name)}
	}
	return &secretsmanager.GetSecretValueOutput{SecretBinary: data}, nil
}

func (f *fakeSecretsManager) DeleteSecret(_ context.Context, params *secretsmanager.DeleteSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	name := aws.ToString(params.SecretId)
	if _, ok := f.secrets[name]; !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String(name)}
	}
	delete(f.secrets, name)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

func (f *fakeSecretsManager) ListSecrets(_ context.Context, _ *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &secretsmanager.ListSecretsOutput{}, nil
}

type fakeSTS struct {
	calls int
	err   error
}

func (f *fakeSTS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Arn: aws.String("arn:aws:iam::123456789012:role/parsec")}, nil
}

func newTestSecretsManagerStore(t *testing.T, cfg Config) (*AWSSecretsManager, *fakeSecretsManager, *fakeSTS) {
	t.Helper()
	sm := newFakeSecretsManager()
	identity := &fakeSTS{}
	store, err := newAWSSecretsManager(context.Background(), cfg, logging.Discard(),
		WithSecretsManagerClient(sm), WithSTSClient(identity))
	require.NoError(t, err)
	return store, sm, identity
}

func TestAWSSecretsManagerRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, sm, _ := newTestSecretsManagerStore(t, Config{Prefix: "test/"})

	payload := []byte{0x00, 0xff, 0x10}
	require.NoError(t, store.Put(ctx, "root-key", payload))
	assert.Contains(t, sm.secrets, "test/root-key")

	got, err := store.Get(ctx, "root-key")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAWSSecretsManagerPutUpdatesExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, sm, _ := newTestSecretsManagerStore(t, Config{Prefix: "test/"})

	require.NoError(t, store.Put(ctx, "c", []byte("v1")))
	require.NoError(t, store.Put(ctx, "c", []byte("v2")))

	// The second write hits the exists path and falls back to an update.
	assert.Equal(t, 2, sm.createCalls)
	assert.Equal(t, 1, sm.updateCalls)

	got, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestAWSSecretsManagerDefaultPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, sm, _ := newTestSecretsManagerStore(t, Config{})

	require.NoError(t, store.Put(ctx, "c", []byte("v")))
	assert.Contains(t, sm.secrets, "parsec/keys/c")
}

func TestAWSSecretsManagerGetMissing(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestSecretsManagerStore(t, Config{})

	_, err := store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAWSSecretsManagerDeleteIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _, _ := newTestSecretsManagerStore(t, Config{})

	require.NoError(t, store.Put(ctx, "c", []byte("v")))
	require.NoError(t, store.Delete(ctx, "c"))
	require.NoError(t, store.Delete(ctx, "c"))
}

func TestAWSSecretsManagerCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, sm, identity := newTestSecretsManagerStore(t, Config{})
	require.NoError(t, store.Check(ctx))
	assert.Equal(t, 1, identity.calls)

	identity.err = errors.New("no credentials")
	assert.ErrorContains(t, store.Check(ctx), "resolve caller identity")

	identity.err = nil
	sm.listErr = errors.New("access denied")
	assert.ErrorContains(t, store.Check(ctx), "list secrets")
}

type fakeSSM struct {
	params  map[string]string
	lastPut *ssm.PutParameterInput
	getErr  error
}

func newFakeSSM() *fakeSSM {
	return &fakeSSM{params: map[string]string{}}
}

func (f *fakeSSM) PutParameter(_ context.Context, params *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.lastPut = params
	f.params[aws.ToString(params.Name)] = aws.ToString(params.Value)
	return &ssm.PutParameterOutput{}, nil
}

func (f *fakeSSM) GetParameter(_ context.Context, params *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	name := aws.ToString(params.Name)
	value, ok := f.params[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Name: params.Name, Value: aws.String(value)},
	}, nil
}

func (f *fakeSSM) DeleteParameter(_ context.Context, params *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	name := aws.ToString(params.Name)
	if _, ok := f.params[name]; !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	delete(f.params, name)
	return &ssm.DeleteParameterOutput{}, nil
}

func newTestParameterStore(t *testing.T, cfg Config) (*AWSParameterStore, *fakeSSM) {
	t.Helper()
	client := newFakeSSM()
	store, err := newAWSParameterStore(context.Background(), cfg, logging.Discard(), WithSSMClient(client))
	require.NoError(t, err)
	return store, client
}

func TestAWSParameterStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, client := newTestParameterStore(t, Config{})

	payload := []byte{0x00, 0x01, 0xfe}
	require.NoError(t, store.Put(ctx, "root-key", payload))

	// Parameter values are strings, so the container travels base64-encoded
	// as a SecureString with overwrite enabled.
	stored, ok := client.params["/parsec/keys/root-key"]
	require.True(t, ok)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), stored)
	assert.Equal(t, ssmtypes.ParameterTypeSecureString, client.lastPut.Type)
	assert.True(t, aws.ToBool(client.lastPut.Overwrite))

	got, err := store.Get(ctx, "root-key")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = store.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "root-key"))
	require.NoError(t, store.Delete(ctx, "root-key"))
}

func TestAWSParameterStoreCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, client := newTestParameterStore(t, Config{})

	// A missing probe parameter proves reachability.
	require.NoError(t, store.Check(ctx))

	client.getErr = errors.New("endpoint unreachable")
	assert.ErrorContains(t, store.Check(ctx), "get parameter")
}
