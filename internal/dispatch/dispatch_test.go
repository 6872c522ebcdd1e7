package dispatch_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Superhepper/parsec/internal/auth"
	"github.com/Superhepper/parsec/internal/dispatch"
	"github.com/Superhepper/parsec/internal/keyinfo"
	"github.com/Superhepper/parsec/internal/keystore"
	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/internal/providers/software"
	"github.com/Superhepper/parsec/internal/secretsource"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

// fakeProvider is a provider with injectable failures, registered as the
// TPM slot in tests that need a second backend.
type fakeProvider struct {
	mu           sync.Mutex
	generateErr  error
	destroyErr   error
	signErr      error
	handles      map[string][]byte
	destroyed    [][]byte
	signCalls    int
	destroyCalls int
}

var _ providers.Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handles: make(map[string][]byte)}
}

func (f *fakeProvider) Describe() providers.Info {
	return providers.Info{
		ID:          requests.ProviderTPM,
		Name:        "fake",
		Description: "failure injection backend",
		Version:     "0",
	}
}

func (f *fakeProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		Opcodes: []requests.Opcode{
			requests.OpGenerateKey,
			requests.OpImportKey,
			requests.OpExportPublicKey,
			requests.OpDestroyKey,
			requests.OpSign,
			requests.OpVerify,
		},
		Algorithms: []keys.Algorithm{keys.AlgorithmECDSASHA256},
		KeyTypes:   []keys.KeyType{keys.KeyTypeECDSAP256},
	}
}

func (f *fakeProvider) Check(ctx context.Context) error { return nil }

func (f *fakeProvider) GenerateKey(ctx context.Context, creationID string, attrs keys.Attributes) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	handle := []byte("fh-" + creationID)
	f.handles[creationID] = handle
	return handle, nil
}

func (f *fakeProvider) ImportKey(ctx context.Context, creationID string, material []byte, attrs keys.Attributes) ([]byte, error) {
	return f.GenerateKey(ctx, creationID, attrs)
}

func (f *fakeProvider) ExportPublicKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	return []byte("fake-public"), nil
}

func (f *fakeProvider) ExportKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	return []byte("fake-material"), nil
}

func (f *fakeProvider) DestroyKey(ctx context.Context, handle []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyed = append(f.destroyed, append([]byte(nil), handle...))
	return nil
}

func (f *fakeProvider) Sign(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signCalls++
	if f.signErr != nil {
		return nil, f.signErr
	}
	return []byte("fake-signature"), nil
}

func (f *fakeProvider) Verify(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest, signature []byte) (bool, error) {
	return bytes.Equal(signature, []byte("fake-signature")), nil
}

func (f *fakeProvider) Encrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, plaintext []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation("fake", requests.OpEncrypt)
}

func (f *fakeProvider) Decrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, ciphertext []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation("fake", requests.OpDecrypt)
}

func (f *fakeProvider) Hash(ctx context.Context, alg keys.Algorithm, data []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation("fake", requests.OpHash)
}

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) destroyedHandles() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.destroyed))
	copy(out, f.destroyed)
	return out
}

// harness is a dispatcher over a real software provider and an on-disk
// store, optionally joined by the fake provider.
type harness struct {
	t     *testing.T
	disp  *dispatch.Dispatcher
	store keyinfo.Manager
	fake  *fakeProvider
}

func newHarness(t *testing.T, aliasing, withFake bool) *harness {
	t.Helper()
	ctx := context.Background()

	sw, err := software.New(ctx, keystore.NewMemory(), secretsource.Spec{}, logging.Discard())
	require.NoError(t, err)

	provs := []providers.Provider{sw}
	var fake *fakeProvider
	if withFake {
		fake = newFakeProvider()
		provs = append(provs, fake)
	}
	reg, err := providers.NewRegistry(requests.ProviderSoftware, provs...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	store, err := keyinfo.NewOnDisk(t.TempDir(), aliasing, logging.Discard())
	require.NoError(t, err)

	sel, err := auth.NewSelector(auth.NewDirect(), auth.NewUnixPeer())
	require.NoError(t, err)

	disp := dispatch.New(dispatch.Config{
		Registry: reg,
		Store:    store,
		Auth:     sel,
		Log:      logging.Discard(),
		Version:  "test",
	})
	return &harness{t: t, disp: disp, store: store, fake: fake}
}

// req builds a direct-auth request with an encoded body.
func (h *harness) req(op requests.Opcode, provider requests.ProviderID, app string, payload any) *requests.Request {
	h.t.Helper()
	body, err := operations.Encode(payload)
	require.NoError(h.t, err)
	r := &requests.Request{
		Provider:    provider,
		AuthType:    requests.AuthDirect,
		ContentType: requests.ContentTypeJSON,
		Opcode:      op,
		Auth:        []byte(app),
		Body:        body,
	}
	if app == "" {
		r.AuthType = requests.AuthNoAuth
		r.Auth = nil
	}
	return r
}

func (h *harness) do(req *requests.Request) *requests.Response {
	h.t.Helper()
	return h.disp.Handle(context.Background(), req, requests.PeerCredentials{})
}

func decodeBody(t *testing.T, resp *requests.Response, out any) {
	t.Helper()
	require.NoError(t, operations.Decode(resp.Body, out))
}

func signingAttrs() keys.Attributes {
	return keys.Attributes{
		Type:       keys.KeyTypeECDSAP256,
		Usage:      keys.UsageFlags{Sign: true, Verify: true},
		Algorithms: []keys.Algorithm{keys.AlgorithmECDSASHA256},
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, false)

	resp := h.do(h.req(requests.OpPing, requests.ProviderCore, "", operations.Ping{}))
	require.Equal(t, requests.StatusSuccess, resp.Status)

	var result operations.PingResult
	decodeBody(t, resp, &result)
	assert.Equal(t, requests.WireVersion, result.WireVersion)
}

func TestListProvidersCoreFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, true)

	resp := h.do(h.req(requests.OpListProviders, requests.ProviderCore, "", operations.ListProviders{}))
	require.Equal(t, requests.StatusSuccess, resp.Status)

	var result operations.ListProvidersResult
	decodeBody(t, resp, &result)
	require.Len(t, result.Providers, 3)

	assert.Equal(t, requests.ProviderCore, result.Providers[0].ID)
	assert.False(t, result.Providers[0].Default)
	assert.Contains(t, result.Providers[0].Opcodes, requests.OpPing)

	assert.Equal(t, requests.ProviderSoftware, result.Providers[1].ID)
	assert.True(t, result.Providers[1].Default, "the deployment default must be flagged")
	assert.NotEmpty(t, result.Providers[1].Algorithms)

	assert.Equal(t, requests.ProviderTPM, result.Providers[2].ID)
	assert.False(t, result.Providers[2].Default)
}

func TestGenerateSignVerifyDestroyLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, false)
	digest := sha256.Sum256([]byte("the data to sign"))

	resp := h.do(h.req(requests.OpGenerateKey, requests.ProviderCore, "app1", operations.GenerateKey{
		Name:       "release-signing",
		Attributes: signingAttrs(),
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)

	resp = h.do(h.req(requests.OpSign, requests.ProviderCore, "app1", operations.Sign{
		Name:      "release-signing",
		Algorithm: keys.AlgorithmECDSASHA256,
		Digest:    digest[:],
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)
	var signed operations.SignResult
	decodeBody(t, resp, &signed)
	require.NotEmpty(t, signed.Signature)

	resp = h.do(h.req(requests.OpVerify, requests.ProviderCore, "app1", operations.Verify{
		Name:      "release-signing",
		Algorithm: keys.AlgorithmECDSASHA256,
		Digest:    digest[:],
		Signature: signed.Signature,
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)
	var verified operations.VerifyResult
	decodeBody(t, resp, &verified)
	assert.True(t, verified.Valid)

	// A wrong signature is a negative answer, not an error.
	resp = h.do(h.req(requests.OpVerify, requests.ProviderCore, "app1", operations.Verify{
		Name:      "release-signing",
		Algorithm: keys.AlgorithmECDSASHA256,
		Digest:    digest[:],
		Signature: []byte("not a signature"),
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)
	verified = operations.VerifyResult{Valid: true}
	decodeBody(t, resp, &verified)
	assert.False(t, verified.Valid)

	resp = h.do(h.req(requests.OpDestroyKey, requests.ProviderCore, "app1", operations.DestroyKey{
		Name: "release-signing",
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)

	resp = h.do(h.req(requests.OpSign, requests.ProviderCore, "app1", operations.Sign{
		Name:      "release-signing",
		Algorithm: keys.AlgorithmECDSASHA256,
		Digest:    digest[:],
	}))
	assert.Equal(t, requests.StatusKeyDoesNotExist, resp.Status)

	resp = h.do(h.req(requests.OpDestroyKey, requests.ProviderCore, "app1", operations.DestroyKey{
		Name: "release-signing",
	}))
	assert.Equal(t, requests.StatusKeyDoesNotExist, resp.Status)
}

func TestListKeysScopedToApp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, false)

	for _, name := range []string{"beta", "alpha"} {
		resp := h.do(h.req(requests.OpGenerateKey, requests.ProviderCore, "app1", operations.GenerateKey{
			Name:       name,
			Attributes: signingAttrs(),
		}))
		require.Equal(t, requests.StatusSuccess, resp.Status)
	}
	resp := h.do(h.req(requests.OpGenerateKey, requests.ProviderCore, "app2", operations.GenerateKey{
		Name:       "gamma",
		Attributes: signingAttrs(),
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)

	resp = h.do(h.req(requests.OpListKeys, requests.ProviderCore, "app1", operations.ListKeys{}))
	require.Equal(t, requests.StatusSuccess, resp.Status)
	var listed operations.ListKeysResult
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Keys, 2)
	assert.Equal(t, "alpha", listed.Keys[0].Name)
	assert.Equal(t, "beta", listed.Keys[1].Name)
	assert.Equal(t, requests.ProviderSoftware, listed.Keys[0].Provider)
	assert.False(t, listed.Keys[0].CreatedAt.IsZero())

	resp = h.do(h.req(requests.OpListKeys, requests.ProviderCore, "app2", operations.ListKeys{}))
	require.Equal(t, requests.StatusSuccess, resp.Status)
	listed = operations.ListKeysResult{}
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Keys, 1)
	assert.Equal(t, "gamma", listed.Keys[0].Name)

	// Listing keys needs a namespace.
	resp = h.do(h.req(requests.OpListKeys, requests.ProviderCore, "", operations.ListKeys{}))
	assert.Equal(t, requests.StatusUnauthenticated, resp.Status)
}

func TestHashRouting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, true)
	want := sha256.Sum256([]byte("data"))

	// Core computes in the dispatcher.
	resp := h.do(h.req(requests.OpHash, requests.ProviderCore, "", operations.Hash{
		Algorithm: keys.AlgorithmSHA256,
		Data:      []byte("data"),
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)
	var hashed operations.HashResult
	decodeBody(t, resp, &hashed)
	assert.Equal(t, want[:], hashed.Digest)

	// A concrete provider serves it from its own capability surface.
	resp = h.do(h.req(requests.OpHash, requests.ProviderSoftware, "", operations.Hash{
		Algorithm: keys.AlgorithmSHA256,
		Data:      []byte("data"),
	}))
	require.Equal(t, requests.StatusSuccess, resp.Status)
	hashed = operations.HashResult{}
	decodeBody(t, resp, &hashed)
	assert.Equal(t, want[:], hashed.Digest)

	// The fake does not declare hash support.
	resp = h.do(h.req(requests.OpHash, requests.ProviderTPM, "", operations.Hash{
		Algorithm: keys.AlgorithmSHA256,
		Data:      []byte("data"),
	}))
	assert.Equal(t, requests.StatusUnsupportedOperation, resp.Status)
}

func TestResponseEchoesRequestHeader(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, false)

	req := h.req(requests.OpSign, requests.ProviderSoftware, "app1", operations.Sign{
		Name:      "absent",
		Algorithm: keys.AlgorithmECDSASHA256,
		Digest:    make([]byte, sha256.Size),
	})
	resp := h.do(req)
	assert.Equal(t, requests.StatusKeyDoesNotExist, resp.Status)
	assert.Equal(t, req.Provider, resp.Provider)
	assert.Equal(t, req.Opcode, resp.Opcode)
	assert.Empty(t, resp.Body)
}

func TestUnknownOpcode(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, false)

	resp := h.do(&requests.Request{
		Provider:    requests.ProviderCore,
		AuthType:    requests.AuthNoAuth,
		ContentType: requests.ContentTypeJSON,
		Opcode:      requests.Opcode(999),
	})
	assert.Equal(t, requests.StatusInvalidRequest, resp.Status)
}
