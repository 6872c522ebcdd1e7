// Package software implements the in-process provider. Key material lives
// in wrapped containers inside a key store; operations run on stdlib crypto.
//
// Every container is sealed with ChaCha20-Poly1305 under a per-container key
// derived (HKDF-SHA256) from a root key held in a memguard enclave for the
// life of the process. The root key comes from a configured secret source,
// or is generated once and persisted in the key store under a reserved
// container name. Container confidentiality is therefore as strong as the
// root key's source; the key store itself only needs integrity.
package software

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/Superhepper/parsec/internal/keystore"
	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/internal/secretsource"
	"github.com/Superhepper/parsec/internal/secure"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

const (
	providerName    = "software"
	providerVersion = "1.0.0"

	// rootKeyContainer is the reserved key store name for a generated
	// root key. Key containers are named by creation ID (a uuid), so the
	// two namespaces cannot collide.
	rootKeyContainer = "root-wrapping-key"

	rootKeySize = 32
)

// Provider is the software provider. Safe for concurrent use: the only
// shared state is the root key enclave and the key store, both of which are
// concurrency-safe.
type Provider struct {
	store   keystore.Store
	rootKey *secure.Buffer
	log     *logging.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New opens the provider over the given container store. A zero rootKey
// spec loads the persisted root key, generating and persisting one on first
// use; a configured spec must resolve to exactly 32 bytes.
func New(ctx context.Context, store keystore.Store, rootKey secretsource.Spec, log *logging.Logger) (*Provider, error) {
	p := &Provider{store: store, log: log}

	if rootKey.IsZero() {
		buf, err := loadOrCreateRootKey(ctx, store, log)
		if err != nil {
			return nil, err
		}
		p.rootKey = buf
		return p, nil
	}

	buf, err := secretsource.ResolveSecure(rootKey)
	if err != nil {
		return nil, fmt.Errorf("resolve software root key: %w", err)
	}
	if buf.Size() != rootKeySize {
		size := buf.Size()
		buf.Destroy()
		return nil, fmt.Errorf("software root key must be %d bytes, got %d", rootKeySize, size)
	}
	p.rootKey = buf
	return p, nil
}

// loadOrCreateRootKey reads the reserved container or, when it does not
// exist yet, generates a fresh root key and persists it before use.
func loadOrCreateRootKey(ctx context.Context, store keystore.Store, log *logging.Logger) (*secure.Buffer, error) {
	material, err := store.Get(ctx, rootKeyContainer)
	switch {
	case err == nil:
		if len(material) != rootKeySize {
			return nil, fmt.Errorf("persisted software root key has %d bytes, want %d", len(material), rootKeySize)
		}
	case errors.Is(err, keystore.ErrNotFound):
		material = make([]byte, rootKeySize)
		if _, err := io.ReadFull(rand.Reader, material); err != nil {
			return nil, fmt.Errorf("generate software root key: %w", err)
		}
		if err := store.Put(ctx, rootKeyContainer, material); err != nil {
			return nil, fmt.Errorf("persist software root key: %w", err)
		}
		log.Info("software provider: generated and persisted a new root wrapping key")
	default:
		return nil, fmt.Errorf("load software root key: %w", err)
	}

	buf, err := secure.NewBuffer(material)
	zeroBytes(material)
	if err != nil {
		return nil, fmt.Errorf("protect software root key: %w", err)
	}
	return buf, nil
}

// Describe implements providers.Provider.
func (p *Provider) Describe() providers.Info {
	return providers.Info{
		ID:          requests.ProviderSoftware,
		Name:        providerName,
		Description: "in-process provider with key store backed wrapped containers",
		Version:     providerVersion,
	}
}

// Capabilities implements providers.Provider. The software provider carries
// the full surface.
func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		Opcodes: []requests.Opcode{
			requests.OpGenerateKey,
			requests.OpImportKey,
			requests.OpExportPublicKey,
			requests.OpExportKey,
			requests.OpDestroyKey,
			requests.OpSign,
			requests.OpVerify,
			requests.OpEncrypt,
			requests.OpDecrypt,
			requests.OpHash,
		},
		Algorithms: []keys.Algorithm{
			keys.AlgorithmECDSASHA256,
			keys.AlgorithmECDSASHA384,
			keys.AlgorithmEd25519,
			keys.AlgorithmRSAPSSSHA256,
			keys.AlgorithmRSAPKCS1SHA256,
			keys.AlgorithmRSAOAEPSHA256,
			keys.AlgorithmAESGCM,
			keys.AlgorithmChaCha20,
			keys.AlgorithmSHA256,
			keys.AlgorithmSHA384,
			keys.AlgorithmSHA512,
		},
		KeyTypes: keys.KeyTypes(),
	}
}

// Check implements providers.Provider by probing the container store.
func (p *Provider) Check(ctx context.Context) error {
	if err := p.store.Check(ctx); err != nil {
		return fmt.Errorf("software key store: %w", err)
	}
	return nil
}

// Close drops the root key enclave and closes the container store.
func (p *Provider) Close() error {
	p.rootKey.Destroy()
	return p.store.Close()
}
