package software

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/Superhepper/parsec/internal/keystore"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

const containerVersion = 1

// hkdfInfo domain-separates container keys from any other derivation off
// the root key.
var hkdfInfo = []byte("parsec/software/container-key/v1")

// container is the persisted form of one key. Wrapped is nonce-prefixed
// ChaCha20-Poly1305 ciphertext of the private material (PKCS#8 DER for
// asymmetric types, raw bytes for symmetric), authenticated against the
// container ID so containers cannot be swapped in the store. Public carries
// the PKIX half of asymmetric keys so verify and public-key encryption
// never unwrap.
type container struct {
	Version   int          `json:"version"`
	Type      keys.KeyType `json:"type"`
	Bits      int          `json:"bits"`
	Salt      []byte       `json:"salt"`
	Wrapped   []byte       `json:"wrapped"`
	Public    []byte       `json:"public,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// sealContainer wraps material under a fresh per-container key.
func (p *Provider) sealContainer(id string, attrs keys.Attributes, material, public []byte) (*container, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, providers.Fault(providerName, "generate container salt", err)
	}

	var wrapped []byte
	err := p.withContainerKey(salt, func(aead cipher.AEAD) error {
		var sealErr error
		wrapped, sealErr = sealAEAD(aead, material, []byte(id))
		return sealErr
	})
	if err != nil {
		return nil, providers.Fault(providerName, "seal container", err)
	}

	return &container{
		Version:   containerVersion,
		Type:      attrs.Type,
		Bits:      attrs.Bits,
		Salt:      salt,
		Wrapped:   wrapped,
		Public:    public,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// openContainer unwraps the private material. The caller must zero the
// returned slice when done. Authentication failure means the store was
// tampered with or the root key is wrong, so it is a provider fault rather
// than a caller error.
func (p *Provider) openContainer(id string, c *container) ([]byte, error) {
	var material []byte
	err := p.withContainerKey(c.Salt, func(aead cipher.AEAD) error {
		var openErr error
		material, openErr = openAEAD(aead, c.Wrapped, []byte(id))
		return openErr
	})
	if err != nil {
		return nil, providers.Fault(providerName, "unseal container", err)
	}
	return material, nil
}

// withContainerKey derives the per-container key from the root key and runs
// fn with a ready AEAD. The derived key is wiped before returning.
func (p *Provider) withContainerKey(salt []byte, fn func(cipher.AEAD) error) error {
	return p.rootKey.WithBytes(func(root []byte) error {
		perKey := make([]byte, chacha20poly1305.KeySize)
		defer zeroBytes(perKey)
		if _, err := io.ReadFull(hkdf.New(sha256.New, root, salt, hkdfInfo), perKey); err != nil {
			return fmt.Errorf("derive container key: %w", err)
		}
		aead, err := chacha20poly1305.New(perKey)
		if err != nil {
			return fmt.Errorf("init container cipher: %w", err)
		}
		return fn(aead)
	})
}

func (p *Provider) putContainer(ctx context.Context, id string, c *container) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return providers.Fault(providerName, "encode container", err)
	}
	if err := p.store.Put(ctx, id, blob); err != nil {
		return providers.Fault(providerName, "persist container", err)
	}
	return nil
}

// getContainer loads a container by handle. A missing container maps to
// KeyDoesNotExist: the usual cause is a destroy racing the operation, and
// the mapping store is the authority either way.
func (p *Provider) getContainer(ctx context.Context, id string) (*container, error) {
	blob, err := p.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, fmt.Errorf("%w: container %s", requests.ErrKeyDoesNotExist, id)
		}
		return nil, providers.Fault(providerName, "load container", err)
	}
	var c container
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, providers.Fault(providerName, "decode container", err)
	}
	if c.Version != containerVersion {
		return nil, providers.Fault(providerName, "decode container",
			fmt.Errorf("unknown container version %d", c.Version))
	}
	return &c, nil
}

// sealAEAD seals plaintext as nonce-prefixed ciphertext.
func sealAEAD(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// openAEAD reverses sealAEAD.
func openAEAD(aead cipher.AEAD, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed payload shorter than nonce")
	}
	return aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], aad)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
