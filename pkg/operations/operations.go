// Package operations defines the typed JSON payloads carried in request and
// response bodies, one pair per opcode. Byte fields travel base64-encoded by
// virtue of encoding/json.
package operations

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// MaxKeyNameLen bounds logical key names.
const MaxKeyNameLen = 255

// Decode unmarshals a request body into v. An empty body decodes as an
// empty object so parameterless operations need no payload. Failures wrap
// requests.ErrInvalidRequest.
func Decode(body []byte, v any) error {
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed operation body: %v", requests.ErrInvalidRequest, err)
	}
	return nil
}

// Encode marshals a response payload.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode operation body: %w", err)
	}
	return body, nil
}

// ValidateKeyName checks that a logical key name is usable as a namespace
// member: non-empty, bounded, valid UTF-8, no control characters and no
// path separators.
func ValidateKeyName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: key name must not be empty", requests.ErrInvalidRequest)
	case len(name) > MaxKeyNameLen:
		return fmt.Errorf("%w: key name exceeds %d bytes", requests.ErrInvalidRequest, MaxKeyNameLen)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: key name is not valid UTF-8", requests.ErrInvalidRequest)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: key name must not contain path separators", requests.ErrInvalidRequest)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: key name must not contain control characters", requests.ErrInvalidRequest)
		}
	}
	return nil
}

// Ping has no parameters.
type Ping struct{}

// PingResult reports the highest wire version the service speaks.
type PingResult struct {
	WireVersion uint8 `json:"wire_version"`
}

// ListProviders has no parameters.
type ListProviders struct{}

// ProviderDescription describes one configured provider and its declared
// capabilities.
type ProviderDescription struct {
	ID          requests.ProviderID `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Version     string              `json:"version"`
	Default     bool                `json:"default,omitempty"`
	Opcodes     []requests.Opcode   `json:"opcodes"`
	Algorithms  []keys.Algorithm    `json:"algorithms"`
	KeyTypes    []keys.KeyType      `json:"key_types"`
}

// ListProvidersResult lists the configured providers, core first.
type ListProvidersResult struct {
	Providers []ProviderDescription `json:"providers"`
}

// ListKeys has no parameters; the namespace is the caller's identity.
type ListKeys struct{}

// KeyDescription describes one active key in the caller's namespace.
type KeyDescription struct {
	Name       string              `json:"name"`
	Provider   requests.ProviderID `json:"provider"`
	Attributes keys.Attributes     `json:"attributes"`
	CreatedAt  time.Time           `json:"created_at"`
}

// ListKeysResult lists the caller's active keys sorted by name.
type ListKeysResult struct {
	Keys []KeyDescription `json:"keys"`
}

// GenerateKey creates a new key named Name with the given attributes on the
// addressed provider (header provider 0 means the deployment default).
type GenerateKey struct {
	Name       string          `json:"name"`
	Attributes keys.Attributes `json:"attributes"`
}

// GenerateKeyResult is empty; success is carried by the status.
type GenerateKeyResult struct{}

// ImportKey brings externally created key material under management.
// Material is PKCS#8 DER for asymmetric types and raw bytes for symmetric
// types.
type ImportKey struct {
	Name       string          `json:"name"`
	Material   []byte          `json:"material"`
	Attributes keys.Attributes `json:"attributes"`
}

// ImportKeyResult is empty; success is carried by the status.
type ImportKeyResult struct{}

// ExportPublicKey exports the public half of an asymmetric key.
type ExportPublicKey struct {
	Name string `json:"name"`
}

// ExportPublicKeyResult carries the public key in PKIX DER form.
type ExportPublicKeyResult struct {
	PublicKey []byte `json:"public_key"`
}

// ExportKey exports the key material itself. Requires the export usage flag.
type ExportKey struct {
	Name string `json:"name"`
}

// ExportKeyResult carries PKCS#8 DER for asymmetric keys and raw bytes for
// symmetric keys.
type ExportKeyResult struct {
	Material []byte `json:"material"`
}

// DestroyKey removes the named key and its provider-side material.
type DestroyKey struct {
	Name string `json:"name"`
}

// DestroyKeyResult is empty; success is carried by the status.
type DestroyKeyResult struct{}

// Sign produces a signature over Digest with the named key. For ed25519 the
// digest field carries the whole message; for every other signing algorithm
// it must be exactly the algorithm's digest length.
type Sign struct {
	Name      string         `json:"name"`
	Algorithm keys.Algorithm `json:"algorithm"`
	Digest    []byte         `json:"digest"`
}

// SignResult carries the signature. ECDSA signatures are ASN.1 DER.
type SignResult struct {
	Signature []byte `json:"signature"`
}

// Verify checks a signature over Digest with the named key.
type Verify struct {
	Name      string         `json:"name"`
	Algorithm keys.Algorithm `json:"algorithm"`
	Digest    []byte         `json:"digest"`
	Signature []byte         `json:"signature"`
}

// VerifyResult reports signature validity; a mismatched signature is a
// successful operation with Valid=false.
type VerifyResult struct {
	Valid bool `json:"valid"`
}

// Encrypt encrypts Plaintext under the named key. AEAD output is
// nonce-prefixed ciphertext.
type Encrypt struct {
	Name      string         `json:"name"`
	Algorithm keys.Algorithm `json:"algorithm"`
	Plaintext []byte         `json:"plaintext"`
}

// EncryptResult carries the ciphertext.
type EncryptResult struct {
	Ciphertext []byte `json:"ciphertext"`
}

// Decrypt decrypts Ciphertext under the named key.
type Decrypt struct {
	Name       string         `json:"name"`
	Algorithm  keys.Algorithm `json:"algorithm"`
	Ciphertext []byte         `json:"ciphertext"`
}

// DecryptResult carries the recovered plaintext.
type DecryptResult struct {
	Plaintext []byte `json:"plaintext"`
}

// Hash digests Data with a hash algorithm. No key is involved; the request
// may address any provider that declares the algorithm.
type Hash struct {
	Algorithm keys.Algorithm `json:"algorithm"`
	Data      []byte         `json:"data"`
}

// HashResult carries the digest.
type HashResult struct {
	Digest []byte `json:"digest"`
}
