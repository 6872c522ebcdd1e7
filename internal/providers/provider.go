// Package providers defines the provider abstraction: the polymorphic
// surface between the dispatcher and the cryptographic backends, and the
// registry that resolves provider addresses to configured instances.
//
// A provider owns key material and mechanism execution; it never sees
// application identities or logical key names. The dispatcher hands it
// opaque handles (provider-native, produced at creation) and creation IDs
// (store-assigned names for new objects, so an interrupted create can be
// reconciled by destroying that name). Attribute enforcement - usage flags
// and permitted algorithm lists - happens in the dispatcher; providers
// enforce only what their mechanisms can do.
//
// Implementations must be safe for concurrent use. Single-session backends
// gate access internally and fail fast with a busy classification instead
// of queueing; see Busy.
//
// Every error a provider returns wraps one of the pkg/requests sentinels so
// the dispatcher boundary can translate it to a wire status with errors.Is.
// The helpers in errors.go build correctly classified errors; anything that
// escapes classification is reported as a provider fault.
package providers

import (
	"context"

	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// Info identifies one configured provider instance.
type Info struct {
	ID          requests.ProviderID `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Version     string              `json:"version"`
}

// KeyRef is a resolved key: the provider-native handle from the key info
// store plus the attributes fixed at creation. The dispatcher builds it
// after lookup and usage enforcement; providers treat the handle as theirs
// and the attributes as advisory mechanism parameters.
type KeyRef struct {
	Handle     []byte
	Attributes keys.Attributes
}

// Provider is the uniform surface of one cryptographic backend.
//
// Handles are opaque outside the provider that issued them. DestroyKey is
// idempotent: destroying a handle whose object is already gone succeeds, so
// crash recovery can re-drive destroys safely. GenerateKey and ImportKey
// name the new provider-native object after creationID; they have no
// side effects when they fail with a busy classification.
type Provider interface {
	// Describe returns the provider's identity.
	Describe() Info

	// Capabilities returns the declared opcode, algorithm and key type
	// surface. Fixed for the life of the instance.
	Capabilities() Capabilities

	// Check probes the backend: the software provider checks its key
	// store, PKCS#11 opens and closes a session, the TPM reads a
	// capability. Used by the check command and startup validation.
	Check(ctx context.Context) error

	// GenerateKey creates a new key with the given attributes and returns
	// the provider-native handle.
	GenerateKey(ctx context.Context, creationID string, attrs keys.Attributes) ([]byte, error)

	// ImportKey brings external key material under the provider's
	// management. Material is PKCS#8 DER for asymmetric types and raw
	// bytes of the exact key length for symmetric types.
	ImportKey(ctx context.Context, creationID string, material []byte, attrs keys.Attributes) ([]byte, error)

	// ExportPublicKey returns the public half in PKIX DER form.
	// Asymmetric keys only.
	ExportPublicKey(ctx context.Context, ref KeyRef) ([]byte, error)

	// ExportKey returns the key material itself: PKCS#8 DER for
	// asymmetric keys, raw bytes for symmetric keys. The export usage
	// flag is enforced by the dispatcher before this is called.
	ExportKey(ctx context.Context, ref KeyRef) ([]byte, error)

	// DestroyKey removes the provider-native object. Destroying an
	// absent object succeeds.
	DestroyKey(ctx context.Context, handle []byte) error

	// Sign signs a digest (or, for ed25519, the message itself) and
	// returns the signature. ECDSA signatures are ASN.1 DER.
	Sign(ctx context.Context, ref KeyRef, alg keys.Algorithm, digest []byte) ([]byte, error)

	// Verify checks a signature. A well-formed but wrong signature is
	// (false, nil); errors are reserved for mechanism failures.
	Verify(ctx context.Context, ref KeyRef, alg keys.Algorithm, digest []byte, signature []byte) (bool, error)

	// Encrypt encrypts plaintext. AEAD output is nonce-prefixed
	// ciphertext; RSA uses OAEP.
	Encrypt(ctx context.Context, ref KeyRef, alg keys.Algorithm, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt.
	Decrypt(ctx context.Context, ref KeyRef, alg keys.Algorithm, ciphertext []byte) ([]byte, error)

	// Hash digests data with a bare hash algorithm.
	Hash(ctx context.Context, alg keys.Algorithm, data []byte) ([]byte, error)

	// Close releases backend resources: sessions, device files, cached
	// material.
	Close() error
}
