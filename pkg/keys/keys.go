// Package keys defines the key attribute model shared by clients and the
// service: key types, algorithms, usage flags, and the Attributes record
// persisted alongside every key mapping.
//
// Attributes are set at key creation and immutable afterwards. Every
// subsequent operation on the key is checked against them: an operation the
// usage flags do not allow, or an algorithm outside the permitted list, is
// rejected before the owning provider is ever invoked.
package keys

import (
	"fmt"
)

// KeyType identifies the cryptographic family of a key. For elliptic-curve
// types the curve is part of the type; Bits is only meaningful for rsa and
// aes.
type KeyType string

const (
	// KeyTypeRSA is an RSA key pair. Bits must be 2048, 3072 or 4096.
	KeyTypeRSA KeyType = "rsa"

	// KeyTypeECDSAP256 is an ECDSA key pair on NIST P-256.
	KeyTypeECDSAP256 KeyType = "ecdsa-p256"

	// KeyTypeECDSAP384 is an ECDSA key pair on NIST P-384.
	KeyTypeECDSAP384 KeyType = "ecdsa-p384"

	// KeyTypeEd25519 is an Ed25519 signing key pair.
	KeyTypeEd25519 KeyType = "ed25519"

	// KeyTypeAES is an AES secret key. Bits must be 128 or 256.
	KeyTypeAES KeyType = "aes"

	// KeyTypeChaCha20 is a 256-bit ChaCha20-Poly1305 secret key.
	KeyTypeChaCha20 KeyType = "chacha20"
)

// KeyTypes lists every key type the model knows about.
func KeyTypes() []KeyType {
	return []KeyType{
		KeyTypeRSA,
		KeyTypeECDSAP256,
		KeyTypeECDSAP384,
		KeyTypeEd25519,
		KeyTypeAES,
		KeyTypeChaCha20,
	}
}

// Asymmetric reports whether the type is a public/private key pair.
func (t KeyType) Asymmetric() bool {
	switch t {
	case KeyTypeRSA, KeyTypeECDSAP256, KeyTypeECDSAP384, KeyTypeEd25519:
		return true
	}
	return false
}

// DefaultBits returns the key size used when Attributes.Bits is zero.
func (t KeyType) DefaultBits() int {
	switch t {
	case KeyTypeRSA:
		return 2048
	case KeyTypeECDSAP256:
		return 256
	case KeyTypeECDSAP384:
		return 384
	case KeyTypeEd25519:
		return 256
	case KeyTypeAES:
		return 256
	case KeyTypeChaCha20:
		return 256
	}
	return 0
}

// Algorithm identifies one cryptographic operation flavour. The same values
// appear in key attribute permitted lists, in operation requests, and in
// provider capability declarations.
type Algorithm string

const (
	AlgorithmECDSASHA256    Algorithm = "ecdsa-sha256"
	AlgorithmECDSASHA384    Algorithm = "ecdsa-sha384"
	AlgorithmEd25519        Algorithm = "ed25519"
	AlgorithmRSAPSSSHA256   Algorithm = "rsa-pss-sha256"
	AlgorithmRSAPKCS1SHA256 Algorithm = "rsa-pkcs1-sha256"
	AlgorithmRSAOAEPSHA256  Algorithm = "rsa-oaep-sha256"
	AlgorithmAESGCM         Algorithm = "aes-gcm"
	AlgorithmChaCha20       Algorithm = "chacha20-poly1305"

	// Hash-only algorithms. Valid in hash operations, never in key
	// attribute lists.
	AlgorithmSHA256 Algorithm = "sha256"
	AlgorithmSHA384 Algorithm = "sha384"
	AlgorithmSHA512 Algorithm = "sha512"
)

// Hash reports whether the algorithm is a bare digest.
func (a Algorithm) Hash() bool {
	switch a {
	case AlgorithmSHA256, AlgorithmSHA384, AlgorithmSHA512:
		return true
	}
	return false
}

// AEAD reports whether the algorithm is an authenticated symmetric cipher.
func (a Algorithm) AEAD() bool {
	return a == AlgorithmAESGCM || a == AlgorithmChaCha20
}

// Signing reports whether the algorithm produces or checks signatures.
func (a Algorithm) Signing() bool {
	switch a {
	case AlgorithmECDSASHA256, AlgorithmECDSASHA384, AlgorithmEd25519,
		AlgorithmRSAPSSSHA256, AlgorithmRSAPKCS1SHA256:
		return true
	}
	return false
}

// DigestLength returns the digest size in bytes a signing algorithm expects,
// or 0 when the algorithm takes the whole message (ed25519) or is not a
// signing algorithm.
func (a Algorithm) DigestLength() int {
	switch a {
	case AlgorithmECDSASHA256, AlgorithmRSAPSSSHA256, AlgorithmRSAPKCS1SHA256:
		return 32
	case AlgorithmECDSASHA384:
		return 48
	}
	return 0
}

// CompatibleWith reports whether the algorithm can be used with keys of the
// given type at all. Providers may still support a narrower set.
func (a Algorithm) CompatibleWith(t KeyType) bool {
	switch a {
	case AlgorithmECDSASHA256:
		return t == KeyTypeECDSAP256
	case AlgorithmECDSASHA384:
		return t == KeyTypeECDSAP384
	case AlgorithmEd25519:
		return t == KeyTypeEd25519
	case AlgorithmRSAPSSSHA256, AlgorithmRSAPKCS1SHA256, AlgorithmRSAOAEPSHA256:
		return t == KeyTypeRSA
	case AlgorithmAESGCM:
		return t == KeyTypeAES
	case AlgorithmChaCha20:
		return t == KeyTypeChaCha20
	}
	return false
}

// UsageFlags declares what a key may be used for. Flags are fixed at
// creation; an operation outside them is a usage violation regardless of
// what the key material could technically do.
type UsageFlags struct {
	Sign    bool `json:"sign,omitempty" yaml:"sign,omitempty"`
	Verify  bool `json:"verify,omitempty" yaml:"verify,omitempty"`
	Encrypt bool `json:"encrypt,omitempty" yaml:"encrypt,omitempty"`
	Decrypt bool `json:"decrypt,omitempty" yaml:"decrypt,omitempty"`
	Export  bool `json:"export,omitempty" yaml:"export,omitempty"`
}

// Any reports whether at least one usage is granted.
func (u UsageFlags) Any() bool {
	return u.Sign || u.Verify || u.Encrypt || u.Decrypt || u.Export
}

// Attributes is the semantic description of a key: what it is and what it is
// allowed to do. Stored with the key mapping at creation time and never
// modified afterwards.
type Attributes struct {
	// Type is the cryptographic family.
	Type KeyType `json:"type" yaml:"type"`

	// Bits is the key size. Zero means the type's default. Only rsa and
	// aes allow more than one size.
	Bits int `json:"bits,omitempty" yaml:"bits,omitempty"`

	// Usage lists the operations the key may perform.
	Usage UsageFlags `json:"usage" yaml:"usage"`

	// Algorithms is the permitted algorithm list. Operations requesting
	// an algorithm outside it are rejected.
	Algorithms []Algorithm `json:"algorithms" yaml:"algorithms"`
}

// WithDefaults returns a copy with Bits filled in from the type default.
func (a Attributes) WithDefaults() Attributes {
	if a.Bits == 0 {
		a.Bits = a.Type.DefaultBits()
	}
	return a
}

// Permits reports whether alg is in the permitted algorithm list.
func (a Attributes) Permits(alg Algorithm) bool {
	for _, permitted := range a.Algorithms {
		if permitted == alg {
			return true
		}
	}
	return false
}

// Validate checks the attribute combination for structural sanity: known
// type, legal size, at least one usage, and a non-empty permitted algorithm
// list whose members are compatible with the type.
func (a Attributes) Validate() error {
	bits := a.Bits
	if bits == 0 {
		bits = a.Type.DefaultBits()
	}

	switch a.Type {
	case KeyTypeRSA:
		if bits != 2048 && bits != 3072 && bits != 4096 {
			return fmt.Errorf("rsa key size must be 2048, 3072 or 4096 bits, got %d", bits)
		}
	case KeyTypeAES:
		if bits != 128 && bits != 256 {
			return fmt.Errorf("aes key size must be 128 or 256 bits, got %d", bits)
		}
	case KeyTypeECDSAP256, KeyTypeECDSAP384, KeyTypeEd25519, KeyTypeChaCha20:
		if a.Bits != 0 && a.Bits != a.Type.DefaultBits() {
			return fmt.Errorf("%s keys are fixed at %d bits, got %d", a.Type, a.Type.DefaultBits(), a.Bits)
		}
	default:
		return fmt.Errorf("unknown key type %q", a.Type)
	}

	if !a.Usage.Any() {
		return fmt.Errorf("key must grant at least one usage")
	}
	if len(a.Algorithms) == 0 {
		return fmt.Errorf("key must permit at least one algorithm")
	}
	for _, alg := range a.Algorithms {
		if alg.Hash() {
			return fmt.Errorf("hash algorithm %q cannot be bound to a key", alg)
		}
		if !alg.CompatibleWith(a.Type) {
			return fmt.Errorf("algorithm %q is not compatible with key type %q", alg, a.Type)
		}
	}
	return nil
}
