package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// ContractTest drives the behavior suite every provider implementation must
// pass. Backends with hardware dependencies run it against fakes.
type ContractTest struct {
	// NewProvider returns a fresh provider instance for one subtest. The
	// suite closes it.
	NewProvider func(t *testing.T) Provider

	// GenerateAttrs are creation attributes the provider supports. The
	// zero value defaults to an ECDSA-P256 sign/verify key.
	GenerateAttrs keys.Attributes

	// SkipEncryption skips the AEAD round trip for providers that only
	// sign.
	SkipEncryption bool
}

// RunContractTests runs the shared provider behavior suite.
func RunContractTests(t *testing.T, contract ContractTest) {
	attrs := contract.GenerateAttrs
	if attrs.Type == "" {
		attrs = keys.Attributes{
			Type:       keys.KeyTypeECDSAP256,
			Usage:      keys.UsageFlags{Sign: true, Verify: true},
			Algorithms: []keys.Algorithm{keys.AlgorithmECDSASHA256},
		}
	}
	attrs = attrs.WithDefaults()

	t.Run("Describe", func(t *testing.T) {
		p := contract.NewProvider(t)
		defer p.Close()

		info := p.Describe()
		if info.ID == requests.ProviderCore {
			t.Error("provider claims reserved id 0")
		}
		if info.Name == "" {
			t.Error("provider name is empty")
		}
		if info != p.Describe() {
			t.Error("Describe() is not stable across calls")
		}

		caps := p.Capabilities()
		if len(caps.Opcodes) == 0 {
			t.Error("provider declares no opcodes")
		}
		if err := caps.SupportsAttributes(attrs); err != nil {
			t.Errorf("provider rejects its own contract attributes: %v", err)
		}
	})

	t.Run("SignVerifyLifecycle", func(t *testing.T) {
		p := contract.NewProvider(t)
		defer p.Close()
		ctx := context.Background()

		alg := firstSigningAlgorithm(attrs.Algorithms)
		if alg == "" {
			t.Skip("contract attributes carry no signing algorithm")
		}

		handle, err := p.GenerateKey(ctx, uuid.NewString(), attrs)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		if len(handle) == 0 {
			t.Fatal("GenerateKey returned an empty handle")
		}
		ref := KeyRef{Handle: handle, Attributes: attrs}

		msg := []byte("the provider contract message")
		digest := contractDigest(alg, msg)

		sig, err := p.Sign(ctx, ref, alg, digest)
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		if len(sig) == 0 {
			t.Fatal("Sign returned an empty signature")
		}

		ok, err := p.Verify(ctx, ref, alg, digest, sig)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !ok {
			t.Error("Verify rejected a signature the same key produced")
		}

		tampered := contractDigest(alg, []byte("a different message"))
		ok, err = p.Verify(ctx, ref, alg, tampered, sig)
		if err != nil {
			t.Fatalf("Verify of a mismatched digest errored: %v", err)
		}
		if ok {
			t.Error("Verify accepted a signature over a different digest")
		}

		if p.Capabilities().SupportsOpcode(requests.OpExportPublicKey) {
			der, err := p.ExportPublicKey(ctx, ref)
			if err != nil {
				t.Fatalf("ExportPublicKey failed: %v", err)
			}
			if len(der) == 0 {
				t.Error("ExportPublicKey returned empty DER")
			}
		}

		if err := p.DestroyKey(ctx, handle); err != nil {
			t.Fatalf("DestroyKey failed: %v", err)
		}
	})

	t.Run("DestroyIdempotent", func(t *testing.T) {
		p := contract.NewProvider(t)
		defer p.Close()
		ctx := context.Background()

		handle, err := p.GenerateKey(ctx, uuid.NewString(), attrs)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		if err := p.DestroyKey(ctx, handle); err != nil {
			t.Fatalf("first DestroyKey failed: %v", err)
		}
		if err := p.DestroyKey(ctx, handle); err != nil {
			t.Errorf("repeated DestroyKey failed: %v", err)
		}
		if err := p.DestroyKey(ctx, []byte("never-issued")); err != nil {
			t.Errorf("DestroyKey of an unknown handle failed: %v", err)
		}
	})

	t.Run("UnsupportedKeyType", func(t *testing.T) {
		p := contract.NewProvider(t)
		defer p.Close()

		unsupported, ok := firstUnsupportedType(p.Capabilities())
		if !ok {
			t.Skip("provider supports every key type")
		}
		_, err := p.GenerateKey(context.Background(), uuid.NewString(), unsupported)
		if !errors.Is(err, requests.ErrUnsupportedAlgorithm) {
			t.Errorf("GenerateKey with unsupported attributes returned %v, want unsupported-algorithm", err)
		}
	})

	t.Run("EncryptDecrypt", func(t *testing.T) {
		if contract.SkipEncryption {
			t.Skip("provider does not encrypt")
		}
		p := contract.NewProvider(t)
		defer p.Close()
		ctx := context.Background()

		aeadAttrs, ok := firstAEADAttributes(p.Capabilities())
		if !ok {
			t.Skip("provider declares no AEAD algorithm")
		}
		alg := aeadAttrs.Algorithms[0]

		handle, err := p.GenerateKey(ctx, uuid.NewString(), aeadAttrs)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		ref := KeyRef{Handle: handle, Attributes: aeadAttrs}

		plaintext := []byte("contract plaintext")
		ciphertext, err := p.Encrypt(ctx, ref, alg, plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if bytes.Contains(ciphertext, plaintext) {
			t.Error("ciphertext contains the plaintext")
		}

		decrypted, err := p.Decrypt(ctx, ref, alg, ciphertext)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("Decrypt returned %q, want %q", decrypted, plaintext)
		}

		ciphertext[len(ciphertext)-1] ^= 0x01
		if _, err := p.Decrypt(ctx, ref, alg, ciphertext); err == nil {
			t.Error("Decrypt accepted tampered ciphertext")
		}

		if err := p.DestroyKey(ctx, handle); err != nil {
			t.Fatalf("DestroyKey failed: %v", err)
		}
	})

	t.Run("Hash", func(t *testing.T) {
		p := contract.NewProvider(t)
		defer p.Close()

		if !p.Capabilities().SupportsOpcode(requests.OpHash) {
			t.Skip("provider does not hash")
		}
		data := []byte("contract hash input")
		sum, err := p.Hash(context.Background(), keys.AlgorithmSHA256, data)
		if err != nil {
			t.Fatalf("Hash failed: %v", err)
		}
		want := sha256.Sum256(data)
		if !bytes.Equal(sum, want[:]) {
			t.Error("Hash disagrees with SHA-256")
		}
	})

	t.Run("Check", func(t *testing.T) {
		p := contract.NewProvider(t)
		defer p.Close()

		done := make(chan error, 1)
		go func() {
			done <- p.Check(context.Background())
		}()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Check failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Check timed out after 5 seconds")
		}
	})
}

func firstSigningAlgorithm(algs []keys.Algorithm) keys.Algorithm {
	for _, alg := range algs {
		if alg.Signing() {
			return alg
		}
	}
	return ""
}

// contractDigest hashes the message as the signing algorithm expects, or
// returns the message itself when the algorithm signs whole messages.
func contractDigest(alg keys.Algorithm, msg []byte) []byte {
	switch alg.DigestLength() {
	case 32:
		sum := sha256.Sum256(msg)
		return sum[:]
	case 48:
		sum := sha512.Sum384(msg)
		return sum[:]
	default:
		return msg
	}
}

// firstUnsupportedType builds valid creation attributes for a key type the
// provider does not declare.
func firstUnsupportedType(caps Capabilities) (keys.Attributes, bool) {
	for _, t := range keys.KeyTypes() {
		if caps.SupportsKeyType(t) {
			continue
		}
		for _, alg := range []keys.Algorithm{
			keys.AlgorithmECDSASHA256, keys.AlgorithmECDSASHA384,
			keys.AlgorithmEd25519, keys.AlgorithmRSAPKCS1SHA256,
			keys.AlgorithmAESGCM, keys.AlgorithmChaCha20,
		} {
			if !alg.CompatibleWith(t) {
				continue
			}
			usage := keys.UsageFlags{Sign: true, Verify: true}
			if alg.AEAD() {
				usage = keys.UsageFlags{Encrypt: true, Decrypt: true}
			}
			return keys.Attributes{Type: t, Usage: usage, Algorithms: []keys.Algorithm{alg}}.WithDefaults(), true
		}
	}
	return keys.Attributes{}, false
}

// firstAEADAttributes builds creation attributes for the provider's first
// declared AEAD algorithm.
func firstAEADAttributes(caps Capabilities) (keys.Attributes, bool) {
	for _, alg := range caps.Algorithms {
		if !alg.AEAD() {
			continue
		}
		t := keys.KeyTypeAES
		if alg == keys.AlgorithmChaCha20 {
			t = keys.KeyTypeChaCha20
		}
		if !caps.SupportsKeyType(t) {
			continue
		}
		return keys.Attributes{
			Type:       t,
			Usage:      keys.UsageFlags{Encrypt: true, Decrypt: true},
			Algorithms: []keys.Algorithm{alg},
		}.WithDefaults(), true
	}
	return keys.Attributes{}, false
}
