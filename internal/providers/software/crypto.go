package software

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

var pssOpts = rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Sign produces a signature over the digest. For ed25519 the digest argument
// carries the whole message, per the algorithm's digest length of zero.
func (p *Provider) Sign(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest []byte) ([]byte, error) {
	c, err := p.getContainer(ctx, string(ref.Handle))
	if err != nil {
		return nil, err
	}
	if err := checkSigningAlgorithm(alg, c.Type, digest); err != nil {
		return nil, err
	}

	material, err := p.openContainer(string(ref.Handle), c)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(material)

	priv, err := x509.ParsePKCS8PrivateKey(material)
	if err != nil {
		return nil, providers.Fault(providerName, "sign", fmt.Errorf("decode private key: %w", err))
	}

	switch key := priv.(type) {
	case *ecdsa.PrivateKey:
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
		if err != nil {
			return nil, providers.Fault(providerName, "sign", err)
		}
		return sig, nil
	case ed25519.PrivateKey:
		return ed25519.Sign(key, digest), nil
	case *rsa.PrivateKey:
		var sig []byte
		if alg == keys.AlgorithmRSAPSSSHA256 {
			sig, err = rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest, &pssOpts)
		} else {
			sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
		}
		if err != nil {
			return nil, providers.Fault(providerName, "sign", err)
		}
		return sig, nil
	}
	return nil, providers.Fault(providerName, "sign", fmt.Errorf("container material is %T", priv))
}

// Verify checks a signature against the stored public key. A signature that
// simply does not match reports (false, nil); errors are reserved for
// failures of the verification itself.
func (p *Provider) Verify(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest, signature []byte) (bool, error) {
	c, err := p.getContainer(ctx, string(ref.Handle))
	if err != nil {
		return false, err
	}
	if err := checkSigningAlgorithm(alg, c.Type, digest); err != nil {
		return false, err
	}

	pub, err := x509.ParsePKIXPublicKey(c.Public)
	if err != nil {
		return false, providers.Fault(providerName, "verify", fmt.Errorf("decode public key: %w", err))
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, digest, signature), nil
	case ed25519.PublicKey:
		return ed25519.Verify(key, digest, signature), nil
	case *rsa.PublicKey:
		if alg == keys.AlgorithmRSAPSSSHA256 {
			return rsa.VerifyPSS(key, crypto.SHA256, digest, signature, &pssOpts) == nil, nil
		}
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, signature) == nil, nil
	}
	return false, providers.Fault(providerName, "verify", fmt.Errorf("public key is %T", pub))
}

// Encrypt seals plaintext. AEAD ciphertexts are nonce-prefixed; RSA-OAEP
// uses the stored public key and never unwraps the private half.
func (p *Provider) Encrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, plaintext []byte) ([]byte, error) {
	c, err := p.getContainer(ctx, string(ref.Handle))
	if err != nil {
		return nil, err
	}
	if err := checkEncryptionAlgorithm(alg, c.Type); err != nil {
		return nil, err
	}

	if alg == keys.AlgorithmRSAOAEPSHA256 {
		key, err := p.rsaPublic(c)
		if err != nil {
			return nil, err
		}
		out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, plaintext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", requests.ErrInvalidRequest, err)
		}
		return out, nil
	}

	var sealed []byte
	err = p.withSymmetricKey(ctx, ref, c, alg, func(aead cipher.AEAD) error {
		var sealErr error
		sealed, sealErr = sealAEAD(aead, plaintext, nil)
		return sealErr
	})
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// Decrypt reverses Encrypt. Ciphertext that fails authentication or padding
// checks is the caller's problem, not a provider fault.
func (p *Provider) Decrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, ciphertext []byte) ([]byte, error) {
	c, err := p.getContainer(ctx, string(ref.Handle))
	if err != nil {
		return nil, err
	}
	if err := checkEncryptionAlgorithm(alg, c.Type); err != nil {
		return nil, err
	}

	if alg == keys.AlgorithmRSAOAEPSHA256 {
		material, err := p.openContainer(string(ref.Handle), c)
		if err != nil {
			return nil, err
		}
		defer zeroBytes(material)
		priv, err := x509.ParsePKCS8PrivateKey(material)
		if err != nil {
			return nil, providers.Fault(providerName, "decrypt", fmt.Errorf("decode private key: %w", err))
		}
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, providers.Fault(providerName, "decrypt", fmt.Errorf("container material is %T", priv))
		}
		out, err := rsa.DecryptOAEP(sha256.New(), nil, key, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: ciphertext decryption failed", requests.ErrInvalidRequest)
		}
		return out, nil
	}

	var opened []byte
	err = p.withSymmetricKey(ctx, ref, c, alg, func(aead cipher.AEAD) error {
		var openErr error
		opened, openErr = openAEAD(aead, ciphertext, nil)
		return openErr
	})
	if err != nil {
		// Unwrap and cipher-init failures come back Fault-wrapped; a bare
		// error means the caller's ciphertext did not authenticate.
		if errors.Is(err, requests.ErrProviderFault) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: ciphertext authentication failed", requests.ErrInvalidRequest)
	}
	return opened, nil
}

// Hash digests data in software.
func (p *Provider) Hash(ctx context.Context, alg keys.Algorithm, data []byte) ([]byte, error) {
	return providers.HashBytes(providerName, alg, data)
}

// withSymmetricKey unwraps the raw symmetric key, builds the AEAD for alg
// and runs fn, wiping the key afterwards.
func (p *Provider) withSymmetricKey(ctx context.Context, ref providers.KeyRef, c *container, alg keys.Algorithm, fn func(cipher.AEAD) error) error {
	material, err := p.openContainer(string(ref.Handle), c)
	if err != nil {
		return err
	}
	defer zeroBytes(material)

	var aead cipher.AEAD
	if alg == keys.AlgorithmAESGCM {
		block, err := aes.NewCipher(material)
		if err != nil {
			return providers.Fault(providerName, "init cipher", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return providers.Fault(providerName, "init cipher", err)
		}
	} else {
		aead, err = chacha20poly1305.New(material)
		if err != nil {
			return providers.Fault(providerName, "init cipher", err)
		}
	}
	return fn(aead)
}

func (p *Provider) rsaPublic(c *container) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(c.Public)
	if err != nil {
		return nil, providers.Fault(providerName, "encrypt", fmt.Errorf("decode public key: %w", err))
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, providers.Fault(providerName, "encrypt", fmt.Errorf("public key is %T", pub))
	}
	return key, nil
}

func checkSigningAlgorithm(alg keys.Algorithm, t keys.KeyType, digest []byte) error {
	if !alg.Signing() || !alg.CompatibleWith(t) {
		return providers.UnsupportedAlgorithm(providerName, alg)
	}
	if want := alg.DigestLength(); want != 0 && len(digest) != want {
		return fmt.Errorf("%w: %s expects a %d-byte digest, got %d", requests.ErrInvalidRequest, alg, want, len(digest))
	}
	return nil
}

func checkEncryptionAlgorithm(alg keys.Algorithm, t keys.KeyType) error {
	if !alg.CompatibleWith(t) {
		return providers.UnsupportedAlgorithm(providerName, alg)
	}
	if !alg.AEAD() && alg != keys.AlgorithmRSAOAEPSHA256 {
		return providers.UnsupportedAlgorithm(providerName, alg)
	}
	return nil
}
