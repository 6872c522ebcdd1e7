package software

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// GenerateKey creates fresh material for the attributes and persists it as a
// sealed container named by the creation ID.
func (p *Provider) GenerateKey(ctx context.Context, creationID string, attrs keys.Attributes) ([]byte, error) {
	attrs = attrs.WithDefaults()
	if err := p.Capabilities().SupportsAttributes(attrs); err != nil {
		return nil, err
	}

	material, public, err := generateMaterial(attrs)
	if err != nil {
		return nil, providers.Fault(providerName, "generate key material", err)
	}
	defer zeroBytes(material)

	c, err := p.sealContainer(creationID, attrs, material, public)
	if err != nil {
		return nil, err
	}
	if err := p.putContainer(ctx, creationID, c); err != nil {
		return nil, err
	}

	p.log.Debug("software provider: generated %s-%d key in container %s", attrs.Type, attrs.Bits, creationID)
	return []byte(creationID), nil
}

// ImportKey validates caller-supplied material against the attributes,
// re-encodes it canonically and persists it. The caller keeps ownership of
// the material slice and is responsible for wiping it.
func (p *Provider) ImportKey(ctx context.Context, creationID string, material []byte, attrs keys.Attributes) ([]byte, error) {
	attrs = attrs.WithDefaults()
	if err := p.Capabilities().SupportsAttributes(attrs); err != nil {
		return nil, err
	}

	canonical, public, err := canonicalizeImport(attrs, material)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(canonical)

	c, err := p.sealContainer(creationID, attrs, canonical, public)
	if err != nil {
		return nil, err
	}
	if err := p.putContainer(ctx, creationID, c); err != nil {
		return nil, err
	}

	p.log.Debug("software provider: imported %s key into container %s", attrs.Type, creationID)
	return []byte(creationID), nil
}

// ExportPublicKey returns the stored PKIX encoding without unwrapping the
// private half.
func (p *Provider) ExportPublicKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	c, err := p.getContainer(ctx, string(ref.Handle))
	if err != nil {
		return nil, err
	}
	if len(c.Public) == 0 {
		return nil, fmt.Errorf("%w: key type %q has no public part", requests.ErrInvalidRequest, c.Type)
	}
	return c.Public, nil
}

// ExportKey unwraps and returns the private material: PKCS#8 DER for
// asymmetric types, raw bytes for symmetric ones. Export permission is
// checked by the caller against the key's usage flags.
func (p *Provider) ExportKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	c, err := p.getContainer(ctx, string(ref.Handle))
	if err != nil {
		return nil, err
	}
	return p.openContainer(string(ref.Handle), c)
}

// DestroyKey removes the container. Destroying a handle that no longer
// exists is a success so that retried destroys stay idempotent.
func (p *Provider) DestroyKey(ctx context.Context, handle []byte) error {
	id := string(handle)
	if id == rootKeyContainer {
		return fmt.Errorf("%w: container name %q is reserved", requests.ErrInvalidRequest, rootKeyContainer)
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return providers.Fault(providerName, "delete container", err)
	}
	return nil
}

// generateMaterial produces private material and, for asymmetric types, the
// PKIX public encoding. Asymmetric material is PKCS#8 DER; symmetric
// material is Bits/8 random bytes.
func generateMaterial(attrs keys.Attributes) (material, public []byte, err error) {
	switch attrs.Type {
	case keys.KeyTypeRSA:
		key, err := rsa.GenerateKey(rand.Reader, attrs.Bits)
		if err != nil {
			return nil, nil, err
		}
		return marshalKeyPair(key)
	case keys.KeyTypeECDSAP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return marshalKeyPair(key)
	case keys.KeyTypeECDSAP384:
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return marshalKeyPair(key)
	case keys.KeyTypeEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return marshalKeyPair(key)
	case keys.KeyTypeAES, keys.KeyTypeChaCha20:
		material = make([]byte, attrs.Bits/8)
		if _, err := io.ReadFull(rand.Reader, material); err != nil {
			return nil, nil, err
		}
		return material, nil, nil
	}
	return nil, nil, fmt.Errorf("no generator for key type %q", attrs.Type)
}

func marshalKeyPair(priv crypto.Signer) (material, public []byte, err error) {
	material, err = x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("encode private key: %w", err)
	}
	public, err = x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		zeroBytes(material)
		return nil, nil, fmt.Errorf("encode public key: %w", err)
	}
	return material, public, nil
}

// canonicalizeImport checks that the material matches the declared
// attributes and re-encodes it so every stored container has the same shape
// regardless of how the caller produced the DER.
func canonicalizeImport(attrs keys.Attributes, material []byte) (canonical, public []byte, err error) {
	if !attrs.Type.Asymmetric() {
		if len(material) != attrs.Bits/8 {
			return nil, nil, providers.InvalidMaterial(providerName,
				fmt.Errorf("material is %d bytes, %s-%d requires %d", len(material), attrs.Type, attrs.Bits, attrs.Bits/8))
		}
		return bytes.Clone(material), nil, nil
	}

	priv, err := x509.ParsePKCS8PrivateKey(material)
	if err != nil {
		return nil, nil, providers.InvalidMaterial(providerName, fmt.Errorf("parse PKCS#8: %w", err))
	}

	switch attrs.Type {
	case keys.KeyTypeRSA:
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, importMismatch(attrs.Type, priv)
		}
		if got := key.N.BitLen(); got != attrs.Bits {
			return nil, nil, providers.InvalidMaterial(providerName,
				fmt.Errorf("rsa modulus is %d bits, attributes declare %d", got, attrs.Bits))
		}
		if err := key.Validate(); err != nil {
			return nil, nil, providers.InvalidMaterial(providerName, err)
		}
		return marshalKeyPair(key)
	case keys.KeyTypeECDSAP256, keys.KeyTypeECDSAP384:
		key, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, nil, importMismatch(attrs.Type, priv)
		}
		want := elliptic.P256()
		if attrs.Type == keys.KeyTypeECDSAP384 {
			want = elliptic.P384()
		}
		if key.Curve != want {
			return nil, nil, providers.InvalidMaterial(providerName,
				fmt.Errorf("ecdsa key uses curve %s, attributes declare %s", key.Curve.Params().Name, attrs.Type))
		}
		return marshalKeyPair(key)
	case keys.KeyTypeEd25519:
		key, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, nil, importMismatch(attrs.Type, priv)
		}
		return marshalKeyPair(key)
	}
	return nil, nil, providers.InvalidMaterial(providerName, fmt.Errorf("no importer for key type %q", attrs.Type))
}

func importMismatch(want keys.KeyType, got any) error {
	return providers.InvalidMaterial(providerName,
		fmt.Errorf("material is %T, attributes declare %q", got, want))
}
